// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package middleware

import (
	"github.com/loragw/lora-mqtt-bridge/types"
)

// Context for middleware
type Context interface {
	Set(k, v interface{})
	Get(k interface{}) interface{}
}

// NewContext returns a new middleware context
func NewContext() Context {
	return &context{
		data: make(map[interface{}]interface{}),
	}
}

type context struct {
	data map[interface{}]interface{}
}

func (c *context) Set(k, v interface{}) {
	c.data[k] = v
}

func (c *context) Get(k interface{}) interface{} {
	if v, ok := c.data[k]; ok {
		return v
	}
	return nil
}

// Chain of middleware
type Chain []interface{}

// Execute the chain
func (c Chain) Execute(ctx Context, msg interface{}) error {
	switch msg := msg.(type) {
	case *types.RadioMessage:
		return c.filterUplink().Execute(ctx, msg)
	case *types.NetworkMessage:
		return c.filterDownlink().Execute(ctx, msg)
	}
	return nil
}

// Uplink middleware handles messages received over the radio
type Uplink interface {
	HandleUplink(Context, *types.RadioMessage) error
}

type uplinkChain []Uplink

func (c uplinkChain) Execute(ctx Context, msg *types.RadioMessage) error {
	for _, middleware := range c {
		err := middleware.HandleUplink(ctx, msg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterUplink() (filtered uplinkChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Uplink); ok {
			filtered = append(filtered, c)
		}
	}
	return
}

// Downlink middleware handles messages received from the network that are about to be transmitted
type Downlink interface {
	HandleDownlink(Context, *types.NetworkMessage) error
}

type downlinkChain []Downlink

func (c downlinkChain) Execute(ctx Context, msg *types.NetworkMessage) error {
	for _, middleware := range c {
		err := middleware.HandleDownlink(ctx, msg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterDownlink() (filtered downlinkChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Downlink); ok {
			filtered = append(filtered, c)
		}
	}
	return
}
