// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package debug

import (
	"encoding/hex"

	"github.com/apex/log"
	"github.com/loragw/lora-mqtt-bridge/middleware"
	"github.com/loragw/lora-mqtt-bridge/types"
)

// New returns a middleware that logs the payloads of all traffic
func New(ctx log.Interface) *Debug {
	return &Debug{ctx: ctx.WithField("Middleware", "Debug")}
}

// Debug middleware
type Debug struct {
	ctx log.Interface
}

// HandleUplink logs radio packets
func (d *Debug) HandleUplink(_ middleware.Context, msg *types.RadioMessage) error {
	d.ctx.WithFields(log.Fields{
		"RSSI":    msg.RSSI,
		"SNR":     msg.SNR,
		"Payload": hex.EncodeToString(msg.Payload),
	}).Debug("Uplink")
	return nil
}

// HandleDownlink logs network messages before they are transmitted
func (d *Debug) HandleDownlink(_ middleware.Context, msg *types.NetworkMessage) error {
	d.ctx.WithFields(log.Fields{
		"Topic":   msg.Topic,
		"Payload": hex.EncodeToString(msg.Payload),
	}).Debug("Downlink")
	return nil
}
