// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import (
	"context"
	"errors"
	"sync"

	"github.com/apex/log"
	"github.com/loragw/lora-mqtt-bridge/types"
)

// ErrNotConnected is returned when publishing without a session
var ErrNotConnected = errors.New("dummy: not connected")

// Network is an in-memory network backend. The broker it talks to can be made
// unavailable to simulate connection loss.
type Network struct {
	mu            sync.Mutex
	ctx           log.Interface
	available     bool
	availableCh   chan struct{}
	connected     bool
	reconnects    int
	pumps         int
	subscriptions []string
	published     []*types.NetworkMessage
	handler       func(*types.NetworkMessage)
}

// NewNetwork returns a new dummy Network with an available broker
func NewNetwork(ctx log.Interface) *Network {
	availableCh := make(chan struct{})
	close(availableCh)
	return &Network{
		ctx:         ctx.WithField("Connector", "Dummy"),
		available:   true,
		availableCh: availableCh,
	}
}

// SetAvailable makes the broker (un)available. Making it unavailable drops the session.
func (n *Network) SetAvailable(available bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if available == n.available {
		return
	}
	n.available = available
	if available {
		close(n.availableCh)
		return
	}
	n.availableCh = make(chan struct{})
	n.connected = false
	n.subscriptions = nil
	n.ctx.Debug("Connection lost")
}

// Connected implements backend.Network
func (n *Network) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// Reconnect implements backend.Network. It waits until the broker is available.
func (n *Network) Reconnect(ctx context.Context, announce *types.NetworkMessage, topics ...string) error {
	for {
		n.mu.Lock()
		if n.available {
			n.connected = true
			n.reconnects++
			if announce != nil {
				n.published = append(n.published, &types.NetworkMessage{Topic: announce.Topic, Payload: types.Copy(announce.Payload)})
			}
			n.subscriptions = append(n.subscriptions, topics...)
			n.mu.Unlock()
			n.ctx.Debug("Connected")
			return nil
		}
		wait := n.availableCh
		n.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Publish implements backend.Network
func (n *Network) Publish(topic string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected {
		return ErrNotConnected
	}
	n.published = append(n.published, &types.NetworkMessage{Topic: topic, Payload: types.Copy(payload)})
	n.ctx.WithField("Topic", topic).Debug("Published")
	return nil
}

// OnMessage implements backend.Network
func (n *Network) OnMessage(handler func(*types.NetworkMessage)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = handler
}

// Deliver simulates a message from the broker. Like the real backends, it is
// handed to the handler right away when the topic is subscribed.
func (n *Network) Deliver(topic string, payload []byte) {
	ctx := n.ctx.WithField("Topic", topic)
	if !n.subscribed(topic) {
		ctx.Debug("Dropping message [not subscribed]")
		return
	}
	n.mu.Lock()
	handler := n.handler
	n.mu.Unlock()
	ctx.Debug("Delivered")
	if handler != nil {
		handler(&types.NetworkMessage{Topic: topic, Payload: types.Copy(payload)})
	}
}

func (n *Network) subscribed(topic string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected {
		return false
	}
	for _, subscription := range n.subscriptions {
		if subscription == topic {
			return true
		}
	}
	return false
}

// Pump implements backend.Network. It only counts the calls.
func (n *Network) Pump() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pumps++
}

// Disconnect implements backend.Network
func (n *Network) Disconnect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = false
	n.subscriptions = nil
	return nil
}

// Published returns all messages published so far
func (n *Network) Published() []*types.NetworkMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.NetworkMessage(nil), n.published...)
}

// PublishedTo returns the payloads published to topic
func (n *Network) PublishedTo(topic string) (payloads [][]byte) {
	for _, msg := range n.Published() {
		if msg.Topic == topic {
			payloads = append(payloads, msg.Payload)
		}
	}
	return
}

// Subscriptions returns the topics of the current session
func (n *Network) Subscriptions() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.subscriptions...)
}

// Reconnects returns the number of sessions that were established
func (n *Network) Reconnects() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reconnects
}

// Pumps returns the number of times Pump was called
func (n *Network) Pumps() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pumps
}
