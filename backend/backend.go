// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package backend

import (
	"context"

	"github.com/loragw/lora-mqtt-bridge/types"
)

// Radio backends talk to the LoRa radio (or something that drives one)
type Radio interface {
	// Transmit sends the payload and blocks until it is sent. Reception is
	// suspended afterwards and must be re-armed with Receive.
	Transmit(payload []byte) error
	// Receive puts the radio in continuous receive mode
	Receive() error
	// OnReceive registers the handler that is called for every received
	// packet of nonzero length. The handler must not block.
	OnReceive(handler func(*types.RadioMessage))
	Close() error
}

// Network backends talk to the message broker
type Network interface {
	// Connected returns whether the session is currently live
	Connected() bool
	// Reconnect blocks until a session is established. After connecting it
	// publishes the announcement (if not nil) and subscribes to the topics. A
	// session that could not subscribe is not reported as connected.
	// It only returns an error when the context is done.
	Reconnect(ctx context.Context, announce *types.NetworkMessage, topics ...string) error
	// Publish is best-effort, delivery failures are not returned
	Publish(topic string, payload []byte) error
	// OnMessage registers the handler that is called for every message on a
	// subscribed topic as soon as it arrives, possibly from another
	// goroutine. The handler must not block.
	OnMessage(handler func(*types.NetworkMessage))
	// Pump gives the backend room for periodic work and must be called regularly
	Pump()
	Disconnect() error
}
