// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/loragw/lora-mqtt-bridge/backend"
	"github.com/loragw/lora-mqtt-bridge/middleware"
	"github.com/loragw/lora-mqtt-bridge/status/statusserver"
	"github.com/loragw/lora-mqtt-bridge/types"
)

// Default payloads published on the ping reply topic
const (
	DefaultAnnouncement = "Hi, from board"
	DefaultPingReply    = "I am alive ;)"
)

// PollInterval is the maximum time Run waits for an event before it iterates anyway
var PollInterval = 10 * time.Millisecond

// Topics used by the relay
type Topics struct {
	Out       string // radio messages are published here
	In        string // messages received here are transmitted over radio
	Ping      string
	PingReply string
}

// Config of the relay
type Config struct {
	Topics       Topics
	Announcement string
	PingReply    string
}

// Relay moves events between a radio and a network backend.
//
// Each iteration:
// - Reconnects the network if the session is down (this blocks)
// - Publishes the pending radio message to the Out topic
// - Transmits the pending network message and re-arms reception
// - Answers the pending ping on the PingReply topic
// - Pumps the network backend
//
// Only the most recent event of each kind is kept between iterations.
type Relay struct {
	ctx        log.Interface
	radio      backend.Radio
	network    backend.Network
	config     Config
	middleware middleware.Chain

	wake           chan struct{}
	radioInbound   *slot[*types.RadioMessage]
	networkInbound *slot[*types.NetworkMessage]
	ping           *slot[*types.PingMessage]

	connected bool
}

// New initializes a new Relay and registers its handlers on the backends
func New(ctx log.Interface, radio backend.Radio, network backend.Network, config Config) *Relay {
	if config.Announcement == "" {
		config.Announcement = DefaultAnnouncement
	}
	if config.PingReply == "" {
		config.PingReply = DefaultPingReply
	}
	wake := make(chan struct{}, 1)
	r := &Relay{
		ctx:            ctx.WithField("Component", "Relay"),
		radio:          radio,
		network:        network,
		config:         config,
		wake:           wake,
		radioInbound:   newSlot[*types.RadioMessage](wake),
		networkInbound: newSlot[*types.NetworkMessage](wake),
		ping:           newSlot[*types.PingMessage](wake),
	}
	radio.OnReceive(r.handleRadio)
	network.OnMessage(r.handleNetwork)
	return r
}

// Use adds middleware to the relay. Must be called before Run.
func (r *Relay) Use(middleware ...interface{}) {
	r.middleware = append(r.middleware, middleware...)
}

func (r *Relay) handleRadio(msg *types.RadioMessage) {
	if r.radioInbound.Put(msg) {
		registerOverwritten(uplink)
		r.ctx.Debug("Overwrote pending radio message")
	}
}

func (r *Relay) handleNetwork(msg *types.NetworkMessage) {
	matched := false
	if msg.Topic == r.config.Topics.In {
		matched = true
		if r.networkInbound.Put(msg) {
			registerOverwritten(downlink)
			r.ctx.Debug("Overwrote pending network message")
		}
	}
	if msg.Topic == r.config.Topics.Ping {
		matched = true
		if r.ping.Put(&types.PingMessage{}) {
			registerOverwritten(ping)
			r.ctx.Debug("Overwrote pending ping")
		}
	}
	if !matched {
		r.ctx.WithField("Topic", msg.Topic).Debug("Ignoring message on unknown topic")
	}
}

func (r *Relay) setConnected(connected bool) {
	if connected == r.connected {
		return
	}
	r.connected = connected
	registerConnected(connected)
	if connected {
		reconnectCounter.Inc()
		statusserver.Connect()
		r.ctx.Info("Network connected")
	} else {
		statusserver.Disconnect()
		r.ctx.Warn("Network disconnected")
	}
}

// Iterate runs one iteration of the relay. It only returns an error when the
// context is done while waiting for the network.
func (r *Relay) Iterate(ctx context.Context) error {
	if !r.network.Connected() {
		r.setConnected(false)
		r.ctx.Debug("Connecting to network")
		announce := &types.NetworkMessage{
			Topic:   r.config.Topics.PingReply,
			Payload: []byte(r.config.Announcement),
		}
		if err := r.network.Reconnect(ctx, announce, r.config.Topics.Ping, r.config.Topics.In); err != nil {
			return err
		}
		r.setConnected(true)
	}

	if msg, ok := r.radioInbound.Take(); ok {
		r.handleUplink(msg)
	}

	if msg, ok := r.networkInbound.Take(); ok {
		r.handleDownlink(msg)
	}

	if _, ok := r.ping.Take(); ok {
		r.handlePing()
	}

	r.network.Pump()
	return nil
}

func (r *Relay) handleUplink(msg *types.RadioMessage) {
	ctx := r.ctx.WithFields(log.Fields{
		"RSSI": msg.RSSI,
		"SNR":  msg.SNR,
		"Size": len(msg.Payload),
	})
	registerSignal(msg.RSSI, msg.SNR)
	if err := r.middleware.Execute(middleware.NewContext(), msg); err != nil {
		registerFiltered(uplink)
		ctx.WithError(err).Debug("Dropped radio message")
		return
	}
	if err := r.network.Publish(r.config.Topics.Out, msg.Payload); err != nil {
		ctx.WithError(err).Warn("Could not publish radio message")
		return
	}
	registerHandled(uplink)
	statusserver.Uplink()
	ctx.Info("Routed radio message")
}

func (r *Relay) handleDownlink(msg *types.NetworkMessage) {
	ctx := r.ctx.WithField("Size", len(msg.Payload))
	defer func() {
		if err := r.radio.Receive(); err != nil {
			ctx.WithError(err).Warn("Could not re-arm radio")
		}
	}()
	if err := r.middleware.Execute(middleware.NewContext(), msg); err != nil {
		registerFiltered(downlink)
		ctx.WithError(err).Debug("Dropped network message")
		return
	}
	if err := r.radio.Transmit(msg.Payload); err != nil {
		ctx.WithError(err).Warn("Could not transmit network message")
		return
	}
	registerHandled(downlink)
	statusserver.Downlink()
	ctx.Info("Routed network message")
}

func (r *Relay) handlePing() {
	if err := r.network.Publish(r.config.Topics.PingReply, []byte(r.config.PingReply)); err != nil {
		r.ctx.WithError(err).Warn("Could not publish ping reply")
		return
	}
	registerHandled(ping)
	statusserver.Ping()
	r.ctx.Debug("Answered ping")
}

// Run arms the radio and iterates until the context is done
func (r *Relay) Run(ctx context.Context) error {
	if err := r.radio.Receive(); err != nil {
		return fmt.Errorf("relay: could not arm radio: %s", err)
	}

	watchdog := newWatchdog(WatchdogExpire, func() {
		r.ctx.Warnf("Relay did not complete an iteration in %s", WatchdogExpire)
	})
	defer watchdog.Stop()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		if err := r.Iterate(ctx); err != nil {
			return err
		}
		watchdog.Kick()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
		case <-ticker.C:
		}
	}
}
