// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import (
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/brocaar/lorawan/band"
	"github.com/loragw/lora-mqtt-bridge/types"
)

// BufferSize indicates the maximum number of received packets that should be buffered
var BufferSize = 10

// MaxPayloadSize is the largest payload a LoRa packet can carry
const MaxPayloadSize = 255

// ErrPayloadTooLarge is returned when transmitting more than MaxPayloadSize bytes
var ErrPayloadTooLarge = errors.New("pktfwd: payload too large")

// Defaults for Config
const (
	DefaultBind            = ":1700"
	DefaultFrequency       = 868000000
	DefaultSpreadingFactor = 8
	DefaultPower           = 14
)

// Config contains configuration for PacketForwarder
type Config struct {
	Bind            string
	Frequency       uint32 // Hz
	SpreadingFactor int
	Power           int // dBm
	SkipCRCCheck    bool
	// SourceLockTime rejects packets for a gateway from a different IP
	// address than the one it was last seen on within this duration
	SourceLockTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.Bind == "" {
		c.Bind = DefaultBind
	}
	if c.Frequency == 0 {
		c.Frequency = DefaultFrequency
	}
	if c.SpreadingFactor == 0 {
		c.SpreadingFactor = DefaultSpreadingFactor
	}
	if c.Power == 0 {
		c.Power = DefaultPower
	}
	return c
}

// PacketForwarder is a radio that drives a LoRa concentrator through the
// Semtech UDP packet forwarder running on the same host or network
type PacketForwarder struct {
	config  Config
	backend *Backend
	ctx     log.Interface

	mu        sync.Mutex
	handler   func(*types.RadioMessage)
	receiving bool
}

// New starts listening for packet forwarders
func New(config Config, ctx log.Interface) (*PacketForwarder, error) {
	config = config.withDefaults()
	f := &PacketForwarder{
		config: config,
		ctx:    ctx.WithField("Connector", "PacketForwarder"),
	}
	backend, err := NewBackend(config.Bind, config.SkipCRCCheck, config.SourceLockTime, f.ctx)
	if err != nil {
		return nil, err
	}
	f.backend = backend
	go f.handleUplink()
	return f, nil
}

func (f *PacketForwarder) handleUplink() {
	for {
		select {
		case <-f.backend.done:
			return
		case msg := <-f.backend.RXPacketChan():
			f.mu.Lock()
			handler, receiving := f.handler, f.receiving
			f.mu.Unlock()
			if !receiving {
				f.ctx.Debug("Discarding packet [not receiving]")
				continue
			}
			if handler != nil {
				handler(msg)
			}
		}
	}
}

// Transmit implements backend.Radio
func (f *PacketForwarder) Transmit(payload []byte) error {
	f.mu.Lock()
	f.receiving = false
	f.mu.Unlock()

	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	return f.backend.Send(f.txpk(payload))
}

func (f *PacketForwarder) txpk(payload []byte) TXPK {
	return TXPK{
		Imme: true,
		Freq: float64(f.config.Frequency) / 1000000,
		Powe: uint8(f.config.Power),
		Modu: "LORA",
		DatR: newDatRFromDataRate(band.DataRate{
			Modulation:   band.LoRaModulation,
			SpreadFactor: f.config.SpreadingFactor,
			Bandwidth:    125,
		}),
		CodR: "4/5",
		Size: uint16(len(payload)),
		Data: base64.StdEncoding.EncodeToString(payload),
	}
}

// Receive implements backend.Radio
func (f *PacketForwarder) Receive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiving = true
	return nil
}

// OnReceive implements backend.Radio
func (f *PacketForwarder) OnReceive(handler func(*types.RadioMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

// Close implements backend.Radio
func (f *PacketForwarder) Close() error {
	f.mu.Lock()
	f.receiving = false
	f.mu.Unlock()
	return f.backend.Close()
}
