// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import (
	"errors"
	"sync"

	"github.com/apex/log"
	"github.com/loragw/lora-mqtt-bridge/types"
)

// BufferSize indicates the maximum number of dummy messages that should be buffered
var BufferSize = 10

// Errors returned by Inject when a packet is discarded
var (
	ErrEmptyPacket  = errors.New("dummy: empty packet")
	ErrNotReceiving = errors.New("dummy: radio is not receiving")
)

// Radio is an in-memory radio backend
type Radio struct {
	mu          sync.Mutex
	ctx         log.Interface
	handler     func(*types.RadioMessage)
	receiving   bool
	closed      bool
	transmitErr error
	transmitted [][]byte
	observers   []func(*Event)
}

// NewRadio returns a new dummy Radio
func NewRadio(ctx log.Interface) *Radio {
	return &Radio{
		ctx: ctx.WithField("Connector", "Dummy"),
	}
}

// Transmit implements backend.Radio
func (r *Radio) Transmit(payload []byte) error {
	r.mu.Lock()
	r.receiving = false
	if r.transmitErr != nil {
		err := r.transmitErr
		r.mu.Unlock()
		return err
	}
	payload = types.Copy(payload)
	r.transmitted = append(r.transmitted, payload)
	observers := r.observers
	r.mu.Unlock()

	r.ctx.WithField("Size", len(payload)).Debug("Transmitted")
	for _, observe := range observers {
		observe(&Event{Type: transmitEvt, Payload: payload})
	}
	return nil
}

// Receive implements backend.Radio
func (r *Radio) Receive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receiving = true
	return nil
}

// OnReceive implements backend.Radio
func (r *Radio) OnReceive(handler func(*types.RadioMessage)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// Close implements backend.Radio
func (r *Radio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.receiving = false
	return nil
}

// Inject simulates the reception of a packet. It returns an error when the
// packet was discarded.
func (r *Radio) Inject(payload []byte, rssi int) error {
	if len(payload) == 0 {
		r.ctx.Debug("Discarding empty packet")
		return ErrEmptyPacket
	}
	r.mu.Lock()
	if !r.receiving {
		r.mu.Unlock()
		r.ctx.Debug("Discarding packet [not receiving]")
		return ErrNotReceiving
	}
	handler, observers := r.handler, r.observers
	r.mu.Unlock()

	msg := &types.RadioMessage{Payload: types.Copy(payload), RSSI: rssi}
	for _, observe := range observers {
		observe(&Event{Type: receiveEvt, Payload: msg.Payload, RSSI: rssi})
	}
	if handler != nil {
		handler(msg)
	}
	return nil
}

// SetTransmitError makes subsequent transmissions fail with err
func (r *Radio) SetTransmitError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transmitErr = err
}

// Transmitted returns the payloads that were transmitted so far
func (r *Radio) Transmitted() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.transmitted...)
}

// Receiving returns whether the radio is in receive mode
func (r *Radio) Receiving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receiving
}

// Closed returns whether the radio was closed
func (r *Radio) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Radio) observe(observer func(*Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, observer)
}
