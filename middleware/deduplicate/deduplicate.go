// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package deduplicate

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/loragw/lora-mqtt-bridge/middleware"
	"github.com/loragw/lora-mqtt-bridge/types"
)

// DefaultWindow is used when NewDeduplicate is given a zero window
const DefaultWindow = 2 * time.Second

// NewDeduplicate returns a middleware that drops radio packets that are
// received again within the window, as happens with repeating nodes
func NewDeduplicate(window time.Duration) *Deduplicate {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduplicate{
		window: window,
		now:    time.Now,
	}
}

// Deduplicate middleware
type Deduplicate struct {
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	last     []byte
	lastSeen time.Time
}

// ErrDuplicateMessage is returned when an uplink message is received multiple times
var ErrDuplicateMessage = errors.New("deduplicate: already handled this message")

// HandleUplink blocks duplicate messages
func (d *Deduplicate) HandleUplink(_ middleware.Context, msg *types.RadioMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if d.last != nil && now.Sub(d.lastSeen) < d.window && bytes.Equal(msg.Payload, d.last) {
		return ErrDuplicateMessage
	}
	d.last = types.Copy(msg.Payload)
	d.lastSeen = now
	return nil
}
