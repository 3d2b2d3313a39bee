// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package relay

import (
	"time"
)

// WatchdogExpire is the time an iteration may take before the relay is reported as stalled
var WatchdogExpire = 30 * time.Second

type watchdog struct {
	*time.Timer
	expire time.Duration
}

func newWatchdog(expire time.Duration, callback func()) *watchdog {
	return &watchdog{
		Timer:  time.AfterFunc(expire, callback),
		expire: expire,
	}
}

// Kick the watchdog. If it already expired, it is armed again
func (w *watchdog) Kick() {
	w.Stop()
	w.Reset(w.expire)
}
