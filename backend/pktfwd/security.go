// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/brocaar/lorawan"
)

// sourceLocks bind a gateway MAC to the address it was last seen on, so that
// another host can not take over a gateway within cacheTime
type sourceLocks struct {
	withPort  bool
	cacheTime time.Duration
	stop      chan struct{}

	mu      sync.Mutex
	sources map[lorawan.EUI64]source
}

type source struct {
	lastSeen time.Time
	addr     *net.UDPAddr
}

func newSourceLocks(withPort bool, cacheTime time.Duration) *sourceLocks {
	c := &sourceLocks{
		withPort:  withPort,
		cacheTime: cacheTime,
		stop:      make(chan struct{}),
		sources:   make(map[lorawan.EUI64]source),
	}
	if cacheTime > 0 {
		go c.expire()
	}
	return c
}

func (c *sourceLocks) expire() {
	ticker := time.NewTicker(10 * c.cacheTime)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		for mac, source := range c.sources {
			if time.Since(source.lastSeen) > c.cacheTime {
				delete(c.sources, mac)
			}
		}
		c.mu.Unlock()
	}
}

func (c *sourceLocks) Set(mac lorawan.EUI64, addr *net.UDPAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sources[mac]; ok && time.Since(existing.lastSeen) < c.cacheTime {
		if c.withPort && existing.addr.Port != addr.Port {
			return fmt.Errorf("pktfwd: inconsistent port for gateway %s: %d (expected %d)", mac, addr.Port, existing.addr.Port)
		}
		if !existing.addr.IP.Equal(addr.IP) {
			return fmt.Errorf("pktfwd: inconsistent IP address for gateway %s: %s (expected %s)", mac, addr.IP, existing.addr.IP)
		}
	}
	c.sources[mac] = source{time.Now(), addr}
	return nil
}

func (c *sourceLocks) Close() {
	close(c.stop)
}
