// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package statusserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

var global = newStatusServer()

func newStatusServer() *statusServer {
	return &statusServer{
		started:    time.Now(),
		uplink:     metrics.NewMeter(),
		downlink:   metrics.NewMeter(),
		ping:       metrics.NewMeter(),
		reconnects: metrics.NewCounter(),
	}
}

type statusServer struct {
	mu         sync.RWMutex
	accessKeys []string
	started    time.Time
	connected  bool

	uplink     metrics.Meter
	downlink   metrics.Meter
	ping       metrics.Meter
	reconnects metrics.Counter
}

// Rates of a message type per second, averaged over 1, 5 and 15 minutes
type Rates struct {
	Count  int64   `json:"count"`
	Rate1  float64 `json:"rate_1"`
	Rate5  float64 `json:"rate_5"`
	Rate15 float64 `json:"rate_15"`
}

// Status of the bridge
type Status struct {
	Uptime     string `json:"uptime"`
	Connected  bool   `json:"connected"`
	Reconnects int64  `json:"reconnects"`
	Uplink     Rates  `json:"uplink"`
	Downlink   Rates  `json:"downlink"`
	Ping       Rates  `json:"ping"`
}

func (s *statusServer) AddAccessKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessKeys = append(s.accessKeys, key)
}

// AddAccessKey adds an access key for a client
func AddAccessKey(key string) {
	global.AddAccessKey(key)
}

func (s *statusServer) Uplink() {
	s.uplink.Mark(1)
}

// Uplink registers a message forwarded from the radio to the network
func Uplink() {
	global.Uplink()
}

func (s *statusServer) Downlink() {
	s.downlink.Mark(1)
}

// Downlink registers a message forwarded from the network to the radio
func Downlink() {
	global.Downlink()
}

func (s *statusServer) Ping() {
	s.ping.Mark(1)
}

// Ping registers a ping that was answered
func Ping() {
	global.Ping()
}

func (s *statusServer) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.reconnects.Inc(1)
}

// Connect registers a network session (re)connect
func Connect() {
	global.Connect()
}

func (s *statusServer) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

// Disconnect registers the loss of the network session
func Disconnect() {
	global.Disconnect()
}

func rates(meter metrics.Meter) Rates {
	snapshot := meter.Snapshot()
	return Rates{
		Count:  snapshot.Count(),
		Rate1:  snapshot.Rate1(),
		Rate5:  snapshot.Rate5(),
		Rate15: snapshot.Rate15(),
	}
}

func (s *statusServer) getStatus() *Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Status{
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		Connected:  s.connected,
		Reconnects: s.reconnects.Count(),
		Uplink:     rates(s.uplink),
		Downlink:   rates(s.downlink),
		Ping:       rates(s.ping),
	}
}

func (s *statusServer) authorized(r *http.Request) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.accessKeys) == 0 {
		return true
	}
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Key ")
	for _, allowed := range s.accessKeys {
		if key == allowed {
			return true
		}
	}
	return false
}

func (s *statusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}
	w.Header().Set("content-type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(s.getStatus())
}

// Handler returns the http.Handler of the default status server
func Handler() http.Handler {
	return global
}
