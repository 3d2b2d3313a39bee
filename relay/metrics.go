// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Directions and kinds used as metric labels
const (
	uplink   = "uplink"
	downlink = "downlink"
	ping     = "ping"
)

var handledCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lora",
		Subsystem: "bridge",
		Name:      "messages_handled_total",
		Help:      "Total number of messages handled.",
	}, []string{"direction"},
)

var overwrittenCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lora",
		Subsystem: "bridge",
		Name:      "messages_overwritten_total",
		Help:      "Total number of pending messages that were replaced before they were handled.",
	}, []string{"kind"},
)

var filteredCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lora",
		Subsystem: "bridge",
		Name:      "messages_filtered_total",
		Help:      "Total number of messages dropped by middleware.",
	}, []string{"direction"},
)

var reconnectCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "lora",
		Subsystem: "bridge",
		Name:      "reconnects_total",
		Help:      "Total number of network session (re)connects.",
	},
)

var connectedGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "lora",
		Subsystem: "bridge",
		Name:      "network_connected",
		Help:      "Whether the network session is live.",
	},
)

var rssiGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "lora",
		Subsystem: "bridge",
		Name:      "last_rssi_dbm",
		Help:      "RSSI of the last received radio packet.",
	},
)

var snrGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "lora",
		Subsystem: "bridge",
		Name:      "last_snr_db",
		Help:      "SNR of the last received radio packet.",
	},
)

func registerHandled(direction string) {
	handledCounter.WithLabelValues(direction).Inc()
}

func registerOverwritten(kind string) {
	overwrittenCounter.WithLabelValues(kind).Inc()
}

func registerFiltered(direction string) {
	filteredCounter.WithLabelValues(direction).Inc()
}

func registerSignal(rssi int, snr float64) {
	rssiGauge.Set(float64(rssi))
	snrGauge.Set(snr)
}

func registerConnected(connected bool) {
	if connected {
		connectedGauge.Set(1)
	} else {
		connectedGauge.Set(0)
	}
}

func init() {
	prometheus.MustRegister(handledCounter)
	prometheus.MustRegister(overwrittenCounter)
	prometheus.MustRegister(filteredCounter)
	prometheus.MustRegister(reconnectCounter)
	prometheus.MustRegister(connectedGauge)
	prometheus.MustRegister(rssiGauge)
	prometheus.MustRegister(snrGauge)
}
