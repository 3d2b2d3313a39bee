// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/loragw/lora-mqtt-bridge/backend"
	"github.com/loragw/lora-mqtt-bridge/backend/amqp"
	"github.com/loragw/lora-mqtt-bridge/backend/dummy"
	"github.com/loragw/lora-mqtt-bridge/backend/mqtt"
	"github.com/loragw/lora-mqtt-bridge/backend/pktfwd"
	"github.com/loragw/lora-mqtt-bridge/backend/sx127x"
	"github.com/loragw/lora-mqtt-bridge/middleware/blocklist"
	"github.com/loragw/lora-mqtt-bridge/middleware/debug"
	"github.com/loragw/lora-mqtt-bridge/middleware/deduplicate"
	"github.com/loragw/lora-mqtt-bridge/middleware/lorafilter"
	"github.com/loragw/lora-mqtt-bridge/middleware/ratelimit"
	"github.com/loragw/lora-mqtt-bridge/relay"
	"github.com/loragw/lora-mqtt-bridge/status/statusserver"
	"github.com/loragw/lora-mqtt-bridge/wifi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	redis "gopkg.in/redis.v5"
)

// BridgeCmd is the main command that is executed when running lora-mqtt-bridge
var BridgeCmd = &cobra.Command{
	Use:   "lora-mqtt-bridge",
	Short: "LoRa to MQTT bridge",
	Long:  `lora-mqtt-bridge forwards LoRa packets to an MQTT (or AMQP) topic and messages on an inbound topic to LoRa`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logHandlers []log.Handler

		logHandlers = append(logHandlers, cli.New(os.Stdout))

		if logFileLocation := config.GetString("log-file"); logFileLocation != "" {
			absLogFileLocation, err := filepath.Abs(logFileLocation)
			if err != nil {
				panic(err)
			}
			logFile, err = os.OpenFile(absLogFileLocation, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
			if err != nil {
				panic(err)
			}
			logHandlers = append(logHandlers, json.New(logFile))
		}

		level := log.InfoLevel
		if config.GetBool("debug") {
			level = log.DebugLevel
		}

		ctx = &log.Logger{
			Level:   level,
			Handler: multi.New(logHandlers...),
		}
	},
	Run: runBridge,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			time.Sleep(100 * time.Millisecond)
			logFile.Close()
		}
	},
}

func runBridge(cmd *cobra.Command, args []string) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		ctx.WithField("signal", <-sigChan).Info("signal received")
		cancel()
	}()

	if iface := config.GetString("wifi-interface"); iface != "" && iface != "disable" {
		_, err := wifi.Connect(runCtx, wifi.Config{
			Interface: iface,
			SSID:      config.GetString("wifi-ssid"),
			Password:  config.GetString("wifi-password"),
		}, ctx)
		if err != nil {
			return
		}
	}

	radio := setupRadio()
	defer radio.Close()

	network := setupNetwork()
	defer network.Disconnect()

	bridge := relay.New(ctx, radio, network, relay.Config{
		Topics: relay.Topics{
			Out:       config.GetString("topic-out"),
			In:        config.GetString("topic-in"),
			Ping:      config.GetString("topic-ping"),
			PingReply: config.GetString("topic-ping-reply"),
		},
	})
	bridge.Use(setupMiddleware()...)

	startStatusServer()

	if err := bridge.Run(runCtx); err != nil && err != context.Canceled {
		ctx.WithError(err).Fatal("Relay stopped")
	}
}

func setupRadio() backend.Radio {
	switch radioType := config.GetString("radio"); radioType {
	case "sx127x":
		ctx.Info("Initializing SX127x radio")
		radio, err := sx127x.New(sx127x.Config{
			SPIPort:         config.GetString("radio-spi-port"),
			GPIOChip:        config.GetString("radio-gpio-chip"),
			ChipSelectPin:   config.GetInt("radio-cs-pin"),
			ResetPin:        config.GetInt("radio-reset-pin"),
			InterruptPin:    config.GetInt("radio-irq-pin"),
			Frequency:       uint32(config.GetInt("radio-frequency")),
			SpreadingFactor: config.GetInt("radio-spreading-factor"),
			TxPower:         config.GetInt("radio-tx-power"),
		}, ctx)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize radio")
		}
		return radio
	case "pktfwd":
		ctx.WithField("Bind", config.GetString("pktfwd-bind")).Info("Initializing packet forwarder")
		radio, err := pktfwd.New(pktfwd.Config{
			Bind:            config.GetString("pktfwd-bind"),
			Frequency:       uint32(config.GetInt("radio-frequency")),
			SpreadingFactor: config.GetInt("radio-spreading-factor"),
			Power:           config.GetInt("radio-tx-power"),
			SourceLockTime:  config.GetDuration("pktfwd-source-lock"),
		}, ctx)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize radio")
		}
		return radio
	case "dummy":
		ctx.Info("Initializing dummy radio")
		radio := dummy.NewRadio(ctx)
		if addr := config.GetString("dummy-http"); addr != "" {
			radio = radio.WithHTTPServer(addr)
		}
		return radio
	default:
		ctx.WithField("Radio", radioType).Fatal("Unknown radio")
	}
	return nil
}

func setupNetwork() backend.Network {
	switch networkType := config.GetString("network"); networkType {
	case "mqtt":
		brokers := strings.Split(config.GetString("mqtt-server"), ",")
		ctx.WithField("Brokers", brokers).WithField("Username", config.GetString("mqtt-username")).Info("Initializing MQTT")
		network, err := mqtt.New(mqtt.Config{
			Brokers:  brokers,
			ClientID: config.GetString("mqtt-client-id"),
			Username: config.GetString("mqtt-username"),
			Password: config.GetString("mqtt-password"),
		}, ctx)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize MQTT")
		}
		return network
	case "amqp":
		ctx.WithField("Address", config.GetString("amqp-address")).WithField("Username", config.GetString("amqp-username")).Info("Initializing AMQP")
		network, err := amqp.New(amqp.Config{
			Address:      config.GetString("amqp-address"),
			Username:     config.GetString("amqp-username"),
			Password:     config.GetString("amqp-password"),
			ExchangeName: config.GetString("amqp-exchange"),
		}, ctx)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize AMQP")
		}
		return network
	default:
		ctx.WithField("Network", networkType).Fatal("Unknown network")
	}
	return nil
}

func setupMiddleware() (chain []interface{}) {
	if config.GetBool("debug") {
		chain = append(chain, debug.New(ctx))
	}

	if config.GetBool("lorawan-only") {
		ctx.Info("Only forwarding LoRaWAN uplinks")
		chain = append(chain, lorafilter.NewFilter())
	}

	if window := config.GetDuration("dedup-window"); window > 0 {
		ctx.WithField("Window", window).Info("Deduplicating radio packets")
		chain = append(chain, deduplicate.NewDeduplicate(window))
	}

	if lists := config.GetStringSlice("blocklist"); len(lists) > 0 {
		b, err := blocklist.NewBlocklist(ctx, lists...)
		if err != nil {
			ctx.WithError(err).Fatal("Could not load blocklist")
		}
		go func() {
			for range time.Tick(time.Hour) {
				b.FetchRemotes()
			}
		}()
		chain = append(chain, b)
	}

	limits := ratelimit.Limits{
		Uplink:   config.GetInt("ratelimit-uplink"),
		Downlink: config.GetInt("ratelimit-downlink"),
	}
	if limits.Uplink != 0 || limits.Downlink != 0 {
		if config.GetBool("redis") {
			client := redis.NewClient(&redis.Options{
				Addr:     config.GetString("redis-address"),
				Password: config.GetString("redis-password"),
				DB:       config.GetInt("redis-db"),
			})
			ctx.Info("Initializing Redis rate limits")
			limiter, err := ratelimit.NewRedisRateLimit(client, "ratelimit:"+config.GetString("id"), limits, ctx)
			if err != nil {
				ctx.WithError(err).Fatal("Could not initialize rate limits")
			}
			chain = append(chain, limiter)
		} else {
			ctx.Info("Initializing memory rate limits")
			limiter, err := ratelimit.NewRateLimit(limits)
			if err != nil {
				ctx.WithError(err).Fatal("Could not initialize rate limits")
			}
			chain = append(chain, limiter)
		}
	}

	return
}

func startStatusServer() {
	addr := config.GetString("status-address")
	if addr == "" || addr == "disable" {
		return
	}
	for _, key := range config.GetStringSlice("status-access-key") {
		statusserver.AddAccessKey(key)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/status", statusserver.Handler())
	go func() {
		ctx.WithField("Address", addr).Info("Starting status server")
		if err := http.ListenAndServe(addr, mux); err != nil {
			ctx.WithError(err).Warn("Status server stopped")
		}
	}()
}

func init() {
	BridgeCmd.Flags().String("log-file", "", "Location of the log file")
	BridgeCmd.Flags().Bool("debug", false, "Print debug logs")

	BridgeCmd.Flags().String("radio", "sx127x", "Radio backend (sx127x, pktfwd or dummy)")
	BridgeCmd.Flags().String("radio-spi-port", "", "SPI port of the SX127x (first available if empty)")
	BridgeCmd.Flags().String("radio-gpio-chip", "gpiochip0", "GPIO chip of the SX127x pins")
	BridgeCmd.Flags().Int("radio-cs-pin", 18, "Chip select pin of the SX127x (-1 for hardware chip select)")
	BridgeCmd.Flags().Int("radio-reset-pin", 23, "Reset pin of the SX127x")
	BridgeCmd.Flags().Int("radio-irq-pin", 26, "DIO0 interrupt pin of the SX127x")
	BridgeCmd.Flags().Int("radio-frequency", sx127x.DefaultFrequency, "Radio frequency in Hz")
	BridgeCmd.Flags().Int("radio-spreading-factor", sx127x.DefaultSpreadingFactor, "Radio spreading factor (6-12)")
	BridgeCmd.Flags().Int("radio-tx-power", sx127x.DefaultTxPower, "Radio transmit power in dBm")
	BridgeCmd.Flags().String("pktfwd-bind", pktfwd.DefaultBind, "UDP address to listen on for packet forwarders")
	BridgeCmd.Flags().Duration("pktfwd-source-lock", time.Minute, "Reject packets from a gateway on a different IP within this time")
	BridgeCmd.Flags().String("dummy-http", "", "Address of the dummy radio HTTP server")

	BridgeCmd.Flags().String("network", "mqtt", "Network backend (mqtt or amqp)")
	BridgeCmd.Flags().String("mqtt-server", "tcp://localhost:1883", "MQTT broker(s) to connect to (comma-separated)")
	BridgeCmd.Flags().String("mqtt-client-id", "", "MQTT client ID")
	BridgeCmd.Flags().String("mqtt-username", "", "MQTT username")
	BridgeCmd.Flags().String("mqtt-password", "", "MQTT password")
	BridgeCmd.Flags().String("amqp-address", "localhost:5672", "AMQP host and port")
	BridgeCmd.Flags().String("amqp-username", "guest", "AMQP username")
	BridgeCmd.Flags().String("amqp-password", "guest", "AMQP password")
	BridgeCmd.Flags().String("amqp-exchange", "amq.topic", "AMQP topic exchange")

	BridgeCmd.Flags().String("topic-out", "lora/out", "Topic that radio packets are published to")
	BridgeCmd.Flags().String("topic-in", "lora/in", "Topic of messages that are transmitted over radio")
	BridgeCmd.Flags().String("topic-ping", "lora/ping", "Topic of liveness requests")
	BridgeCmd.Flags().String("topic-ping-reply", "lora/ping/reply", "Topic of liveness replies and boot announcements")

	BridgeCmd.Flags().String("wifi-interface", "", "Wireless interface to bring up before connecting (empty to skip)")
	BridgeCmd.Flags().String("wifi-ssid", "", "WiFi network to join through NetworkManager")
	BridgeCmd.Flags().String("wifi-password", "", "WiFi password")

	BridgeCmd.Flags().String("status-address", "0.0.0.0:8080", "Address of the status and metrics server")
	BridgeCmd.Flags().StringSlice("status-access-key", nil, "Access keys for the status server")

	BridgeCmd.Flags().Duration("dedup-window", 0, "Drop identical radio packets within this window (0 to disable)")
	BridgeCmd.Flags().Int("ratelimit-uplink", 0, "Maximum radio packets forwarded per minute (0 for unlimited)")
	BridgeCmd.Flags().Int("ratelimit-downlink", 0, "Maximum transmissions per minute (0 for unlimited)")
	BridgeCmd.Flags().Bool("redis", false, "Share rate limits through Redis")
	BridgeCmd.Flags().String("redis-address", "localhost:6379", "Redis host and port")
	BridgeCmd.Flags().String("redis-password", "", "Redis password")
	BridgeCmd.Flags().Int("redis-db", 0, "Redis database")
	BridgeCmd.Flags().StringSlice("blocklist", nil, "Blocklist files or URLs")
	BridgeCmd.Flags().Bool("lorawan-only", false, "Only forward LoRaWAN uplinks")

	viper.BindPFlags(BridgeCmd.Flags())
}
