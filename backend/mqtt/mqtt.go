// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/deckarep/golang-set"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/loragw/lora-mqtt-bridge/types"
)

// New returns a new MQTT
func New(config Config, ctx log.Interface) (*MQTT, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("mqtt: no brokers configured")
	}

	mqtt := &MQTT{
		ctx:           ctx.WithField("Connector", "MQTT"),
		subscriptions: mapset.NewSet(),
	}

	clientID := config.ClientID
	if clientID == "" {
		hostname, _ := os.Hostname()
		clientID = fmt.Sprintf("lora-bridge-%s", hostname)
	}

	mqttOpts := paho.NewClientOptions()
	for _, broker := range config.Brokers {
		mqttOpts.AddBroker(broker)
	}
	if config.TLSConfig != nil {
		mqttOpts.SetTLSConfig(config.TLSConfig)
	}
	mqttOpts.SetClientID(clientID)
	mqttOpts.SetUsername(config.Username)
	mqttOpts.SetPassword(config.Password)
	mqttOpts.SetKeepAlive(30 * time.Second)
	mqttOpts.SetPingTimeout(10 * time.Second)
	mqttOpts.SetConnectTimeout(ConnectTimeout)
	mqttOpts.SetCleanSession(true)
	mqttOpts.SetAutoReconnect(false)
	mqttOpts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		mqtt.ctx.Warnf("Received unhandled message on MQTT: %v", msg)
	})
	mqttOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		mqtt.ctx.WithError(err).Warn("Disconnected")
	})
	mqttOpts.SetOnConnectHandler(func(_ paho.Client) {
		mqtt.ctx.WithField("ClientID", clientID).Info("Connected")
	})

	mqtt.client = paho.NewClient(mqttOpts)

	return mqtt, nil
}

// QoS indicates the MQTT Quality of Service level.
// 0: The broker/client will deliver the message once, with no confirmation.
// 1: The broker/client will deliver the message at least once, with confirmation required.
// 2: The broker/client will deliver the message exactly once by using a four step handshake.
var (
	PublishQoS   byte = 0x00
	SubscribeQoS byte = 0x00
)

var (
	// ConnectTimeout is the time a single connection attempt may take
	ConnectTimeout = 10 * time.Second
	// ConnectRetryDelay says how long the client should wait between retries
	ConnectRetryDelay = 5 * time.Second
)

// Config contains configuration for MQTT
type Config struct {
	Brokers   []string
	ClientID  string
	Username  string
	Password  string
	TLSConfig *tls.Config
}

// MQTT side of the bridge
type MQTT struct {
	ctx           log.Interface
	client        paho.Client
	subscriptions mapset.Set

	mu      sync.Mutex
	handler func(*types.NetworkMessage)
}

// Connected returns whether the MQTT session is live
func (c *MQTT) Connected() bool {
	return c.client.IsConnected()
}

func (c *MQTT) connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(ConnectTimeout) {
		return errors.New("connection timed out")
	}
	return token.Error()
}

// Reconnect to MQTT. It retries until the session is connected and subscribed,
// or the context is done.
func (c *MQTT) Reconnect(ctx context.Context, announce *types.NetworkMessage, topics ...string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		err := c.connect()
		if err == nil {
			if announce != nil {
				c.Publish(announce.Topic, announce.Payload)
			}
			if err = c.subscribe(topics...); err == nil {
				return nil
			}
			err = fmt.Errorf("could not subscribe (%s)", err)
			c.Disconnect()
		}
		c.ctx.WithError(err).Warnf("Could not connect to MQTT. Retrying in %s...", ConnectRetryDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ConnectRetryDelay):
		}
	}
}

func (c *MQTT) subscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = SubscribeQoS
	}
	token := c.client.SubscribeMultiple(filters, c.handleMessage)
	if !token.WaitTimeout(ConnectTimeout) {
		return errors.New("subscribe timed out")
	}
	if err := token.Error(); err != nil {
		return err
	}
	for _, topic := range topics {
		c.subscriptions.Add(topic)
	}
	c.ctx.WithField("Topics", topics).Debug("Subscribed")
	return nil
}

// handleMessage runs on the paho goroutine, the handler must not block
func (c *MQTT) handleMessage(_ paho.Client, msg paho.Message) {
	ctx := c.ctx.WithField("Topic", msg.Topic())
	if msg.Retained() {
		ctx.Debug("Ignore retained message")
		return
	}
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	ctx.WithField("Size", len(msg.Payload())).Debug("Received message")
	if handler != nil {
		handler(&types.NetworkMessage{Topic: msg.Topic(), Payload: types.Copy(msg.Payload())})
	}
}

// Subscriptions returns the topics that were subscribed
func (c *MQTT) Subscriptions() []string {
	var topics []string
	for _, topic := range c.subscriptions.ToSlice() {
		topics = append(topics, topic.(string))
	}
	return topics
}

// Publish a payload. Errors are logged, not returned.
func (c *MQTT) Publish(topic string, payload []byte) error {
	ctx := c.ctx.WithField("Topic", topic)
	token := c.client.Publish(topic, PublishQoS, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			ctx.WithError(err).Warn("Could not publish message")
			return
		}
		ctx.WithField("Size", len(payload)).Debug("Published message")
	}()
	return nil
}

// OnMessage sets the handler for received messages
func (c *MQTT) OnMessage(handler func(*types.NetworkMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Pump implements backend.Network. Paho runs its own network loop, so there
// is nothing to do here.
func (c *MQTT) Pump() {}

// Disconnect from MQTT
func (c *MQTT) Disconnect() error {
	if topics := c.Subscriptions(); len(topics) > 0 && c.client.IsConnected() {
		token := c.client.Unsubscribe(topics...)
		if token.WaitTimeout(time.Second) && token.Error() != nil {
			c.ctx.WithError(token.Error()).Warn("Could not unsubscribe")
		}
	}
	c.subscriptions.Clear()
	c.client.Disconnect(100)
	return nil
}
