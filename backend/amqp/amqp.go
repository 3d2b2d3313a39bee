// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqp

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/loragw/lora-mqtt-bridge/types"
	"github.com/streadway/amqp"
)

// New returns a new AMQP
func New(config Config, ctx log.Interface) (*AMQP, error) {
	if config.ExchangeName == "" {
		config.ExchangeName = "amq.topic"
	}

	if config.QueuePrefix == "" {
		config.QueuePrefix = "lora-bridge"
		if hostname, err := os.Hostname(); err == nil {
			config.QueuePrefix += "@" + hostname
		}
	}

	return &AMQP{
		ctx:    ctx.WithField("Connector", "AMQP"),
		config: config,
	}, nil
}

// ConnectRetryDelay says how long the client should wait between retries
var ConnectRetryDelay = 5 * time.Second

// Config contains configuration for AMQP
type Config struct {
	Address      string
	Username     string
	Password     string
	VHost        string
	ExchangeName string
	QueuePrefix  string
	TLSConfig    *tls.Config
}

func (c Config) url() (url string) {
	if c.TLSConfig != nil {
		url += "amqps://"
	} else {
		url += "amqp://"
	}
	if c.Username != "" {
		url += c.Username
		if c.Password != "" {
			url += ":" + c.Password
		}
		url += "@"
	}
	url += c.Address
	if c.VHost != "" {
		url += "/" + c.VHost
	}
	return
}

// RoutingKey returns the routing key for an MQTT-style topic
func RoutingKey(topic string) string {
	return strings.Replace(topic, "/", ".", -1)
}

// AMQP side of the bridge
type AMQP struct {
	config Config
	ctx    log.Interface

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	topics    map[string]string // routing key to topic
	handler   func(*types.NetworkMessage)
}

// Connected returns whether the AMQP connection is live
func (c *AMQP) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *AMQP) connect() (err error) {
	var conn *amqp.Connection
	if c.config.TLSConfig != nil {
		conn, err = amqp.DialTLS(c.config.url(), c.config.TLSConfig)
	} else {
		conn, err = amqp.Dial(c.config.url())
	}
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := c.setup(conn, ch); err != nil {
		conn.Close()
		return err
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		err, ok := <-closed
		c.mu.Lock()
		if c.conn == conn {
			c.connected = false
		}
		c.mu.Unlock()
		if ok && err != nil {
			c.ctx.WithError(err).Warn("Connection closed")
		}
	}()

	c.mu.Lock()
	c.conn, c.channel, c.connected = conn, ch, true
	c.topics = make(map[string]string)
	c.mu.Unlock()
	c.ctx.Info("Connected")
	return nil
}

func (c *AMQP) setup(conn *amqp.Connection, ch *amqp.Channel) error {
	passive, err := conn.Channel()
	if err != nil {
		return err
	}
	defer passive.Close()
	if err := passive.ExchangeDeclarePassive(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		c.ctx.WithError(err).Warnf("Exchange %s does not exist, trying to create...", c.config.ExchangeName)
		if err := ch.ExchangeDeclare(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// Reconnect to AMQP. It retries until the session is connected and subscribed,
// or the context is done.
func (c *AMQP) Reconnect(ctx context.Context, announce *types.NetworkMessage, topics ...string) error {
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
			c.Disconnect()
		}
		c.ctx.WithError(err).Warnf("Could not connect to AMQP. Retrying in %s...", ConnectRetryDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ConnectRetryDelay):
		}
	}
}

func (c *AMQP) subscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	c.mu.Lock()
	ch := c.channel
	for _, topic := range topics {
		c.topics[RoutingKey(topic)] = topic
	}
	c.mu.Unlock()

	name := fmt.Sprintf("%s.%d", c.config.QueuePrefix, time.Now().UnixNano())
	queue, err := ch.QueueDeclare(name, false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("Could not declare queue (%s)", err)
	}
	for _, topic := range topics {
		if err := ch.QueueBind(queue.Name, RoutingKey(topic), c.config.ExchangeName, false, nil); err != nil {
			return fmt.Errorf("Could not bind queue to %s (%s)", topic, err)
		}
	}
	deliveries, err := ch.Consume(queue.Name, name, true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("Could not consume queue (%s)", err)
	}
	go c.consume(deliveries)
	c.ctx.WithField("Topics", topics).Debug("Subscribed")
	return nil
}

// consume hands every delivery to the handler as soon as it arrives
func (c *AMQP) consume(deliveries <-chan amqp.Delivery) {
	for delivery := range deliveries {
		c.mu.RLock()
		topic, ok := c.topics[delivery.RoutingKey]
		handler := c.handler
		c.mu.RUnlock()
		if !ok {
			topic = strings.Replace(delivery.RoutingKey, ".", "/", -1)
		}
		c.ctx.WithField("Topic", topic).WithField("Size", len(delivery.Body)).Debug("Received message")
		if handler != nil {
			handler(&types.NetworkMessage{Topic: topic, Payload: types.Copy(delivery.Body)})
		}
	}
}

// Publish a payload. Errors are logged, not returned.
func (c *AMQP) Publish(topic string, payload []byte) error {
	ctx := c.ctx.WithField("Topic", topic)
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		ctx.Warn("Could not publish message: not connected")
		return nil
	}
	err := ch.Publish(c.config.ExchangeName, RoutingKey(topic), false, false, amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		ctx.WithError(err).Warn("Could not publish message")
		return nil
	}
	ctx.WithField("Size", len(payload)).Debug("Published message")
	return nil
}

// OnMessage sets the handler for received messages
func (c *AMQP) OnMessage(handler func(*types.NetworkMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Pump implements backend.Network. Deliveries are consumed on their own
// goroutine, so there is nothing to do here.
func (c *AMQP) Pump() {}

// Disconnect from AMQP
func (c *AMQP) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn, c.channel, c.connected = nil, nil, false
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
