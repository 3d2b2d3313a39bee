// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package amqp connects the bridge to an AMQP server.
//
// Topics are mapped to routing keys on a topic exchange ("amq.topic" by
// default) by replacing "/" with ".", which is how the RabbitMQ MQTT plugin
// maps them. A bridge on AMQP can therefore talk to MQTT clients of the same
// broker.
//
// Every session declares one exclusive queue that is bound to the routing
// keys of the subscribed topics. The queue is deleted when the session ends.
package amqp
