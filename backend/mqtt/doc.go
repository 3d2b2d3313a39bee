// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package mqtt connects the bridge to an MQTT broker.
//
// The client does not reconnect by itself. When the session is lost,
// Connected returns false and the caller is expected to call Reconnect, which
// retries every ConnectRetryDelay until the broker accepts the connection.
// After connecting, Reconnect publishes the announcement (usually
// "Hi, from board" on the ping reply topic) and subscribes to the given
// topics. A session that could not subscribe is closed and retried.
//
// Payloads are published and received as raw bytes, without any framing.
// Retained messages are ignored, so a stale command on the inbound topic is
// never transmitted after a reconnect.
//
// Received messages are handed to the OnMessage handler from the paho
// goroutine as soon as they arrive, so nothing is dropped when the caller is
// busy (for example while a long transmission is in progress).
package mqtt
