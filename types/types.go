// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

// RadioMessage is a packet received over LoRa
type RadioMessage struct {
	Payload []byte
	RSSI    int
	SNR     float64
}

// NetworkMessage is a message received from (or published to) the network
type NetworkMessage struct {
	Topic   string
	Payload []byte
}

// PingMessage is a liveness request received from the network
type PingMessage struct{}

// Copy returns a copy of the payload so that the caller can reuse its buffer
func Copy(payload []byte) []byte {
	if payload == nil {
		return nil
	}
	copied := make([]byte, len(payload))
	copy(copied, payload)
	return copied
}
