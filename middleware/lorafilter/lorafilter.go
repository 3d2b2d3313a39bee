// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package lorafilter

import (
	"errors"
	"fmt"

	"github.com/brocaar/lorawan"
	"github.com/loragw/lora-mqtt-bridge/middleware"
	"github.com/loragw/lora-mqtt-bridge/types"
)

// minPayloadSize is the MHDR and the MIC
const minPayloadSize = 5

// NewFilter returns a middleware that only lets LoRaWAN uplink packets through
func NewFilter() *Filter {
	return &Filter{}
}

// Filter middleware
type Filter struct{}

// HandleUplink drops radio packets that are not LoRaWAN R1 uplinks
func (*Filter) HandleUplink(_ middleware.Context, msg *types.RadioMessage) error {
	if len(msg.Payload) < minPayloadSize {
		return fmt.Errorf("lorafilter: %d payload bytes is not enough for a LoRaWAN packet", len(msg.Payload))
	}
	var mhdr lorawan.MHDR
	if err := mhdr.UnmarshalBinary(msg.Payload[:1]); err != nil {
		return err
	}
	if mhdr.Major != lorawan.LoRaWANR1 {
		return fmt.Errorf("lorafilter: unsupported LoRaWAN version 0x%x", byte(mhdr.Major))
	}
	switch mhdr.MType {
	case lorawan.JoinAccept:
		return errors.New("lorafilter: JoinAccept is not an uplink")
	case lorawan.UnconfirmedDataDown, lorawan.ConfirmedDataDown:
		return errors.New("lorafilter: downlink data is not an uplink")
	}
	return nil
}
