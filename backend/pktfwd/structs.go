// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brocaar/lorawan"
)

// PacketType defines the packet type of the Semtech UDP protocol
type PacketType byte

// Available packet types
const (
	PushData PacketType = iota
	PushACK
	PullData
	PullResp
	PullACK
	TXACK
)

// Protocol versions
const (
	ProtocolVersion1 uint8 = 0x01
	ProtocolVersion2 uint8 = 0x02
)

// Errors
var (
	ErrInvalidProtocolVersion = errors.New("pktfwd: invalid protocol version")
	ErrPacketTooShort         = errors.New("pktfwd: packet too short")
	ErrInvalidPacketType      = errors.New("pktfwd: invalid packet type")
)

func (p PacketType) String() string {
	switch p {
	case PushData:
		return "PUSH_DATA"
	case PushACK:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullACK:
		return "PULL_ACK"
	case TXACK:
		return "TX_ACK"
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(p))
}

func protocolSupported(version uint8) bool {
	return version == ProtocolVersion1 || version == ProtocolVersion2
}

// GetPacketType returns the packet type of the given data
func GetPacketType(data []byte) (PacketType, error) {
	if len(data) < 4 {
		return 0, ErrPacketTooShort
	}
	if !protocolSupported(data[0]) {
		return 0, ErrInvalidProtocolVersion
	}
	return PacketType(data[3]), nil
}

func header(version uint8, token uint16, pt PacketType) []byte {
	b := make([]byte, 4, 12)
	b[0] = version
	binary.LittleEndian.PutUint16(b[1:3], token)
	b[3] = byte(pt)
	return b
}

func parseHeader(data []byte, pt PacketType, minLength int) (version uint8, token uint16, err error) {
	if len(data) < minLength {
		return 0, 0, ErrPacketTooShort
	}
	if !protocolSupported(data[0]) {
		return 0, 0, ErrInvalidProtocolVersion
	}
	if PacketType(data[3]) != pt {
		return 0, 0, ErrInvalidPacketType
	}
	return data[0], binary.LittleEndian.Uint16(data[1:3]), nil
}

// PushDataPacket is used by the gateway to send RX packets and stats
type PushDataPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	GatewayMAC      lorawan.EUI64
	Payload         PushDataPayload
}

// MarshalBinary implements encoding.BinaryMarshaler
func (p PushDataPacket) MarshalBinary() ([]byte, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, err
	}
	b := header(p.ProtocolVersion, p.RandomToken, PushData)
	b = append(b, p.GatewayMAC[:]...)
	return append(b, payload...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (p *PushDataPacket) UnmarshalBinary(data []byte) (err error) {
	if p.ProtocolVersion, p.RandomToken, err = parseHeader(data, PushData, 13); err != nil {
		return err
	}
	copy(p.GatewayMAC[:], data[4:12])
	return json.Unmarshal(data[12:], &p.Payload)
}

// PushACKPacket is used by the server to acknowledge a PUSH_DATA packet
type PushACKPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
}

// MarshalBinary implements encoding.BinaryMarshaler
func (p PushACKPacket) MarshalBinary() ([]byte, error) {
	return header(p.ProtocolVersion, p.RandomToken, PushACK), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (p *PushACKPacket) UnmarshalBinary(data []byte) (err error) {
	p.ProtocolVersion, p.RandomToken, err = parseHeader(data, PushACK, 4)
	return
}

// PullDataPacket is used by the gateway to poll for data from the server
type PullDataPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	GatewayMAC      lorawan.EUI64
}

// MarshalBinary implements encoding.BinaryMarshaler
func (p PullDataPacket) MarshalBinary() ([]byte, error) {
	b := header(p.ProtocolVersion, p.RandomToken, PullData)
	return append(b, p.GatewayMAC[:]...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (p *PullDataPacket) UnmarshalBinary(data []byte) (err error) {
	if p.ProtocolVersion, p.RandomToken, err = parseHeader(data, PullData, 12); err != nil {
		return err
	}
	copy(p.GatewayMAC[:], data[4:12])
	return nil
}

// PullACKPacket is used by the server to confirm that the network route is open
type PullACKPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
}

// MarshalBinary implements encoding.BinaryMarshaler
func (p PullACKPacket) MarshalBinary() ([]byte, error) {
	return header(p.ProtocolVersion, p.RandomToken, PullACK), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (p *PullACKPacket) UnmarshalBinary(data []byte) (err error) {
	p.ProtocolVersion, p.RandomToken, err = parseHeader(data, PullACK, 4)
	return
}

// PullRespPacket is used by the server to send a packet to the gateway
type PullRespPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16 // only used in protocol version 2
	Payload         PullRespPayload
}

// MarshalBinary implements encoding.BinaryMarshaler
func (p PullRespPacket) MarshalBinary() ([]byte, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, err
	}
	token := p.RandomToken
	if p.ProtocolVersion == ProtocolVersion1 {
		token = 0
	}
	return append(header(p.ProtocolVersion, token, PullResp), payload...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (p *PullRespPacket) UnmarshalBinary(data []byte) (err error) {
	if p.ProtocolVersion, p.RandomToken, err = parseHeader(data, PullResp, 5); err != nil {
		return err
	}
	return json.Unmarshal(data[4:], &p.Payload)
}

// TXACKPacket is used by the gateway to report whether a PULL_RESP was accepted
type TXACKPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	GatewayMAC      lorawan.EUI64
	Payload         *TXACKPayload
}

// MarshalBinary implements encoding.BinaryMarshaler
func (p TXACKPacket) MarshalBinary() ([]byte, error) {
	b := header(p.ProtocolVersion, p.RandomToken, TXACK)
	b = append(b, p.GatewayMAC[:]...)
	if p.Payload == nil {
		return b, nil
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, err
	}
	return append(b, payload...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (p *TXACKPacket) UnmarshalBinary(data []byte) (err error) {
	if p.ProtocolVersion, p.RandomToken, err = parseHeader(data, TXACK, 12); err != nil {
		return err
	}
	copy(p.GatewayMAC[:], data[4:12])
	if len(data) > 12 {
		p.Payload = new(TXACKPayload)
		return json.Unmarshal(data[12:], p.Payload)
	}
	return nil
}

// PushDataPayload contains the RX packets and stats of a PUSH_DATA packet
type PushDataPayload struct {
	RXPK []RXPK `json:"rxpk,omitempty"`
	Stat *Stat  `json:"stat,omitempty"`
}

// PullRespPayload contains the TX packet of a PULL_RESP packet
type PullRespPayload struct {
	TXPK TXPK `json:"txpk"`
}

// TXACKPayload contains the result of a TX_ACK packet
type TXACKPayload struct {
	TXPKACK TXPKACK `json:"txpk_ack"`
}

// TXPKACK contains the error of a TX_ACK, "NONE" when there is none
type TXPKACK struct {
	Error string `json:"error"`
}

// CompactTime is the time format of RX packets
type CompactTime time.Time

// MarshalJSON implements json.Marshaler
func (t CompactTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler
func (t *CompactTime) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return err
	}
	*t = CompactTime(parsed)
	return nil
}

const expandedTimeFormat = "2006-01-02 15:04:05 MST"

// ExpandedTime is the time format of gateway stats
type ExpandedTime time.Time

// MarshalJSON implements json.Marshaler
func (t ExpandedTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(expandedTimeFormat))
}

// UnmarshalJSON implements json.Unmarshaler
func (t *ExpandedTime) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := time.Parse(expandedTimeFormat, str)
	if err != nil {
		return err
	}
	*t = ExpandedTime(parsed)
	return nil
}

// DatR is a LoRa data rate identifier ("SF7BW125") or an FSK bit rate
type DatR struct {
	LoRa string
	FSK  uint32
}

// MarshalJSON implements json.Marshaler
func (d DatR) MarshalJSON() ([]byte, error) {
	if d.LoRa != "" {
		return json.Marshal(d.LoRa)
	}
	return json.Marshal(d.FSK)
}

// UnmarshalJSON implements json.Unmarshaler
func (d *DatR) UnmarshalJSON(data []byte) error {
	if strings.HasPrefix(string(data), `"`) {
		return json.Unmarshal(data, &d.LoRa)
	}
	return json.Unmarshal(data, &d.FSK)
}

// RSig contains the signal of one antenna of a multi-antenna gateway
type RSig struct {
	Ant   uint8   `json:"ant"`
	Chan  uint8   `json:"chan"`
	LSNR  float64 `json:"lsnr"`
	RSSIC int16   `json:"rssic"`
}

// RXPK contains a received packet
type RXPK struct {
	Time CompactTime `json:"time"`
	Tmst uint32      `json:"tmst"`
	Freq float64     `json:"freq"` // MHz
	Chan uint8       `json:"chan"`
	RFCh uint8       `json:"rfch"`
	Stat int8        `json:"stat"` // 1 = CRC OK, -1 = CRC fail, 0 = no CRC
	Modu string      `json:"modu"`
	DatR DatR        `json:"datr"`
	CodR string      `json:"codr"`
	RSSI int16       `json:"rssi"`
	LSNR float64     `json:"lsnr"`
	Size uint16      `json:"size"`
	Data string      `json:"data"` // base64
	RSig []RSig      `json:"rsig,omitempty"`
}

// Stat contains the status of the gateway
type Stat struct {
	Time ExpandedTime `json:"time"`
	Lati float64      `json:"lati,omitempty"`
	Long float64      `json:"long,omitempty"`
	Alti int32        `json:"alti,omitempty"`
	RXNb uint32       `json:"rxnb"`
	RXOK uint32       `json:"rxok"`
	RXFW uint32       `json:"rxfw"`
	ACKR float64      `json:"ackr"`
	DWNb uint32       `json:"dwnb"`
	TXNb uint32       `json:"txnb"`
}

// TXPK contains a packet to transmit
type TXPK struct {
	Imme bool    `json:"imme"`
	Tmst uint32  `json:"tmst,omitempty"`
	Freq float64 `json:"freq"` // MHz
	RFCh uint8   `json:"rfch"`
	Powe uint8   `json:"powe"`
	Modu string  `json:"modu"`
	DatR DatR    `json:"datr"`
	CodR string  `json:"codr,omitempty"`
	FDev uint16  `json:"fdev,omitempty"`
	IPol bool    `json:"ipol"`
	Prea uint16  `json:"prea,omitempty"`
	Size uint16  `json:"size"`
	NCRC bool    `json:"ncrc,omitempty"`
	Data string  `json:"data"` // base64
}
