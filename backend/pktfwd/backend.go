// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"
	"github.com/loragw/lora-mqtt-bridge/types"
)

// ErrNoGateway is returned when sending while no gateway has pulled yet
var ErrNoGateway = errors.New("pktfwd: no gateway connected")

var gatewayCleanupDuration = -1 * time.Minute
var gatewayCleanupInterval = time.Minute
var loRaDataRateRegex = regexp.MustCompile(`SF(\d+)BW(\d+)`)

type udpPacket struct {
	addr *net.UDPAddr
	data []byte
}

type gateway struct {
	addr            *net.UDPAddr
	lastSeen        time.Time
	protocolVersion uint8
}

type gateways struct {
	sync.RWMutex
	gateways map[lorawan.EUI64]gateway
	latest   lorawan.EUI64
}

func (c *gateways) get(mac lorawan.EUI64) (gateway, bool) {
	c.RLock()
	defer c.RUnlock()
	gw, ok := c.gateways[mac]
	return gw, ok
}

// last returns the gateway that pulled most recently
func (c *gateways) last() (gateway, error) {
	c.RLock()
	defer c.RUnlock()
	gw, ok := c.gateways[c.latest]
	if !ok {
		return gw, ErrNoGateway
	}
	return gw, nil
}

func (c *gateways) set(mac lorawan.EUI64, gw gateway) (isNew bool) {
	c.Lock()
	defer c.Unlock()
	_, ok := c.gateways[mac]
	c.gateways[mac] = gw
	c.latest = mac
	return !ok
}

func (c *gateways) cleanup() (deleted []lorawan.EUI64) {
	c.Lock()
	defer c.Unlock()
	for mac, gw := range c.gateways {
		if gw.lastSeen.Before(time.Now().Add(gatewayCleanupDuration)) {
			delete(c.gateways, mac)
			deleted = append(deleted, mac)
		}
	}
	return
}

// Backend implements the server side of the Semtech UDP protocol
type Backend struct {
	ctx          log.Interface
	conn         *net.UDPConn
	rxChan       chan *types.RadioMessage
	udpSendChan  chan udpPacket
	done         chan struct{}
	mu           sync.RWMutex // guards closed and udpSendChan
	closed       bool
	gateways     gateways
	sourceLocks  *sourceLocks
	wg           sync.WaitGroup
	skipCRCCheck bool
}

// NewBackend creates a new backend listening on bind
func NewBackend(bind string, skipCRCCheck bool, sourceLockTime time.Duration, ctx log.Interface) (*Backend, error) {
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		ctx:          ctx.WithField("Addr", conn.LocalAddr()),
		skipCRCCheck: skipCRCCheck,
		conn:         conn,
		rxChan:       make(chan *types.RadioMessage, BufferSize),
		udpSendChan:  make(chan udpPacket),
		done:         make(chan struct{}),
		gateways: gateways{
			gateways: make(map[lorawan.EUI64]gateway),
		},
	}
	if sourceLockTime > 0 {
		b.sourceLocks = newSourceLocks(false, sourceLockTime)
	}
	b.ctx.Info("Started gateway UDP listener")

	go func() {
		ticker := time.NewTicker(gatewayCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.done:
				return
			case <-ticker.C:
				for _, mac := range b.gateways.cleanup() {
					b.ctx.WithField("GatewayMAC", mac).Info("Gateway disappeared")
				}
			}
		}
	}()

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		if err := b.readPackets(); err != nil {
			b.ctx.WithError(err).Error("Stopped reading packets")
		}
	}()
	go func() {
		defer b.wg.Done()
		b.sendPackets()
	}()

	return b, nil
}

// Addr returns the address the backend listens on
func (b *Backend) Addr() *net.UDPAddr {
	return b.conn.LocalAddr().(*net.UDPAddr)
}

// Close closes the backend
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.udpSendChan)
	b.mu.Unlock()

	b.ctx.Info("Closing gateway backend")
	close(b.done)
	if b.sourceLocks != nil {
		b.sourceLocks.Close()
	}
	err := b.conn.Close()
	b.wg.Wait()
	return err
}

// RXPacketChan returns the channel containing the received packets
func (b *Backend) RXPacketChan() <-chan *types.RadioMessage {
	return b.rxChan
}

// Send sends the given packet to the gateway that pulled most recently
func (b *Backend) Send(txpk TXPK) error {
	gw, err := b.gateways.last()
	if err != nil {
		return err
	}
	pullResp := PullRespPacket{
		ProtocolVersion: gw.protocolVersion,
		Payload: PullRespPayload{
			TXPK: txpk,
		},
	}
	bytes, err := pullResp.MarshalBinary()
	if err != nil {
		return fmt.Errorf("pktfwd: could not marshal PULL_RESP (%s)", err)
	}
	return b.send(udpPacket{addr: gw.addr, data: bytes})
}

func (b *Backend) send(p udpPacket) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("pktfwd: backend closed")
	}
	b.udpSendChan <- p
	return nil
}

func (b *Backend) readPackets() error {
	buf := make([]byte, 65507) // max udp data size
	for {
		i, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			b.mu.RLock()
			closed := b.closed
			b.mu.RUnlock()
			if closed {
				return nil
			}
			return fmt.Errorf("pktfwd: read from udp failed (%s)", err)
		}
		data := make([]byte, i)
		copy(data, buf[:i])
		go func(data []byte) {
			if err := b.handlePacket(addr, data); err != nil {
				b.ctx.WithFields(log.Fields{
					"Data":   base64.StdEncoding.EncodeToString(data),
					"Source": addr,
				}).WithError(err).Warn("Could not handle packet")
			}
		}(data)
	}
}

func (b *Backend) sendPackets() {
	for p := range b.udpSendChan {
		pt, err := GetPacketType(p.data)
		if err != nil {
			b.ctx.WithField("Destination", p.addr).Error("Not sending packet of unknown type")
			continue
		}
		if p.addr.Port < 1 || p.addr.Port > 65535 {
			b.ctx.WithField("Destination", p.addr).Error("Not sending to invalid udp port number")
			continue
		}
		b.ctx.WithFields(log.Fields{
			"Destination":     p.addr,
			"Type":            pt,
			"ProtocolVersion": p.data[0],
		}).Debug("Sending udp packet to gateway")
		if _, err := b.conn.WriteToUDP(p.data, p.addr); err != nil {
			b.ctx.WithError(err).Warn("Could not send udp packet")
		}
	}
}

func (b *Backend) handlePacket(addr *net.UDPAddr, data []byte) error {
	pt, err := GetPacketType(data)
	if err != nil {
		return err
	}
	b.ctx.WithFields(log.Fields{
		"Source":          addr,
		"Type":            pt,
		"ProtocolVersion": data[0],
	}).Debug("Received udp packet from gateway")

	switch pt {
	case PushData:
		return b.handlePushData(addr, data)
	case PullData:
		return b.handlePullData(addr, data)
	case TXACK:
		return b.handleTXACK(addr, data)
	default:
		return fmt.Errorf("pktfwd: unexpected packet type %s", pt)
	}
}

func (b *Backend) checkSource(mac lorawan.EUI64, addr *net.UDPAddr) error {
	if b.sourceLocks == nil {
		return nil
	}
	return b.sourceLocks.Set(mac, addr)
}

func (b *Backend) handlePullData(addr *net.UDPAddr, data []byte) error {
	var p PullDataPacket
	if err := p.UnmarshalBinary(data); err != nil {
		return err
	}
	if err := b.checkSource(p.GatewayMAC, addr); err != nil {
		return err
	}
	ack := PullACKPacket{
		ProtocolVersion: p.ProtocolVersion,
		RandomToken:     p.RandomToken,
	}
	bytes, err := ack.MarshalBinary()
	if err != nil {
		return err
	}

	isNew := b.gateways.set(p.GatewayMAC, gateway{
		addr:            addr,
		lastSeen:        time.Now().UTC(),
		protocolVersion: p.ProtocolVersion,
	})
	if isNew {
		b.ctx.WithFields(log.Fields{
			"GatewayMAC": p.GatewayMAC,
			"Source":     addr,
		}).Info("Gateway connected")
	}

	return b.send(udpPacket{addr: addr, data: bytes})
}

func (b *Backend) handlePushData(addr *net.UDPAddr, data []byte) error {
	var p PushDataPacket
	if err := p.UnmarshalBinary(data); err != nil {
		return err
	}
	if err := b.checkSource(p.GatewayMAC, addr); err != nil {
		return err
	}

	ack := PushACKPacket{
		ProtocolVersion: p.ProtocolVersion,
		RandomToken:     p.RandomToken,
	}
	bytes, err := ack.MarshalBinary()
	if err != nil {
		return err
	}
	if err := b.send(udpPacket{addr: addr, data: bytes}); err != nil {
		return err
	}

	if stat := p.Payload.Stat; stat != nil {
		b.ctx.WithFields(log.Fields{
			"GatewayMAC": p.GatewayMAC,
			"RxOk":       stat.RXOK,
			"TxOk":       stat.TXNb,
		}).Debug("Received gateway status")
	}

	for _, rxpk := range p.Payload.RXPK {
		if err := b.handleRXPacket(p.GatewayMAC, rxpk); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) handleRXPacket(mac lorawan.EUI64, rxpk RXPK) error {
	ctx := b.ctx.WithFields(log.Fields{
		"GatewayMAC": mac,
		"Frequency":  rxpk.Freq,
	})
	if rxpk.Stat != 1 && !b.skipCRCCheck {
		ctx.WithField("CRCStatus", rxpk.Stat).Debug("Discarding packet without valid CRC")
		return nil
	}
	msg, err := newRadioMessageFromRXPK(rxpk)
	if err != nil {
		return err
	}
	if len(msg.Payload) == 0 {
		ctx.Debug("Discarding empty packet")
		return nil
	}
	select {
	case b.rxChan <- msg:
	default:
		ctx.Warn("Not handling packet [buffer full]")
	}
	return nil
}

func (b *Backend) handleTXACK(addr *net.UDPAddr, data []byte) error {
	var p TXACKPacket
	if err := p.UnmarshalBinary(data); err != nil {
		return err
	}
	ctx := b.ctx.WithFields(log.Fields{
		"GatewayMAC": p.GatewayMAC,
		"Token":      p.RandomToken,
	})
	if p.Payload != nil && p.Payload.TXPKACK.Error != "" && p.Payload.TXPKACK.Error != "NONE" {
		ctx.WithField("Error", p.Payload.TXPKACK.Error).Warn("Gateway rejected transmission")
		return nil
	}
	ctx.Debug("Gateway acknowledged transmission")
	return nil
}

// newRadioMessageFromRXPK transforms a Semtech packet into a RadioMessage
func newRadioMessageFromRXPK(rxpk RXPK) (*types.RadioMessage, error) {
	if _, err := newDataRateFromDatR(rxpk.DatR); err != nil {
		return nil, fmt.Errorf("pktfwd: could not get data rate from datr (%s)", err)
	}

	payload, err := base64.StdEncoding.DecodeString(rxpk.Data)
	if err != nil {
		return nil, fmt.Errorf("pktfwd: could not base64 decode data (%s)", err)
	}

	// For multi-antenna gateways, the LSNR and RSSI are those of the best reception
	for _, sig := range rxpk.RSig {
		if sig.LSNR > rxpk.LSNR {
			rxpk.LSNR = sig.LSNR
			rxpk.RSSI = sig.RSSIC
			continue
		}
		if sig.LSNR == rxpk.LSNR && sig.RSSIC > rxpk.RSSI {
			rxpk.RSSI = sig.RSSIC
		}
	}

	return &types.RadioMessage{
		Payload: payload,
		RSSI:    int(rxpk.RSSI),
		SNR:     rxpk.LSNR,
	}, nil
}

func newDataRateFromDatR(d DatR) (band.DataRate, error) {
	var dr band.DataRate

	if d.LoRa != "" {
		// parse e.g. SF12BW250 into separate variables
		match := loRaDataRateRegex.FindStringSubmatch(d.LoRa)
		if len(match) != 3 {
			return dr, errors.New("could not parse LoRa data rate")
		}
		sf, err := strconv.Atoi(match[1])
		if err != nil {
			return dr, fmt.Errorf("could not convert spreading factor to int (%s)", err)
		}
		bw, err := strconv.Atoi(match[2])
		if err != nil {
			return dr, fmt.Errorf("could not convert bandwidth to int (%s)", err)
		}
		dr.Modulation = band.LoRaModulation
		dr.SpreadFactor = sf
		dr.Bandwidth = bw
		return dr, nil
	}

	if d.FSK != 0 {
		dr.Modulation = band.FSKModulation
		dr.BitRate = int(d.FSK)
		return dr, nil
	}

	return dr, errors.New("datr is empty")
}

func newDatRFromDataRate(d band.DataRate) DatR {
	if d.Modulation == band.LoRaModulation {
		return DatR{
			LoRa: fmt.Sprintf("SF%dBW%d", d.SpreadFactor, d.Bandwidth),
		}
	}
	return DatR{
		FSK: uint32(d.BitRate),
	}
}
