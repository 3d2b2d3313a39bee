// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package sx127x drives a Semtech SX1276/77/78/79 LoRa radio over SPI.
package sx127x

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/loragw/lora-mqtt-bridge/types"
)

// Defaults of the radio configuration
const (
	DefaultFrequency       = 868000000
	DefaultSpreadingFactor = 8
	DefaultTxPower         = 17
)

var (
	// TxTimeout is the maximum time a transmission may take
	TxTimeout = 5 * time.Second
	// TxPollInterval is the interval at which the TxDone flag is checked
	TxPollInterval = time.Millisecond
	// ResetDuration is the time the reset line is held low
	ResetDuration = time.Millisecond
	// ResetSettle is the time the chip needs after a reset
	ResetSettle = 10 * time.Millisecond
)

// Errors returned by the radio
var (
	ErrPayloadTooLarge        = errors.New("sx127x: payload too large")
	ErrTxTimeout              = errors.New("sx127x: transmit timed out")
	ErrInvalidSpreadingFactor = errors.New("sx127x: spreading factor must be between 6 and 12")
	ErrUnsupportedPlatform    = errors.New("sx127x: only supported on linux")
)

// Config contains configuration for the SX127x radio
type Config struct {
	SPIPort         string // SPI port name as known by periph, "" for the first one
	GPIOChip        string // GPIO character device, for example "gpiochip0"
	ChipSelectPin   int    // -1 to use the chip select of the SPI port
	ResetPin        int
	InterruptPin    int // connected to DIO0
	Frequency       uint32
	SpreadingFactor int
	TxPower         int // dBm on PA_BOOST, 2 to 20
}

func (c Config) withDefaults() Config {
	if c.GPIOChip == "" {
		c.GPIOChip = "gpiochip0"
	}
	if c.Frequency == 0 {
		c.Frequency = DefaultFrequency
	}
	if c.SpreadingFactor == 0 {
		c.SpreadingFactor = DefaultSpreadingFactor
	}
	if c.TxPower == 0 {
		c.TxPower = DefaultTxPower
	}
	return c
}

// Bus is a full-duplex SPI connection
type Bus interface {
	Tx(w, r []byte) error
}

// Pin is a GPIO output
type Pin interface {
	SetValue(value int) error
}

// SX127x radio
type SX127x struct {
	ctx    log.Interface
	config Config

	mu      sync.Mutex // Protects the registers
	bus     Bus
	cs      Pin
	reset   Pin
	closers []io.Closer

	handlerMu sync.RWMutex
	handler   func(*types.RadioMessage)
}

func newRadio(bus Bus, cs, reset Pin, config Config, ctx log.Interface) *SX127x {
	return &SX127x{
		ctx:    ctx.WithField("Connector", "SX127x"),
		config: config.withDefaults(),
		bus:    bus,
		cs:     cs,
		reset:  reset,
	}
}

func (r *SX127x) tx(w []byte) ([]byte, error) {
	if r.cs != nil {
		if err := r.cs.SetValue(0); err != nil {
			return nil, err
		}
		defer r.cs.SetValue(1)
	}
	read := make([]byte, len(w))
	if err := r.bus.Tx(w, read); err != nil {
		return nil, err
	}
	return read, nil
}

func (r *SX127x) readRegister(addr byte) (byte, error) {
	read, err := r.tx([]byte{addr &^ spiWriteFlag, 0})
	if err != nil {
		return 0, err
	}
	return read[1], nil
}

func (r *SX127x) writeRegister(addr, value byte) error {
	_, err := r.tx([]byte{addr | spiWriteFlag, value})
	return err
}

func (r *SX127x) readFifo(n int) ([]byte, error) {
	read, err := r.tx(append([]byte{regFifo}, make([]byte, n)...))
	if err != nil {
		return nil, err
	}
	return read[1:], nil
}

func (r *SX127x) writeFifo(payload []byte) error {
	_, err := r.tx(append([]byte{regFifo | spiWriteFlag}, payload...))
	return err
}

// writeRegisters writes pairs of register addresses and values, stopping at the first error
func (r *SX127x) writeRegisters(pairs ...byte) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := r.writeRegister(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func (r *SX127x) resetChip() error {
	if r.reset == nil {
		return nil
	}
	if err := r.reset.SetValue(0); err != nil {
		return err
	}
	time.Sleep(ResetDuration)
	if err := r.reset.SetValue(1); err != nil {
		return err
	}
	time.Sleep(ResetSettle)
	return nil
}

// init resets the chip and configures it for LoRa on the configured frequency
func (r *SX127x) init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config.SpreadingFactor < 6 || r.config.SpreadingFactor > 12 {
		return ErrInvalidSpreadingFactor
	}
	if err := r.resetChip(); err != nil {
		return fmt.Errorf("sx127x: could not reset (%s)", err)
	}
	version, err := r.readRegister(regVersion)
	if err != nil {
		return fmt.Errorf("sx127x: could not read version (%s)", err)
	}
	if version != chipVersion {
		return fmt.Errorf("sx127x: unexpected chip version 0x%02x", version)
	}
	if err := r.writeRegister(regOpMode, modeLongRange|modeSleep); err != nil {
		return err
	}
	if err := r.setFrequency(r.config.Frequency); err != nil {
		return err
	}
	if err := r.writeRegisters(
		regFifoTxBaseAddr, 0,
		regFifoRxBaseAddr, 0,
	); err != nil {
		return err
	}
	lna, err := r.readRegister(regLna)
	if err != nil {
		return err
	}
	if err := r.writeRegisters(
		regLna, lna|lnaBoostHF,
		regModemConfig3, agcAutoOn,
	); err != nil {
		return err
	}
	if err := r.setTxPower(r.config.TxPower); err != nil {
		return err
	}
	if err := r.setSpreadingFactor(r.config.SpreadingFactor); err != nil {
		return err
	}
	if err := r.writeRegister(regOpMode, modeLongRange|modeStdby); err != nil {
		return err
	}
	r.ctx.WithFields(log.Fields{
		"Frequency":       r.config.Frequency,
		"SpreadingFactor": r.config.SpreadingFactor,
		"TxPower":         r.config.TxPower,
	}).Info("Initialized radio")
	return nil
}

func frf(frequency uint32) uint64 {
	return (uint64(frequency) << 19) / crystal
}

func (r *SX127x) setFrequency(frequency uint32) error {
	f := frf(frequency)
	return r.writeRegisters(
		regFrfMsb, byte(f>>16),
		regFrfMid, byte(f>>8),
		regFrfLsb, byte(f),
	)
}

func (r *SX127x) setTxPower(level int) error {
	if level < 2 {
		level = 2
	} else if level > 20 {
		level = 20
	}
	var ocp, dac byte = 0x2b, 0x84 // 100 mA
	if level > 17 {
		ocp, dac = 0x31, 0x87 // 140 mA, +20 dBm
		level -= 3
	}
	return r.writeRegisters(
		regPaDac, dac,
		regOcp, ocp,
		regPaConfig, paBoost|byte(level-2),
	)
}

// symbolDuration for a bandwidth of 125 kHz
func symbolDuration(sf int) time.Duration {
	return time.Duration(1<<uint(sf)) * time.Second / 125000
}

func (r *SX127x) setSpreadingFactor(sf int) error {
	if sf < 6 || sf > 12 {
		return ErrInvalidSpreadingFactor
	}
	optimize, threshold := byte(0xc3), byte(0x0a)
	if sf == 6 {
		optimize, threshold = 0xc5, 0x0c
	}
	if err := r.writeRegisters(
		regDetectionOptimize, optimize,
		regDetectionThresh, threshold,
	); err != nil {
		return err
	}
	config2, err := r.readRegister(regModemConfig2)
	if err != nil {
		return err
	}
	if err := r.writeRegister(regModemConfig2, (config2&0x0f)|byte(sf<<4)); err != nil {
		return err
	}
	config3, err := r.readRegister(regModemConfig3)
	if err != nil {
		return err
	}
	if symbolDuration(sf) > 16*time.Millisecond {
		config3 |= ldoBit
	} else {
		config3 &^= ldoBit
	}
	return r.writeRegister(regModemConfig3, config3)
}

// Transmit sends the payload and waits until it is sent. The radio is in
// standby afterwards.
func (r *SX127x) Transmit(payload []byte) error {
	if len(payload) > maxPacketSize {
		return ErrPayloadTooLarge
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writeRegisters(
		regOpMode, modeLongRange|modeStdby,
		regFifoAddrPtr, 0,
	); err != nil {
		return err
	}
	if err := r.writeFifo(payload); err != nil {
		return err
	}
	if err := r.writeRegisters(
		regPayloadLength, byte(len(payload)),
		regDioMapping1, dio0TxDone,
		regOpMode, modeLongRange|modeTx,
	); err != nil {
		return err
	}

	deadline := time.Now().Add(TxTimeout)
	for {
		flags, err := r.readRegister(regIrqFlags)
		if err != nil {
			return err
		}
		if flags&irqTxDone != 0 {
			break
		}
		if time.Now().After(deadline) {
			r.writeRegister(regOpMode, modeLongRange|modeStdby)
			return ErrTxTimeout
		}
		time.Sleep(TxPollInterval)
	}
	if err := r.writeRegister(regIrqFlags, irqTxDone); err != nil {
		return err
	}
	r.ctx.WithField("Size", len(payload)).Debug("Transmitted packet")
	return nil
}

// Receive puts the radio in continuous receive mode
func (r *SX127x) Receive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeRegisters(
		regDioMapping1, dio0RxDone,
		regOpMode, modeLongRange|modeRxContinuous,
	)
}

// OnReceive sets the handler for received packets
func (r *SX127x) OnReceive(handler func(*types.RadioMessage)) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.handler = handler
}

// handleInterrupt is called on a rising edge of DIO0
func (r *SX127x) handleInterrupt() {
	msg, err := r.readPacket()
	if err != nil {
		r.ctx.WithError(err).Warn("Could not read packet")
		return
	}
	if msg == nil {
		return
	}
	r.ctx.WithFields(log.Fields{
		"RSSI": msg.RSSI,
		"SNR":  msg.SNR,
		"Size": len(msg.Payload),
	}).Debug("Received packet")
	r.handlerMu.RLock()
	handler := r.handler
	r.handlerMu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

func (r *SX127x) readPacket() (*types.RadioMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	flags, err := r.readRegister(regIrqFlags)
	if err != nil {
		return nil, err
	}
	if err := r.writeRegister(regIrqFlags, flags); err != nil {
		return nil, err
	}
	if flags&irqRxDone == 0 {
		return nil, nil
	}
	if flags&irqCrcErr != 0 {
		r.ctx.Debug("Dropping packet with CRC error")
		return nil, nil
	}
	size, err := r.readRegister(regRxNbBytes)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	current, err := r.readRegister(regFifoRxCurrentAddr)
	if err != nil {
		return nil, err
	}
	if err := r.writeRegister(regFifoAddrPtr, current); err != nil {
		return nil, err
	}
	payload, err := r.readFifo(int(size))
	if err != nil {
		return nil, err
	}
	rssi, err := r.readRegister(regPktRssiValue)
	if err != nil {
		return nil, err
	}
	snr, err := r.readRegister(regPktSnrValue)
	if err != nil {
		return nil, err
	}
	offset := rssiOffsetHF
	if r.config.Frequency < hfThreshold {
		offset = rssiOffsetLF
	}
	return &types.RadioMessage{
		Payload: payload,
		RSSI:    int(rssi) - offset,
		SNR:     float64(int8(snr)) / 4,
	}, nil
}

// Close puts the radio to sleep and releases the hardware
func (r *SX127x) Close() error {
	r.mu.Lock()
	err := r.writeRegister(regOpMode, modeLongRange|modeSleep)
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		if cerr := closers[i].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
