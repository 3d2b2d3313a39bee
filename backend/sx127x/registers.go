// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package sx127x

// Registers in LoRa mode
const (
	regFifo              = 0x00
	regOpMode            = 0x01
	regFrfMsb            = 0x06
	regFrfMid            = 0x07
	regFrfLsb            = 0x08
	regPaConfig          = 0x09
	regOcp               = 0x0b
	regLna               = 0x0c
	regFifoAddrPtr       = 0x0d
	regFifoTxBaseAddr    = 0x0e
	regFifoRxBaseAddr    = 0x0f
	regFifoRxCurrentAddr = 0x10
	regIrqFlags          = 0x12
	regRxNbBytes         = 0x13
	regPktSnrValue       = 0x19
	regPktRssiValue      = 0x1a
	regModemConfig1      = 0x1d
	regModemConfig2      = 0x1e
	regPayloadLength     = 0x22
	regModemConfig3      = 0x26
	regDetectionOptimize = 0x31
	regDetectionThresh   = 0x37
	regSyncWord          = 0x39
	regDioMapping1       = 0x40
	regVersion           = 0x42
	regPaDac             = 0x4d
)

// Operating modes
const (
	modeLongRange    = 0x80
	modeSleep        = 0x00
	modeStdby        = 0x01
	modeTx           = 0x03
	modeRxContinuous = 0x05
)

// IRQ flags
const (
	irqTxDone = 0x08
	irqCrcErr = 0x20
	irqRxDone = 0x40
)

// DIO0 mappings
const (
	dio0RxDone = 0x00
	dio0TxDone = 0x40
)

const (
	paBoost       = 0x80
	ldoBit        = 0x08
	agcAutoOn     = 0x04
	lnaBoostHF    = 0x03
	chipVersion   = 0x12
	spiWriteFlag  = 0x80
	maxPacketSize = 255

	// Packet RSSI offsets of the high and low frequency ports
	rssiOffsetHF = 157
	rssiOffsetLF = 164
	hfThreshold  = 525000000

	crystal = 32000000
)
