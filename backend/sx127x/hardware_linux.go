// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

//go:build linux

package sx127x

import (
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/warthog618/go-gpiocdev"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPIFrequency is the clock of the SPI bus
var SPIFrequency = 8 * physic.MegaHertz

// New opens the SPI port and GPIO lines and initializes the radio
func New(config Config, ctx log.Interface) (radio *SX127x, err error) {
	config = config.withDefaults()

	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i].Close()
			}
		}
	}()

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("sx127x: could not initialize host (%s)", err)
	}
	port, err := spireg.Open(config.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("sx127x: could not open SPI port %q (%s)", config.SPIPort, err)
	}
	closers = append(closers, port)
	conn, err := port.Connect(SPIFrequency, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("sx127x: could not connect to SPI port (%s)", err)
	}

	chip, err := gpiocdev.NewChip(config.GPIOChip, gpiocdev.WithConsumer("lora-bridge"))
	if err != nil {
		return nil, fmt.Errorf("sx127x: could not open %s (%s)", config.GPIOChip, err)
	}
	closers = append(closers, chip)

	var cs Pin
	if config.ChipSelectPin >= 0 {
		line, err := chip.RequestLine(config.ChipSelectPin, gpiocdev.AsOutput(1))
		if err != nil {
			return nil, fmt.Errorf("sx127x: could not request chip select pin %d (%s)", config.ChipSelectPin, err)
		}
		closers = append(closers, line)
		cs = line
	}

	reset, err := chip.RequestLine(config.ResetPin, gpiocdev.AsOutput(1))
	if err != nil {
		return nil, fmt.Errorf("sx127x: could not request reset pin %d (%s)", config.ResetPin, err)
	}
	closers = append(closers, reset)

	radio = newRadio(conn, cs, reset, config, ctx)
	if err := radio.init(); err != nil {
		return nil, err
	}

	irq, err := chip.RequestLine(config.InterruptPin,
		gpiocdev.AsInput,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) {
			radio.handleInterrupt()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("sx127x: could not request interrupt pin %d (%s)", config.InterruptPin, err)
	}
	closers = append(closers, irq)

	radio.closers = closers
	return radio, nil
}
