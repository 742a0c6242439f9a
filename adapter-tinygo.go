//go:build tinygo

package cs1237

import (
	"machine"
)

// tinygoPin wraps a machine.Pin to satisfy the Pin interface.
type tinygoPin struct {
	pin    machine.Pin
	output bool
}

func (p *tinygoPin) Out(l Level) error {
	// Reconfiguring on every write would wreck the 1µs bit timing.
	if !p.output {
		p.pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
		p.output = true
	}
	p.pin.Set(bool(l))
	return nil
}

func (p *tinygoPin) In(pull Pull) error {
	var mPull machine.PinMode
	switch pull {
	case PullUp:
		mPull = machine.PinInputPullup
	case PullDown:
		mPull = machine.PinInputPulldown
	default:
		mPull = machine.PinInput
	}
	p.pin.Configure(machine.PinConfig{Mode: mPull})
	p.output = false
	return nil
}

func (p *tinygoPin) Read() Level {
	return Level(p.pin.Get())
}

func (p *tinygoPin) Watch(edge Edge, handler func()) error {
	var mEdge machine.PinChange
	switch edge {
	case RisingEdge:
		mEdge = machine.PinRising
	case FallingEdge:
		mEdge = machine.PinFalling
	case BothEdges:
		mEdge = machine.PinToggle
	default:
		return nil
	}

	return p.pin.SetInterrupt(mEdge, func(machine.Pin) {
		handler()
	})
}

func (p *tinygoPin) Unwatch() error {
	// TinyGo has no explicit unwatch; reconfiguring as a plain input
	// drops the interrupt on the ports that support it.
	p.pin.Configure(machine.PinConfig{Mode: machine.PinInput})
	p.output = false
	return nil
}

// tinygoSPI wraps a machine.SPI to satisfy the SPI interface.
type tinygoSPI struct {
	spi *machine.SPI
}

func (s *tinygoSPI) Tx(w, r []byte) error {
	return s.spi.Tx(w, r)
}

// tinygoPort configures the SPI peripheral onto the clock/data pins once
// the bit-banged configuration is done.
type tinygoPort struct {
	spi  *machine.SPI
	sck  machine.Pin
	data machine.Pin
	freq uint32
}

func (p *tinygoPort) Connect() (SPI, error) {
	err := p.spi.Configure(machine.SPIConfig{
		Frequency: p.freq,
		Mode:      0,
		SCK:       p.sck,
		SDI:       p.data,
		SDO:       machine.NoPin,
	})
	if err != nil {
		return nil, err
	}
	return &tinygoSPI{spi: p.spi}, nil
}

// NewTinyGo creates a new CS1237 driver for TinyGo systems. The SPI
// peripheral must not be configured by the caller: the driver bit-bangs the
// pins first and binds the peripheral to them afterwards. freqHz defaults
// to 1MHz if zero.
func NewTinyGo(c Config, spi *machine.SPI, sckPin, dataPin machine.Pin, freqHz uint32) (*Device, error) {
	if freqHz == 0 {
		freqHz = 1000000
	}

	hw := HardwareConfig{
		Config: c,
		SCK:    &tinygoPin{pin: sckPin},
		Data:   &tinygoPin{pin: dataPin},
	}
	port := &tinygoPort{
		spi:  spi,
		sck:  sckPin,
		data: dataPin,
		freq: freqHz,
	}

	return NewWithHardware(hw, port)
}
