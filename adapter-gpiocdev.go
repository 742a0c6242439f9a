//go:build linux && !tinygo

package cs1237

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// cdevPin adapts a GPIO character device line to the Pin interface.
// The chardev API fixes a line's direction and edge detection at request
// time, so every mode switch releases the line and requests it again with
// the new options. Repeated writes in output mode reuse the held request.
type cdevPin struct {
	chip    *gpiocdev.Chip
	offset  int
	line    *gpiocdev.Line
	handler func()
	output  bool
}

func (p *cdevPin) reset(options ...gpiocdev.LineReqOption) error {
	if p.line != nil {
		p.line.Close()
		p.line = nil
	}
	l, err := p.chip.RequestLine(p.offset, options...)
	if err != nil {
		return err
	}
	p.line = l
	return nil
}

func (p *cdevPin) Out(l Level) error {
	v := 0
	if l == High {
		v = 1
	}
	if p.line != nil && p.output {
		return p.line.SetValue(v)
	}
	if err := p.reset(gpiocdev.AsOutput(v)); err != nil {
		return err
	}
	p.output = true
	return nil
}

func (p *cdevPin) In(pull Pull) error {
	opts := biasOptions(pull)
	if p.handler != nil {
		h := p.handler
		opts = append(opts,
			gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { h() }),
			gpiocdev.WithFallingEdge)
	} else {
		opts = append(opts, gpiocdev.AsInput)
	}
	if err := p.reset(opts...); err != nil {
		return err
	}
	p.output = false
	return nil
}

func (p *cdevPin) Read() Level {
	if p.line == nil {
		return Low
	}
	v, err := p.line.Value()
	if err != nil {
		return Low
	}
	return Level(v != 0)
}

func (p *cdevPin) Watch(edge Edge, handler func()) error {
	var edgeOpt gpiocdev.LineReqOption
	switch edge {
	case RisingEdge:
		edgeOpt = gpiocdev.WithRisingEdge
	case FallingEdge:
		edgeOpt = gpiocdev.WithFallingEdge
	case BothEdges:
		edgeOpt = gpiocdev.WithBothEdges
	default:
		return fmt.Errorf("unsupported edge for watch")
	}

	p.handler = handler
	h := handler
	if err := p.reset(
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { h() }),
		edgeOpt); err != nil {
		p.handler = nil
		return err
	}
	p.output = false
	return nil
}

func (p *cdevPin) Unwatch() error {
	p.handler = nil
	if p.line == nil {
		return nil
	}
	err := p.reset(gpiocdev.AsInput)
	p.output = false
	return err
}

func (p *cdevPin) close() error {
	if p.line == nil {
		return nil
	}
	err := p.line.Close()
	p.line = nil
	return err
}

func biasOptions(pull Pull) []gpiocdev.LineReqOption {
	switch pull {
	case PullUp:
		return []gpiocdev.LineReqOption{gpiocdev.WithPullUp}
	case PullDown:
		return []gpiocdev.LineReqOption{gpiocdev.WithPullDown}
	case PullFloat:
		return []gpiocdev.LineReqOption{gpiocdev.WithBiasDisabled}
	default:
		return nil
	}
}

// cdevResources releases everything the gpiocdev backend holds.
type cdevResources struct {
	port spi.PortCloser
	sck  *cdevPin
	data *cdevPin
	chip *gpiocdev.Chip
}

func (r *cdevResources) Close() error {
	err := r.port.Close()
	if e := r.sck.close(); err == nil {
		err = e
	}
	if e := r.data.close(); err == nil {
		err = e
	}
	if e := r.chip.Close(); err == nil {
		err = e
	}
	return err
}

// GpiocdevConfig holds the configuration for the Linux GPIO character
// device driver.
type GpiocdevConfig struct {
	Config
	// Chip is the GPIO chip name (e.g., "gpiochip0").
	// Defaults to "gpiochip0" if not provided.
	Chip string
	// SCKLine is the line offset of the clock line on the chip.
	SCKLine int
	// DataLine is the line offset of the shared data / data-ready line.
	DataLine int
	// SPIBusPath is the path to the SPI bus (e.g., "/dev/spidev0.0").
	// Defaults to "/dev/spidev0.0" if not provided.
	SPIBusPath string
	// SPIClockHz is the SPI clock frequency in Hz for the sample readout.
	// Defaults to 1000000 (1MHz) if not provided.
	SPIClockHz int
}

// NewGpiocdev creates and initializes a new CS1237 driver using the Linux
// GPIO character device for the bit-banged configuration and the data-ready
// interrupt, and spidev for the sample readout.
func NewGpiocdev(c GpiocdevConfig) (*Device, error) {
	if c.Chip == "" {
		c.Chip = "gpiochip0"
	}
	if c.SPIBusPath == "" {
		c.SPIBusPath = "/dev/spidev0.0"
	}
	if c.SPIClockHz == 0 {
		c.SPIClockHz = 1000000
	}

	chip, err := gpiocdev.NewChip(c.Chip, gpiocdev.WithConsumer("cs1237"))
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", c.Chip, err)
	}

	if _, err := host.Init(); err != nil {
		chip.Close()
		return nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}
	p, err := spireg.Open(c.SPIBusPath)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("failed to open SPI port: %w", err)
	}

	sck := &cdevPin{chip: chip, offset: c.SCKLine}
	data := &cdevPin{chip: chip, offset: c.DataLine}
	res := &cdevResources{port: p, sck: sck, data: data, chip: chip}

	hw := HardwareConfig{
		Config: c.Config,
		SCK:    sck,
		Data:   data,
	}
	port := &periphPort{
		port: p,
		freq: physic.Frequency(c.SPIClockHz) * physic.Hertz,
	}

	dev, err := NewWithHardware(hw, port)
	if err != nil {
		res.Close()
		return nil, err
	}

	dev.busPort = res
	return dev, nil
}
