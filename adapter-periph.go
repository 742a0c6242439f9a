//go:build !tinygo

package cs1237

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// realPin wraps a gpio.PinIO to satisfy the Pin interface.
type realPin struct {
	gpio.PinIO
	stopWatch chan struct{}
}

func (p *realPin) Out(l Level) error {
	if l == High {
		return p.PinIO.Out(gpio.High)
	}
	return p.PinIO.Out(gpio.Low)
}

func (p *realPin) In(pull Pull) error {
	var pPull gpio.Pull
	switch pull {
	case PullFloat:
		pPull = gpio.Float
	case PullDown:
		pPull = gpio.PullDown
	case PullUp:
		pPull = gpio.PullUp
	default:
		pPull = gpio.PullNoChange
	}
	return p.PinIO.In(pPull, gpio.NoEdge)
}

func (p *realPin) Read() Level {
	if p.PinIO.Read() == gpio.High {
		return High
	}
	return Low
}

func (p *realPin) Watch(edge Edge, handler func()) error {
	var pEdge gpio.Edge
	switch edge {
	case RisingEdge:
		pEdge = gpio.RisingEdge
	case FallingEdge:
		pEdge = gpio.FallingEdge
	case BothEdges:
		pEdge = gpio.BothEdges
	default:
		pEdge = gpio.NoEdge
	}

	// The data-ready line is driven by the chip; leave it floating.
	if err := p.PinIO.In(gpio.Float, pEdge); err != nil {
		return err
	}

	p.stopWatch = make(chan struct{})

	go func() {
		for {
			// Wait for edge with -1 (infinite timeout)
			if p.PinIO.WaitForEdge(-1) {
				select {
				case <-p.stopWatch:
					return
				default:
					handler()
				}
			} else {
				// WaitForEdge returned false (timeout or error), check stop
				select {
				case <-p.stopWatch:
					return
				default:
				}
			}
		}
	}()
	return nil
}

func (p *realPin) Unwatch() error {
	if p.stopWatch != nil {
		close(p.stopWatch)
		p.stopWatch = nil
	}
	// Disable edge detection
	return p.PinIO.In(gpio.Float, gpio.NoEdge)
}

// periphPort binds a periph.io SPI port in receive-only mode once the
// bit-banged configuration is done.
type periphPort struct {
	port spi.Port
	freq physic.Frequency
}

func (p *periphPort) Connect() (SPI, error) {
	return p.port.Connect(p.freq, spi.Mode0, 8)
}

// PeriphConfig holds the configuration for the Linux/periph.io driver.
type PeriphConfig struct {
	Config
	// SCKPin is the GPIO pin number (BCM numbering) of the clock line.
	SCKPin int
	// DataPin is the GPIO pin number (BCM numbering) of the shared
	// data / data-ready line.
	DataPin int
	// SPIBusPath is the path to the SPI bus (e.g., "/dev/spidev0.0").
	// Defaults to "/dev/spidev0.0" if not provided.
	SPIBusPath string
	// SPIClockHz is the SPI clock frequency in Hz for the sample readout.
	// Defaults to 1000000 (1MHz) if not provided.
	SPIClockHz int
}

// New creates and initializes a new CS1237 driver for Linux systems using
// periph.io. It opens the GPIO lines and the SPI bus, runs the reset and
// configure sequence, and returns the live device.
func New(c PeriphConfig) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}

	if c.SPIBusPath == "" {
		c.SPIBusPath = "/dev/spidev0.0"
	}
	if c.SPIClockHz == 0 {
		c.SPIClockHz = 1000000
	}

	p, err := spireg.Open(c.SPIBusPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port: %w", err)
	}

	sckName := fmt.Sprintf("GPIO%d", c.SCKPin)
	sck := gpioreg.ByName(sckName)
	if sck == nil {
		p.Close()
		return nil, fmt.Errorf("failed to open clock pin %s", sckName)
	}

	dataName := fmt.Sprintf("GPIO%d", c.DataPin)
	data := gpioreg.ByName(dataName)
	if data == nil {
		p.Close()
		return nil, fmt.Errorf("failed to open data pin %s", dataName)
	}

	hw := HardwareConfig{
		Config: c.Config,
		SCK:    &realPin{PinIO: sck},
		Data:   &realPin{PinIO: data},
	}
	port := &periphPort{
		port: p,
		freq: physic.Frequency(c.SPIClockHz) * physic.Hertz,
	}

	dev, err := NewWithHardware(hw, port)
	if err != nil {
		p.Close()
		return nil, err
	}

	// Store the port closer so Close can release the bus.
	dev.busPort = p
	return dev, nil
}
