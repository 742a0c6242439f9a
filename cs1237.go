// Package cs1237 is a driver for the CS1237 24-bit delta-sigma ADC, a
// two-wire chip that multiplexes a bit-banged configuration protocol and a
// clocked 3-byte sample readout onto the same clock and data lines.
package cs1237

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	ErrPkg = errors.New("cs1237")
	// ErrTimeout is returned when a data-ready edge does not arrive within
	// its protocol window.
	ErrTimeout = errors.New("timeout waiting for data ready")
	// ErrTransfer is returned when the underlying SPI transfer fails.
	ErrTransfer = errors.New("spi transfer failed")
)

type (
	SampleRate byte
	Gain       byte
	Channel    byte
)

const (
	// SPS10 samples at 10 samples per second
	SPS10 SampleRate = iota
	// SPS40 samples at 40 samples per second
	SPS40
	// SPS640 samples at 640 samples per second
	SPS640
	// SPS1280 samples at 1280 samples per second
	SPS1280
)

func (r SampleRate) String() string {
	switch r {
	case SPS10:
		return "10sps"
	case SPS40:
		return "40sps"
	case SPS640:
		return "640sps"
	case SPS1280:
		return "1280sps"
	default:
		return "unknown"
	}
}

const (
	// Gain1 amplifies the input by a factor of 1
	Gain1 Gain = iota
	// Gain2 amplifies the input by a factor of 2
	Gain2
	// Gain64 amplifies the input by a factor of 64
	Gain64
	// Gain128 amplifies the input by a factor of 128
	Gain128
)

func (g Gain) String() string {
	switch g {
	case Gain1:
		return "x1"
	case Gain2:
		return "x2"
	case Gain64:
		return "x64"
	case Gain128:
		return "x128"
	default:
		return "unknown"
	}
}

const (
	// ChannelA selects the external differential input.
	ChannelA Channel = iota
	// ChannelReserved is reserved by the chip.
	ChannelReserved
	// ChannelTemperature selects the internal temperature sensor.
	ChannelTemperature
	// ChannelShort shorts the inputs internally, for offset calibration.
	ChannelShort
)

func (c Channel) String() string {
	switch c {
	case ChannelA:
		return "A"
	case ChannelReserved:
		return "reserved"
	case ChannelTemperature:
		return "temperature"
	case ChannelShort:
		return "internal-short"
	default:
		return "unknown"
	}
}

// Config holds the chip settings written during initialization. The driver
// does not retain it afterwards.
type Config struct {
	SampleRate SampleRate
	Gain       Gain
	Channel    Channel
}

// DefaultConfig returns the slowest rate at maximum gain on the external
// input.
func DefaultConfig() Config {
	return Config{
		SampleRate: SPS10,
		Gain:       Gain128,
		Channel:    ChannelA,
	}
}

func (c Config) String() string {
	return fmt.Sprintf("CS1237(SampleRate=%s, Gain=%s, Channel=%s)",
		c.SampleRate, c.Gain, c.Channel)
}

// controlByte packs the settings into the chip's configuration register
// layout: bits 5-4 sample rate, bits 3-2 gain, bits 1-0 channel.
func (c Config) controlByte() byte {
	return byte(c.SampleRate)<<4 | byte(c.Gain)<<2 | byte(c.Channel)
}

// --- CS1237 protocol constants ---

const (
	// _WRITE_CONFIG is the 7-bit "set configuration" command.
	_WRITE_CONFIG = 0x65

	commandBits = 7
	controlBits = 8

	// discardPulses consumes the pending sample output and status bits
	// before a command can be written.
	discardPulses = 29

	// powerOffHold is how long SCLK stays high to power the chip down.
	powerOffHold = time.Millisecond
	// bitHold is the half-period of one bit-banged clock pulse.
	bitHold = time.Microsecond

	// readyTimeout bounds both the chip's wake after power-on and its
	// settle after reconfiguration (3-300ms depending on sample rate).
	readyTimeout = 330 * time.Millisecond
	// sampleTimeout bounds the wait for the next conversion, derived from
	// the slowest configurable rate (10sps, 100ms period).
	sampleTimeout = 110 * time.Millisecond

	// sampleBytes is the fixed width of one sample readout.
	sampleBytes = 3
)

// HardwareConfig carries the resources consumed by NewWithHardware.
type HardwareConfig struct {
	Config
	// SCK is the clock line. Driven directly during reset and
	// configuration, then handed to the SPI peripheral.
	SCK Pin
	// Data is the shared data / data-ready line. Bidirectional during
	// configuration, then a receive-only SPI line. Its falling edge
	// signals that a conversion result is available, so it must support
	// edge interrupts.
	Data Pin
	// Delay is the timing primitive used for protocol delays.
	// Optional; defaults to sleeping on the wall clock.
	Delay Delayer
}

// Device is an initialized CS1237. It exclusively owns its SPI connection
// and the data-ready line for its lifetime. Calls must be serialized by the
// caller; one read is in flight at a time.
type Device struct {
	conn     SPI
	drdy     Pin
	drdyChan chan struct{}
	busPort  io.Closer
	mu       sync.Mutex
	buf      [sampleBytes]byte
}

// NewWithHardware powers the chip, writes the configuration over the
// bit-banged protocol, binds the SPI peripheral and returns the live device.
// It fails with ErrTimeout if the chip does not signal ready within the
// protocol windows. The sequence takes no context: it runs to completion or
// times out internally, so a failed call never leaves a wait suspended.
func NewWithHardware(c HardwareConfig, port SPIPort) (*Device, error) {
	if c.SCK == nil || c.Data == nil {
		return nil, fmt.Errorf("%w: SCK and Data pins must be configured", ErrPkg)
	}
	if port == nil {
		return nil, fmt.Errorf("%w: SPI port must be configured", ErrPkg)
	}
	if c.Delay == nil {
		c.Delay = sleepDelayer{}
	}

	dev := &Device{
		drdy:     c.Data,
		drdyChan: make(chan struct{}, 1),
	}

	// Latch falling edges on the data line before powering the chip so the
	// first ready signal cannot be missed.
	if err := c.Data.In(PullFloat); err != nil {
		return nil, fmt.Errorf("%w: failed to configure data line: %w", ErrPkg, err)
	}
	if err := c.Data.Watch(FallingEdge, func() {
		select {
		case dev.drdyChan <- struct{}{}:
		default:
			// An edge is already latched.
		}
	}); err != nil {
		return nil, fmt.Errorf("%w: failed to watch data line: %w", ErrPkg, err)
	}

	seq := &configSequence{sck: c.SCK, data: c.Data, delay: c.Delay}

	globalLogger.Info("Resetting CS1237")

	if err := seq.powerCycle(); err != nil {
		c.Data.Unwatch()
		return nil, err
	}
	if err := dev.waitReady(readyTimeout); err != nil {
		c.Data.Unwatch()
		return nil, err
	}

	globalLogger.Info("Configuring CS1237")

	if err := seq.writeConfig(c.Config.controlByte()); err != nil {
		c.Data.Unwatch()
		return nil, err
	}

	globalLogger.Info("Waiting for CS1237 to become ready")

	// The chip settles within 3-300ms depending on the configured rate.
	if err := dev.waitReady(readyTimeout); err != nil {
		c.Data.Unwatch()
		return nil, err
	}

	conn, err := port.Connect()
	if err != nil {
		c.Data.Unwatch()
		return nil, fmt.Errorf("%w: failed to bind SPI port: %w", ErrPkg, err)
	}
	dev.conn = conn

	globalLogger.Info("CS1237 configured")

	return dev, nil
}

// Read returns the next conversion result as a signed 24-bit value.
// It suspends until the chip signals data ready, failing with ErrTimeout
// after 110ms, and with ErrTransfer if the SPI transfer faults. Exactly one
// conversion is consumed per call; a result that became ready before the
// call does not satisfy it.
func (d *Device) Read() (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.waitReady(sampleTimeout); err != nil {
		return 0, err
	}

	d.buf = [sampleBytes]byte{}
	if err := d.conn.Tx(nil, d.buf[:]); err != nil {
		globalLogger.Error("CS1237 sample transfer failed")
		return 0, fmt.Errorf("%w: %w", ErrPkg, ErrTransfer)
	}

	return decodeSample(d.buf[:]), nil
}

// Close releases the watch on the data-ready line and the bus resources
// owned by the device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.drdy.Unwatch()
	if d.busPort != nil {
		if err := d.busPort.Close(); err != nil {
			globalLogger.Warn("Failed to close SPI port")
			return err
		}
	}
	globalLogger.Info("CS1237 closed")
	return nil
}

// waitReady blocks until the data line falls or the timeout expires.
// Any edge latched before entry is discarded first: clocking the chip
// toggles the shared data line, and those transitions are not ready signals.
func (d *Device) waitReady(timeout time.Duration) error {
	select {
	case <-d.drdyChan:
	default:
	}

	select {
	case <-d.drdyChan:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: %w", ErrPkg, ErrTimeout)
	}
}

// decodeSample interprets a 3-byte readout as a big-endian 24-bit
// two's-complement integer, sign-extended to 32 bits.
func decodeSample(b []byte) int32 {
	v := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return int32(v<<8) >> 8
}

// --- Reset & configure bit-banging ---

// configSequence drives the bit-banged reset and configuration protocol.
// It borrows the clock and data lines only until the sequence completes;
// afterwards they belong to the SPI peripheral. The chip distinguishes a
// configuration write from a readout purely by pulse count and timing, so
// every helper below must be reproduced bit-exactly.
type configSequence struct {
	sck   Pin
	data  Pin
	delay Delayer
}

// powerCycle holds SCLK high to power the chip down, then releases it.
func (s *configSequence) powerCycle() error {
	if err := s.sck.Out(High); err != nil {
		return fmt.Errorf("%w: failed to drive clock line: %w", ErrPkg, err)
	}
	s.delay.Sleep(powerOffHold)
	if err := s.sck.Out(Low); err != nil {
		return fmt.Errorf("%w: failed to drive clock line: %w", ErrPkg, err)
	}
	return nil
}

// writeConfig runs the configuration write: discard pulses, command, gap
// bit, control byte and the final latch pulse.
func (s *configSequence) writeConfig(control byte) error {
	if err := s.discardPending(); err != nil {
		return err
	}
	// The data line is ours to drive from here until the latch.
	if err := s.data.Out(Low); err != nil {
		return fmt.Errorf("%w: failed to drive data line: %w", ErrPkg, err)
	}
	if err := s.shiftOut(_WRITE_CONFIG, commandBits); err != nil {
		return err
	}
	if err := s.gapBit(); err != nil {
		return err
	}
	if err := s.shiftOut(control, controlBits); err != nil {
		return err
	}
	return s.latch()
}

// discardPending clocks out the chip's pending sample and status bits
// without reading them. The count doubles as the "a command follows"
// preamble.
func (s *configSequence) discardPending() error {
	for i := 0; i < discardPulses; i++ {
		if err := s.pulse(); err != nil {
			return err
		}
	}
	return nil
}

// shiftOut writes the low n bits of v, most significant bit first.
func (s *configSequence) shiftOut(v byte, n int) error {
	for i := n - 1; i >= 0; i-- {
		bit := Level((v>>i)&0x1 != 0)
		if err := s.data.Out(bit); err != nil {
			return fmt.Errorf("%w: failed to drive data line: %w", ErrPkg, err)
		}
		if err := s.pulse(); err != nil {
			return err
		}
	}
	return nil
}

// gapBit sends the mandatory separator between command and payload
// (bit 37), with the data line forced low.
func (s *configSequence) gapBit() error {
	if err := s.data.Out(Low); err != nil {
		return fmt.Errorf("%w: failed to drive data line: %w", ErrPkg, err)
	}
	return s.pulse()
}

// latch releases the data line back to a floating input and sends the final
// clock pulse (bit 46) to latch the configuration.
func (s *configSequence) latch() error {
	if err := s.data.In(PullFloat); err != nil {
		return fmt.Errorf("%w: failed to release data line: %w", ErrPkg, err)
	}
	return s.pulse()
}

// pulse issues one clock pulse, 1µs high then 1µs low.
func (s *configSequence) pulse() error {
	if err := s.sck.Out(High); err != nil {
		return fmt.Errorf("%w: failed to drive clock line: %w", ErrPkg, err)
	}
	s.delay.Sleep(bitHold)
	if err := s.sck.Out(Low); err != nil {
		return fmt.Errorf("%w: failed to drive clock line: %w", ErrPkg, err)
	}
	s.delay.Sleep(bitHold)
	return nil
}
