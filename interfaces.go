package cs1237

import "time"

// Level represents the logical level of a pin (Low or High).
type Level bool

const (
	Low  Level = false
	High Level = true
)

// Pull represents the internal pull-up/down resistor state.
type Pull uint8

const (
	PullNoChange Pull = iota
	PullFloat
	PullDown
	PullUp
)

// Edge represents the signal edge to trigger an interrupt.
type Edge uint8

const (
	NoEdge Edge = iota
	RisingEdge
	FallingEdge
	BothEdges
)

// SPI represents a generic receive-capable SPI connection.
type SPI interface {
	// Tx sends w and reads into r.
	// w may be nil for a receive-only transfer.
	Tx(w, r []byte) error
}

// SPIPort binds a serial peripheral to the clock/data lines in receive-only
// mode. Connect must be called at most once: it consumes the lines, and after
// it returns they belong to the returned connection.
type SPIPort interface {
	Connect() (SPI, error)
}

// Pin represents a generic GPIO pin.
type Pin interface {
	// Out sets the pin as output with the given level.
	Out(l Level) error
	// In sets the pin as input with the given pull mode.
	In(pull Pull) error
	// Read returns the current level of the pin.
	Read() Level
	// Watch configures an interrupt/callback on the specified edge.
	// The handler should be called when the edge is detected.
	Watch(edge Edge, handler func()) error
	// Unwatch removes the interrupt/callback.
	Unwatch() error
}

// Delayer provides blocking delays for protocol bit timing. Production
// backends sleep on the wall clock; tests substitute an instantaneous one so
// pulse counts and bit order can be checked without real-time waits.
type Delayer interface {
	Sleep(d time.Duration)
}

// sleepDelayer delays on the wall clock.
type sleepDelayer struct{}

func (sleepDelayer) Sleep(d time.Duration) { time.Sleep(d) }
