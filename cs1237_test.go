package cs1237

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func init() {
	// Keep the protocol trace out of the test output.
	SetLogger(&nopLogger{})
}

// --- Fakes ---

// fakeDelayer records requested delays without sleeping, so the bit-banged
// sequence runs instantaneously under test.
type fakeDelayer struct {
	slept []time.Duration
}

func (f *fakeDelayer) Sleep(d time.Duration) {
	f.slept = append(f.slept, d)
}

type fakePin struct {
	mu      sync.Mutex
	mode    string // "in" or "out"
	level   Level
	pull    Pull
	handler func()
	onOut   func(Level) // hook invoked after Out, outside the lock
}

func (p *fakePin) Out(l Level) error {
	p.mu.Lock()
	p.mode = "out"
	p.level = l
	hook := p.onOut
	p.mu.Unlock()
	if hook != nil {
		hook(l)
	}
	return nil
}

func (p *fakePin) In(pull Pull) error {
	p.mu.Lock()
	p.mode = "in"
	p.pull = pull
	p.mu.Unlock()
	return nil
}

func (p *fakePin) Read() Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *fakePin) Watch(_ Edge, handler func()) error {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
	return nil
}

func (p *fakePin) Unwatch() error {
	p.mu.Lock()
	p.handler = nil
	p.mu.Unlock()
	return nil
}

// fire invokes the watch handler, as a falling edge on the line would.
func (p *fakePin) fire() {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h()
	}
}

// driven reports the level the pin is currently driving, or 'z' if it is an
// input (driven by the chip).
func (p *fakePin) driven() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != "out" {
		return 'z'
	}
	if p.level == High {
		return '1'
	}
	return '0'
}

type fakeSPI struct {
	mu      sync.Mutex
	rxQueue [][]byte
	reads   []int // lengths of the receive buffers passed to Tx
	wroteTx bool  // whether any Tx call supplied a write buffer
	err     error
}

func (s *fakeSPI) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if w != nil {
		s.wroteTx = true
	}
	s.reads = append(s.reads, len(r))
	if len(s.rxQueue) > 0 {
		next := s.rxQueue[0]
		s.rxQueue = s.rxQueue[1:]
		copy(r, next)
	}
	return nil
}

func (s *fakeSPI) queueRx(data []byte) {
	s.mu.Lock()
	s.rxQueue = append(s.rxQueue, data)
	s.mu.Unlock()
}

type fakePort struct {
	spi      *fakeSPI
	connects int
}

func (p *fakePort) Connect() (SPI, error) {
	p.connects++
	return p.spi, nil
}

// fakeChip bundles the two lines of a simulated CS1237. While conversions
// are running it pulses the data-ready line every couple of milliseconds,
// the way a live chip signals each completed conversion.
type fakeChip struct {
	sck  *fakePin
	data *fakePin
	stop chan struct{}
}

func newFakeChip() *fakeChip {
	return &fakeChip{sck: &fakePin{}, data: &fakePin{}}
}

func (c *fakeChip) startConversions() {
	c.stop = make(chan struct{})
	go func() {
		for {
			select {
			case <-c.stop:
				return
			case <-time.After(2 * time.Millisecond):
				c.data.fire()
			}
		}
	}()
}

func (c *fakeChip) stopConversions() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *fakeChip) hardware(cfg Config) HardwareConfig {
	return HardwareConfig{
		Config: cfg,
		SCK:    c.sck,
		Data:   c.data,
		Delay:  &fakeDelayer{},
	}
}

func newTestDevice(t *testing.T, cfg Config) (*Device, *fakeChip, *fakeSPI) {
	t.Helper()

	chip := newFakeChip()
	chip.startConversions()
	t.Cleanup(chip.stopConversions)

	spi := &fakeSPI{}
	dev, err := NewWithHardware(chip.hardware(cfg), &fakePort{spi: spi})
	if err != nil {
		t.Fatalf("NewWithHardware failed: %v", err)
	}
	return dev, chip, spi
}

// --- Tests ---

func TestControlBytePacking(t *testing.T) {
	for rate := SampleRate(0); rate < 4; rate++ {
		for gain := Gain(0); gain < 4; gain++ {
			for ch := Channel(0); ch < 4; ch++ {
				c := Config{SampleRate: rate, Gain: gain, Channel: ch}
				want := byte(rate)<<4 | byte(gain)<<2 | byte(ch)
				if got := c.controlByte(); got != want {
					t.Errorf("controlByte(%v/%v/%v) = 0x%02X, want 0x%02X",
						rate, gain, ch, got, want)
				}
			}
		}
	}

	// The default configuration packs to 0x0C: rate 0, gain 3, channel 0.
	if got := DefaultConfig().controlByte(); got != 0x0C {
		t.Errorf("DefaultConfig().controlByte() = 0x%02X, want 0x0C", got)
	}
}

func TestDecodeSample(t *testing.T) {
	cases := []struct {
		raw  []byte
		want int32
	}{
		{[]byte{0x00, 0x00, 0x01}, 1},
		{[]byte{0xFF, 0xFF, 0xFF}, -1},
		{[]byte{0x80, 0x00, 0x00}, -8388608},
		{[]byte{0x7F, 0xFF, 0xFF}, 8388607},
		{[]byte{0x00, 0x00, 0x00}, 0},
	}
	for _, c := range cases {
		if got := decodeSample(c.raw); got != c.want {
			t.Errorf("decodeSample(%X) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestInitialization(t *testing.T) {
	chip := newFakeChip()
	chip.startConversions()
	defer chip.stopConversions()

	spi := &fakeSPI{}
	port := &fakePort{spi: spi}
	dev, err := NewWithHardware(chip.hardware(DefaultConfig()), port)
	if err != nil {
		t.Fatalf("NewWithHardware failed: %v", err)
	}
	defer dev.Close()

	if port.connects != 1 {
		t.Errorf("expected the SPI port to be bound exactly once, got %d", port.connects)
	}

	// The data line must be released back to a floating input for readout.
	chip.data.mu.Lock()
	mode, pull := chip.data.mode, chip.data.pull
	chip.data.mu.Unlock()
	if mode != "in" || pull != PullFloat {
		t.Errorf("expected data line to end as floating input, got mode=%s pull=%d", mode, pull)
	}
}

func TestInitializationWriteSequence(t *testing.T) {
	chip := newFakeChip()
	chip.startConversions()
	defer chip.stopConversions()

	// Sample the level driven on the data line at every rising clock edge.
	// 'z' marks pulses where the chip owns the line.
	var samples []byte
	chip.sck.onOut = func(l Level) {
		if l == High {
			samples = append(samples, chip.data.driven())
		}
	}

	delay := &fakeDelayer{}
	hw := chip.hardware(DefaultConfig())
	hw.Delay = delay

	dev, err := NewWithHardware(hw, &fakePort{spi: &fakeSPI{}})
	if err != nil {
		t.Fatalf("NewWithHardware failed: %v", err)
	}
	defer dev.Close()

	// The first high transition is the power-off hold, then 46 pulses:
	// 29 discard, 7 command bits (0x65), 1 gap bit, 8 config bits (0x0C),
	// 1 latch pulse.
	want := "z" +
		strings.Repeat("z", 29) +
		"1100101" +
		"0" +
		"00001100" +
		"z"
	if got := string(samples); got != want {
		t.Errorf("write sequence mismatch:\ngot  %s\nwant %s", got, want)
	}

	// One power-off hold plus two half-bit delays per pulse.
	if len(delay.slept) != 1+2*46 {
		t.Fatalf("expected %d delays, got %d", 1+2*46, len(delay.slept))
	}
	if delay.slept[0] != time.Millisecond {
		t.Errorf("power-off hold = %v, want %v", delay.slept[0], time.Millisecond)
	}
	for i, d := range delay.slept[1:] {
		if d != time.Microsecond {
			t.Errorf("bit delay %d = %v, want %v", i, d, time.Microsecond)
		}
	}
}

func TestInitializationTimeoutNoChip(t *testing.T) {
	// No conversions: the data line never falls after power-on.
	chip := newFakeChip()

	_, err := NewWithHardware(chip.hardware(DefaultConfig()), &fakePort{spi: &fakeSPI{}})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestInitializationTimeoutAfterConfigure(t *testing.T) {
	// The chip wakes up once but never signals ready after the latch pulse.
	chip := newFakeChip()
	var once sync.Once
	chip.sck.onOut = func(l Level) {
		if l == Low {
			once.Do(func() {
				time.AfterFunc(5*time.Millisecond, chip.data.fire)
			})
		}
	}

	_, err := NewWithHardware(chip.hardware(DefaultConfig()), &fakePort{spi: &fakeSPI{}})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestInitializationValidation(t *testing.T) {
	chip := newFakeChip()

	if _, err := NewWithHardware(HardwareConfig{Data: chip.data}, &fakePort{}); err == nil {
		t.Error("expected error with missing SCK pin")
	}
	if _, err := NewWithHardware(HardwareConfig{SCK: chip.sck}, &fakePort{}); err == nil {
		t.Error("expected error with missing Data pin")
	}
	if _, err := NewWithHardware(chip.hardware(DefaultConfig()), nil); err == nil {
		t.Error("expected error with missing SPI port")
	}
}

func TestReadDecodesSamples(t *testing.T) {
	dev, _, spi := newTestDevice(t, DefaultConfig())
	defer dev.Close()

	// Two distinct conversions must decode to two distinct values; each
	// read waits for a fresh ready edge rather than reusing a stale one.
	spi.queueRx([]byte{0x00, 0x00, 0x01})
	spi.queueRx([]byte{0xFF, 0xFF, 0xFF})

	v1, err := dev.Read()
	if err != nil {
		t.Fatalf("first Read failed: %v", err)
	}
	v2, err := dev.Read()
	if err != nil {
		t.Fatalf("second Read failed: %v", err)
	}

	if v1 != 1 || v2 != -1 {
		t.Errorf("Read returned (%d, %d), want (1, -1)", v1, v2)
	}

	spi.mu.Lock()
	defer spi.mu.Unlock()
	if len(spi.reads) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(spi.reads))
	}
	for _, n := range spi.reads {
		if n != sampleBytes {
			t.Errorf("transfer width = %d bytes, want %d", n, sampleBytes)
		}
	}
	if spi.wroteTx {
		t.Error("expected receive-only transfers, got a write buffer")
	}
}

func TestReadTimeout(t *testing.T) {
	dev, chip, _ := newTestDevice(t, DefaultConfig())
	defer dev.Close()

	// The chip stops producing ready edges; any edge latched before the
	// call must not satisfy it.
	chip.stopConversions()
	time.Sleep(5 * time.Millisecond)

	_, err := dev.Read()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestReadTransferError(t *testing.T) {
	dev, _, spi := newTestDevice(t, DefaultConfig())
	defer dev.Close()

	spi.mu.Lock()
	spi.err = errors.New("bus fault")
	spi.mu.Unlock()

	_, err := dev.Read()
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("expected ErrTransfer, got %v", err)
	}
}

func TestConfigStrings(t *testing.T) {
	c := DefaultConfig()
	want := "CS1237(SampleRate=10sps, Gain=x128, Channel=A)"
	if got := c.String(); got != want {
		t.Errorf("Config.String() = %q, want %q", got, want)
	}

	if SPS1280.String() != "1280sps" {
		t.Errorf("unexpected SampleRate string: %s", SPS1280)
	}
	if Gain64.String() != "x64" {
		t.Errorf("unexpected Gain string: %s", Gain64)
	}
	if ChannelTemperature.String() != "temperature" {
		t.Errorf("unexpected Channel string: %s", ChannelTemperature)
	}
}
