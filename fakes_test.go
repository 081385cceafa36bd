package mbmaster

import (
	"sync"
	"time"
)

// fakeSerial records what the link asks of the serial line.
type fakeSerial struct {
	mu       sync.Mutex
	initErr  error
	closeErr error
	cfg      SerialConfig
	handler  SerialHandler
	frames   [][]byte
	rx, tx   bool
	closed   bool
}

func (f *fakeSerial) Init(cfg SerialConfig, h SerialHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.cfg, f.handler = cfg, h
	return nil
}

func (f *fakeSerial) PutBuffer(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), frame...))
}

func (f *fakeSerial) SetReceiverEnabled(rx, tx bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx, f.tx = rx, tx
}

func (f *fakeSerial) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeSerial) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeSerial) direction() (rx, tx bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rx, f.tx
}

// fakeTimers records which role is armed. Tests fire expiries by hand.
type fakeTimers struct {
	initErr    error
	interFrame time.Duration
	armed      bool
	role       TimerMode
	enabled    int
	disabled   int
	token      uint64
}

func (f *fakeTimers) Init(interFrame time.Duration, h TimerHandler) error {
	if f.initErr != nil {
		return f.initErr
	}
	f.interFrame = interFrame
	return nil
}

func (f *fakeTimers) enable(mode TimerMode) uint64 {
	f.armed, f.role = true, mode
	f.enabled++
	f.token++
	return f.token
}

func (f *fakeTimers) EnableInterFrameTimer() uint64      { return f.enable(TimerInterFrame35) }
func (f *fakeTimers) EnableResponseTimeoutTimer() uint64 { return f.enable(TimerResponseTimeout) }
func (f *fakeTimers) EnableConvertDelayTimer() uint64    { return f.enable(TimerConvertDelay) }

func (f *fakeTimers) DisableAllTimers() {
	f.armed = false
	f.disabled++
}

// fire delivers the expiry of the currently armed timer.
func (f *fakeTimers) fire(h TimerHandler) (bool, error) {
	return h.OnTimerFired(f.token)
}

// pending returns the queued events without blocking.
func pending(q *EventQueue) []Event {
	var events []Event
	for {
		select {
		case ev := <-q.events:
			events = append(events, ev)
		default:
			return events
		}
	}
}

// rtuFrame appends the CRC to address and pdu.
func rtuFrame(address byte, pdu ...byte) []byte {
	frame := append([]byte{address}, pdu...)
	checksum := CRC16(frame)
	return append(frame, byte(checksum), byte(checksum>>8))
}

type testLink struct {
	*MasterLink
	serial *fakeSerial
	timers *fakeTimers
	events *EventQueue
}

// newTestLink returns an initialized link whose line has settled.
func newTestLink() *testLink {
	s := &fakeSerial{}
	t := &fakeTimers{}
	q := NewEventQueue()
	l := NewMasterLink(s, t, q, q)
	if err := l.Init("/dev/ttyTEST", 19200, ParityEven); err != nil {
		panic(err)
	}
	l.Start()
	l.OnTimerExpired()
	pending(q)
	return &testLink{MasterLink: l, serial: s, timers: t, events: q}
}
