package mbmaster

import (
	"errors"
	"sync"
	"time"
)

const (
	// Default turnaround supervision
	defaultResponseTimeout = 1 * time.Second
	defaultConvertDelay    = 200 * time.Millisecond
)

// Timers is the TimerDriver backed by a single time.AfterFunc. Enabling a
// role stops the timer armed before it.
type Timers struct {
	// ResponseTimeout is how long the master waits for a reply.
	ResponseTimeout time.Duration
	// ConvertDelay is the pause after a broadcast before the next request.
	ConvertDelay time.Duration
	Logger       logger

	mu         sync.Mutex
	interFrame time.Duration
	handler    TimerHandler
	timer      *time.Timer
	// gen identifies the armed timer and is handed out as its token.
	gen uint64
}

// NewTimers creates a timer driver with default timeouts.
func NewTimers() *Timers {
	return &Timers{
		ResponseTimeout: defaultResponseTimeout,
		ConvertDelay:    defaultConvertDelay,
	}
}

// Init sets the t3.5 interval and the expiry handler.
func (mb *Timers) Init(interFrame time.Duration, h TimerHandler) error {
	if interFrame <= 0 {
		return errors.New("inter-frame delay must be positive")
	}
	if mb.ResponseTimeout <= 0 || mb.ConvertDelay <= 0 {
		return errors.New("response timeout and convert delay must be positive")
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.stop()
	mb.interFrame = interFrame
	mb.handler = h
	return nil
}

// InterFrame returns the configured t3.5 interval.
func (mb *Timers) InterFrame() time.Duration {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.interFrame
}

// EnableInterFrameTimer arms the t3.5 timer.
func (mb *Timers) EnableInterFrameTimer() uint64 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.start(mb.interFrame)
}

// EnableResponseTimeoutTimer arms the response timeout.
func (mb *Timers) EnableResponseTimeoutTimer() uint64 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.start(mb.ResponseTimeout)
}

// EnableConvertDelayTimer arms the post-broadcast delay.
func (mb *Timers) EnableConvertDelayTimer() uint64 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.start(mb.ConvertDelay)
}

// DisableAllTimers stops whatever is armed.
func (mb *Timers) DisableAllTimers() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.stop()
}

// start replaces the armed timer and returns its generation. Caller must
// hold the mutex.
func (mb *Timers) start(d time.Duration) uint64 {
	mb.stop()
	gen := mb.gen
	mb.timer = time.AfterFunc(d, func() { mb.expired(gen) })
	return gen
}

// stop disarms the timer. Caller must hold the mutex.
func (mb *Timers) stop() {
	mb.gen++
	if mb.timer != nil {
		mb.timer.Stop()
		mb.timer = nil
	}
}

func (mb *Timers) expired(gen uint64) {
	mb.mu.Lock()
	h := mb.handler
	if gen != mb.gen || h == nil {
		mb.mu.Unlock()
		return
	}
	mb.timer = nil
	mb.mu.Unlock()

	// The handler disables or re-arms timers, so the mutex is released
	// first. A timer re-armed in between is caught by the handler through
	// the token.
	if _, err := h.OnTimerFired(gen); err != nil {
		mb.logf("mbmaster: timer expired: %v\n", err)
	}
}

func (mb *Timers) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}
