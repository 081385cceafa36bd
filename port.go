// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import (
	"time"

	"github.com/grid-x/serial"
)

// logger is the interface to the required logging functions
type logger interface {
	Printf(format string, v ...interface{})
}

// Parity of the serial character frame.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "N"
	case ParityEven:
		return "E"
	case ParityOdd:
		return "O"
	}
	return "?"
}

// ParseParity accepts the single-letter forms used by serial tooling.
func ParseParity(s string) (Parity, bool) {
	switch s {
	case "N", "n":
		return ParityNone, true
	case "E", "e":
		return ParityEven, true
	case "O", "o":
		return ParityOdd, true
	}
	return ParityNone, false
}

// SerialConfig is what the link asks of the serial driver.
type SerialConfig struct {
	Address  string
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits int
	RS485    serial.RS485Config
}

// SerialHandler receives the serial driver's asynchronous signals.
// MasterLink implements it.
type SerialHandler interface {
	// OnBytesAvailable is called with every chunk read from the line.
	OnBytesAvailable(chunk []byte) bool
	// OnTransmitReady is called once a frame handed to PutBuffer is on the wire.
	OnTransmitReady() (bool, error)
}

// SerialDriver is the hardware-facing serial line. Apart from Init and
// Close its methods are called inside the link's critical section and
// must not block.
type SerialDriver interface {
	Init(cfg SerialConfig, h SerialHandler) error
	// PutBuffer starts transmitting frame. The driver must not keep a
	// reference to frame after PutBuffer returns.
	PutBuffer(frame []byte)
	// SetReceiverEnabled switches the half-duplex line direction.
	SetReceiverEnabled(rx, tx bool)
	Close() error
}

// TimerHandler receives timer expiries. MasterLink implements it.
type TimerHandler interface {
	// OnTimerFired reports the expiry of the timer armed under token.
	OnTimerFired(token uint64) (bool, error)
}

// TimerDriver provides the one-shot timer in its three roles. Enabling a
// role replaces whichever role was armed and returns a token that the
// expiry of that timer, and only that timer, is reported with. Methods
// other than Init are called inside the link's critical section and must
// not block.
type TimerDriver interface {
	Init(interFrame time.Duration, h TimerHandler) error
	EnableInterFrameTimer() uint64
	EnableResponseTimeoutTimer() uint64
	EnableConvertDelayTimer() uint64
	DisableAllTimers()
}

// EventSink receives the events the link posts.
type EventSink interface {
	Post(ev Event)
}

// ErrorSink records the classification of the latest timing error.
type ErrorSink interface {
	SetErrorKind(kind ErrorKind)
}
