// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

/*
Package mbmaster implements the master side of the Modbus RTU serial link
layer: frame assembly and validation, inter-frame silence detection and
the response/turnaround supervision of a single master polling slaves on
a shared half-duplex line.
*/
package mbmaster

import (
	"fmt"
	"time"

	"github.com/grid-x/serial"

	"github.com/grid-x/mbmaster/internal/syncutil"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256

	// Address and CRC bytes framing a PDU.
	rtuMaxPDUSize = rtuMaxSize - 3

	// BroadcastAddress is the slave address no slave answers to.
	BroadcastAddress = 0
	// MaxSlaveAddress is the highest unicast address.
	MaxSlaveAddress = 247

	defaultStopBits = 1
)

// ReceiveState is the state of the receive machine.
type ReceiveState int

const (
	ReceiveInit ReceiveState = iota
	ReceiveIdle
	ReceiveReceiving
	ReceiveError
)

func (s ReceiveState) String() string {
	switch s {
	case ReceiveInit:
		return "init"
	case ReceiveIdle:
		return "idle"
	case ReceiveReceiving:
		return "receiving"
	case ReceiveError:
		return "error"
	}
	return fmt.Sprintf("ReceiveState(%d)", int(s))
}

// SendState is the state of the transmit machine.
type SendState int

const (
	SendIdle SendState = iota
	SendTransmitting
	SendAwaitingTurnaround
)

func (s SendState) String() string {
	switch s {
	case SendIdle:
		return "idle"
	case SendTransmitting:
		return "transmitting"
	case SendAwaitingTurnaround:
		return "awaiting turnaround"
	}
	return fmt.Sprintf("SendState(%d)", int(s))
}

// TimerMode is the role the timer was last armed in.
type TimerMode int

const (
	TimerInterFrame35 TimerMode = iota
	TimerResponseTimeout
	TimerConvertDelay
)

func (m TimerMode) String() string {
	switch m {
	case TimerInterFrame35:
		return "t3.5"
	case TimerResponseTimeout:
		return "response timeout"
	case TimerConvertDelay:
		return "convert delay"
	}
	return fmt.Sprintf("TimerMode(%d)", int(m))
}

// linkState is the composite state of both machines. Every handler reads
// and writes it as a whole inside the critical section.
type linkState struct {
	rx        ReceiveState
	tx        SendState
	mode      TimerMode
	broadcast bool
}

// MasterLink is the link layer of one serial line. Exported fields must be
// set before Init.
type MasterLink struct {
	// Tick is the timer resolution the t3.5 interval is counted in.
	Tick time.Duration
	// MaxSlaveAddress is the highest address Send accepts.
	MaxSlaveAddress byte
	StopBits        int
	RS485           serial.RS485Config
	// Transmission logger
	Logger logger

	serial SerialDriver
	timers TimerDriver
	events EventSink
	errs   ErrorSink

	mu         syncutil.Mutex
	state      linkState
	timerArmed bool
	armToken   uint64
	rxEnabled  bool

	rxBuf [rtuMaxSize]byte
	rxPos int
	txBuf [rtuMaxSize]byte
	txLen int
}

// NewMasterLink allocates a link wired to its collaborators.
func NewMasterLink(s SerialDriver, t TimerDriver, events EventSink, errs ErrorSink) *MasterLink {
	return &MasterLink{
		Tick:            defaultTick,
		MaxSlaveAddress: MaxSlaveAddress,
		StopBits:        defaultStopBits,

		serial: s,
		timers: t,
		events: events,
		errs:   errs,
		state:  linkState{rx: ReceiveInit, tx: SendIdle},
	}
}

// Init configures the serial line for 8 data bits and the given parity and
// the timer for the t3.5 silence of baudRate.
func (mb *MasterLink) Init(port string, baudRate int, parity Parity) error {
	opened, err := mb.init(port, baudRate, parity)
	if err != nil && opened {
		// The serial driver waits for its reader, which may be blocked on
		// the link mutex, so it is closed outside the critical section.
		if cerr := mb.serial.Close(); cerr != nil {
			mb.logf("mbmaster: close %s after failed init: %v\n", port, cerr)
		}
	}
	return err
}

// init reports whether the serial driver was opened, so that Init can
// release it again when a later step fails.
func (mb *MasterLink) init(port string, baudRate int, parity Parity) (bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	cfg := SerialConfig{
		Address:  port,
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   parity,
		StopBits: mb.StopBits,
		RS485:    mb.RS485,
	}
	if err := mb.serial.Init(cfg, mb); err != nil {
		return false, fmt.Errorf("%w: could not configure %s: %w", ErrPort, port, err)
	}
	interFrame := frameDelay(baudRate, mb.Tick)
	if err := mb.timers.Init(interFrame, mb); err != nil {
		return true, fmt.Errorf("%w: could not configure timers: %w", ErrPort, err)
	}
	mb.state = linkState{rx: ReceiveInit, tx: SendIdle}
	mb.timerArmed = false
	mb.armToken = 0
	mb.rxPos = 0
	mb.txLen = 0
	mb.logf("mbmaster: %s configured at %d baud, parity %v, t3.5 %v\n", port, baudRate, parity, interFrame)
	return true, nil
}

// Start lets the line settle: the receive machine waits in Init for one
// t3.5 of silence and then posts EventReady.
func (mb *MasterLink) Start() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.state.rx = ReceiveInit
	mb.rxPos = 0
	mb.setReceiverEnabled(true, false)
	mb.armTimer(TimerInterFrame35)
}

// Stop disables the line and all timers.
func (mb *MasterLink) Stop() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.setReceiverEnabled(false, false)
	mb.disarmTimers()
}

// Close stops the link and releases the serial driver.
func (mb *MasterLink) Close() error {
	mb.Stop()
	return mb.serial.Close()
}

// armTimer enables the timer role for mode. Caller must hold the mutex.
func (mb *MasterLink) armTimer(mode TimerMode) {
	mb.state.mode = mode
	mb.timerArmed = true
	switch mode {
	case TimerInterFrame35:
		mb.armToken = mb.timers.EnableInterFrameTimer()
	case TimerResponseTimeout:
		mb.armToken = mb.timers.EnableResponseTimeoutTimer()
	case TimerConvertDelay:
		mb.armToken = mb.timers.EnableConvertDelayTimer()
	}
}

// disarmTimers disables every timer role. Caller must hold the mutex.
func (mb *MasterLink) disarmTimers() {
	mb.timerArmed = false
	mb.armToken = 0
	mb.timers.DisableAllTimers()
}

// setReceiverEnabled switches line direction. Caller must hold the mutex.
func (mb *MasterLink) setReceiverEnabled(rx, tx bool) {
	mb.rxEnabled = rx
	mb.serial.SetReceiverEnabled(rx, tx)
}

func (mb *MasterLink) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}
