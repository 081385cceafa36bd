// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

const (
	defaultBaudRate = 19200
	defaultRetries  = 2
)

// RTUClientHandler owns the link of one serial line together with its
// drivers and event queue, and runs request/response transactions on it.
// Exported fields must be set before Connect.
type RTUClientHandler struct {
	// Device path, e.g. /dev/ttyUSB0
	Address  string
	BaudRate int
	Parity   Parity
	StopBits int
	RS485    serial.RS485Config
	Backend  Backend

	// Tick is the timer resolution the t3.5 interval is counted in.
	Tick            time.Duration
	ResponseTimeout time.Duration
	ConvertDelay    time.Duration

	MaxSlaveAddress byte
	SlaveID         byte
	// Retries is how often a request is repeated after a link or frame error.
	Retries int
	// Transmission logger
	Logger logger

	// Replaced in tests.
	serialDriver SerialDriver
	timerDriver  TimerDriver

	mu     sync.Mutex
	link   *MasterLink
	events *EventQueue
}

// NewRTUClientHandler allocates and initializes a RTUClientHandler.
func NewRTUClientHandler(address string) *RTUClientHandler {
	return &RTUClientHandler{
		Address:         address,
		BaudRate:        defaultBaudRate,
		Parity:          ParityEven,
		StopBits:        defaultStopBits,
		Tick:            defaultTick,
		ResponseTimeout: defaultResponseTimeout,
		ConvertDelay:    defaultConvertDelay,
		MaxSlaveAddress: MaxSlaveAddress,
		SlaveID:         1,
		Retries:         defaultRetries,
	}
}

// RTUClient connects a handler with default configuration and returns a
// client on it.
func RTUClient(ctx context.Context, address string) (Client, *RTUClientHandler, error) {
	handler := NewRTUClientHandler(address)
	if err := handler.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return NewClient(handler), handler, nil
}

// SetSlave sets modbus slave id for the next client operations
func (mb *RTUClientHandler) SetSlave(slaveID byte) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.SlaveID = slaveID
}

// Connect opens the line, starts the link and waits until the line has
// settled.
func (mb *RTUClientHandler) Connect(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.link != nil {
		return nil
	}
	s := mb.serialDriver
	if s == nil {
		port := NewSerialPort(mb.Backend)
		port.Logger = mb.Logger
		s = port
	}
	t := mb.timerDriver
	if t == nil {
		timers := NewTimers()
		if mb.ResponseTimeout > 0 {
			timers.ResponseTimeout = mb.ResponseTimeout
		}
		if mb.ConvertDelay > 0 {
			timers.ConvertDelay = mb.ConvertDelay
		}
		timers.Logger = mb.Logger
		t = timers
	}
	events := NewEventQueue()
	events.Logger = mb.Logger

	link := NewMasterLink(s, t, events, events)
	link.Tick = mb.Tick
	link.MaxSlaveAddress = mb.MaxSlaveAddress
	if mb.StopBits > 0 {
		link.StopBits = mb.StopBits
	}
	link.RS485 = mb.RS485
	link.Logger = mb.Logger

	if err := link.Init(mb.Address, mb.BaudRate, mb.Parity); err != nil {
		return err
	}
	link.Start()
	if err := awaitReady(ctx, events); err != nil {
		if cerr := link.Close(); cerr != nil {
			mb.logf("modbus: close %s after failed start: %v\n", mb.Address, cerr)
		}
		return fmt.Errorf("modbus: link on %s not ready: %w", mb.Address, err)
	}
	mb.link, mb.events = link, events
	return nil
}

// Close stops the link and closes the port.
func (mb *RTUClientHandler) Close() (err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.link != nil {
		err = mb.link.Close()
		mb.link, mb.events = nil, nil
	}
	return
}

// Link returns the connected link, nil before Connect.
func (mb *RTUClientHandler) Link() *MasterLink {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.link
}

func awaitReady(ctx context.Context, events *EventQueue) error {
	for {
		ev, err := events.Wait(ctx)
		if err != nil {
			return err
		}
		if ev == EventReady {
			return nil
		}
	}
}

// Send runs one transaction with the current slave, retrying link and
// frame errors.
func (mb *RTUClientHandler) Send(ctx context.Context, request *ProtocolDataUnit) (*ProtocolDataUnit, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.SlaveID == BroadcastAddress {
		return nil, fmt.Errorf("modbus: slave id '%v' is the broadcast address, use Broadcast", BroadcastAddress)
	}
	return mb.sendTo(ctx, mb.SlaveID, request)
}

// Broadcast sends request to every slave and returns once the
// post-broadcast delay has elapsed. A broadcast is sent once; a frame
// arriving during the delay fails it.
func (mb *RTUClientHandler) Broadcast(ctx context.Context, request *ProtocolDataUnit) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	_, err := mb.sendTo(ctx, BroadcastAddress, request)
	return err
}

// sendTo runs the transaction with retries. Caller must hold the mutex.
func (mb *RTUClientHandler) sendTo(ctx context.Context, slave byte, request *ProtocolDataUnit) (response *ProtocolDataUnit, err error) {
	if mb.link == nil {
		return nil, fmt.Errorf("modbus: handler for %s is not connected", mb.Address)
	}
	for attempt := 0; attempt <= mb.Retries; attempt++ {
		response, err = mb.transaction(ctx, slave, request.encode())
		if err == nil || !retryable(err) || slave == BroadcastAddress {
			return
		}
		mb.logf("modbus: attempt %d failed: %v\n", attempt+1, err)
	}
	return
}

func retryable(err error) bool {
	var linkErr *LinkError
	return errors.As(err, &linkErr) || errors.Is(err, ErrIO) || errors.Is(err, errSlaveMismatch)
}

var (
	errSlaveMismatch     = errors.New("modbus: response slave id does not match request")
	errBroadcastAnswered = errors.New("modbus: unexpected response to broadcast")
)

// transaction sends pdu and waits for the events that end it. Caller must
// hold the mutex.
func (mb *RTUClientHandler) transaction(ctx context.Context, slave byte, pdu []byte) (*ProtocolDataUnit, error) {
	// Left over from an earlier transaction.
	mb.events.Drain()

	if err := mb.transmit(ctx, slave, pdu); err != nil {
		return nil, err
	}
	broadcast := slave == BroadcastAddress
	for {
		ev, err := mb.events.Wait(ctx)
		if err != nil {
			return nil, err
		}
		switch ev {
		case EventFrameReceived:
			// Posted on the first chunk as well; the frame is complete
			// once t3.5 of silence put the receive machine back in Idle.
			if mb.link.ReceiveState() != ReceiveIdle {
				continue
			}
			// The frame replaced the convert delay, so no Execute follows.
			if broadcast {
				return nil, errBroadcastAnswered
			}
			address, data, err := mb.link.Receive()
			if err != nil {
				return nil, err
			}
			if address != slave {
				return nil, fmt.Errorf("%w: '%v' != '%v'", errSlaveMismatch, address, slave)
			}
			return decodePDU(data), nil
		case EventErrorProcess:
			return nil, &LinkError{Kind: mb.events.ErrorKind()}
		case EventExecute:
			if broadcast {
				return nil, nil
			}
		}
	}
}

// transmit hands pdu to the link, waiting out a transaction that is still
// in progress. Caller must hold the mutex.
func (mb *RTUClientHandler) transmit(ctx context.Context, slave byte, pdu []byte) error {
	for {
		err := mb.link.Send(slave, pdu)
		if err == nil || !errors.Is(err, ErrIO) {
			return err
		}
		// The failed Send reset the receive machine. If the send machine
		// is idle too, the next attempt goes through; otherwise the next
		// expiry frees it.
		if mb.link.SendState() == SendIdle {
			continue
		}
		mb.logf("modbus: %v\n", err)
		if _, err := mb.events.Wait(ctx); err != nil {
			return err
		}
	}
}

func (mb *RTUClientHandler) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}
