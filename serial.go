// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/grid-x/serial"
	bugst "go.bug.st/serial"
)

const (
	// Default read poll interval
	serialReadTimeout = 10 * time.Millisecond
)

// Backend selects the library used to open the serial device.
type Backend int

const (
	// BackendGridX opens the device with github.com/grid-x/serial, which
	// also drives RS485 RTS switching.
	BackendGridX Backend = iota
	// BackendBugST opens the device with go.bug.st/serial.
	BackendBugST
)

// ParseBackend maps a backend name to its value.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "", "gridx", "grid-x":
		return BackendGridX, nil
	case "bugst", "go.bug.st":
		return BackendBugST, nil
	}
	return BackendGridX, fmt.Errorf("mbmaster: unknown serial backend '%s'", s)
}

type openFunc func(cfg SerialConfig, readTimeout time.Duration) (io.ReadWriteCloser, error)

// SerialPort is the SerialDriver for a local serial device. A reader
// goroutine forwards every chunk read while the receiver is enabled;
// frames are written asynchronously and reported ready once their
// on-wire time has elapsed.
type SerialPort struct {
	Backend     Backend
	ReadTimeout time.Duration
	Logger      logger

	open openFunc

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port     io.ReadWriteCloser
	cfg      SerialConfig
	handler  SerialHandler
	rx, tx   bool
	done     chan struct{}
	readerWg sync.WaitGroup
}

// NewSerialPort creates a serial driver with default configuration.
func NewSerialPort(backend Backend) *SerialPort {
	return &SerialPort{
		Backend:     backend,
		ReadTimeout: serialReadTimeout,
	}
}

// Init opens the port and starts the reader. Reopening an initialized
// port closes it first.
func (mb *SerialPort) Init(cfg SerialConfig, h SerialHandler) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Init runs inside the link's critical section, so a previous reader
	// blocked on the link cannot be waited for here.
	if err := mb.close(); err != nil {
		return err
	}

	timeout := mb.ReadTimeout
	if timeout <= 0 {
		timeout = serialReadTimeout
	}
	port, err := mb.opener()(cfg, timeout)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", cfg.Address, err)
	}
	mb.port = port
	mb.cfg = cfg
	mb.handler = h
	mb.done = make(chan struct{})

	mb.readerWg.Add(1)
	go mb.readLoop(port, h, mb.done, timeout)
	return nil
}

func (mb *SerialPort) opener() openFunc {
	if mb.open != nil {
		return mb.open
	}
	if mb.Backend == BackendBugST {
		return openBugST
	}
	return openGridX
}

// PutBuffer writes a copy of frame in the background and calls
// OnTransmitReady when it has left the line. A failed write is only
// logged; the response timeout recovers the link.
func (mb *SerialPort) PutBuffer(frame []byte) {
	adu := append([]byte(nil), frame...)

	mb.mu.Lock()
	port, h, baudRate := mb.port, mb.handler, mb.cfg.BaudRate
	mb.mu.Unlock()

	go func() {
		if port == nil {
			mb.logf("mbmaster: write on closed port\n")
		} else if _, err := port.Write(adu); err != nil {
			mb.logf("mbmaster: write failed: %v\n", err)
		}
		// Write returns once the driver has queued the bytes.
		time.Sleep(transmitDuration(baudRate, len(adu)))
		if h == nil {
			return
		}
		if _, err := h.OnTransmitReady(); err != nil {
			mb.logf("mbmaster: transmit ready: %v\n", err)
		}
	}()
}

// SetReceiverEnabled gates the reader. Chunks read while rx is false are
// dropped.
func (mb *SerialPort) SetReceiverEnabled(rx, tx bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.rx, mb.tx = rx, tx
}

func (mb *SerialPort) receiverEnabled() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.rx
}

// Close stops the reader and closes the port.
func (mb *SerialPort) Close() (err error) {
	mb.mu.Lock()
	err = mb.close()
	mb.mu.Unlock()

	// The reader may be blocked on the mutex; wait outside of it.
	mb.readerWg.Wait()
	return
}

// close signals the reader and closes the port. Caller must hold the mutex.
func (mb *SerialPort) close() (err error) {
	if mb.done != nil {
		close(mb.done)
		mb.done = nil
	}
	if mb.port != nil {
		err = mb.port.Close()
		mb.port = nil
	}
	mb.rx, mb.tx = false, false
	return
}

func (mb *SerialPort) readLoop(port io.Reader, h SerialHandler, done <-chan struct{}, pause time.Duration) {
	defer mb.readerWg.Done()

	buf := make([]byte, rtuMaxSize)
	for {
		n, err := port.Read(buf)
		select {
		case <-done:
			return
		default:
		}
		if n > 0 && mb.receiverEnabled() {
			h.OnBytesAvailable(buf[:n])
		}
		if err == nil || isTimeout(err) {
			continue
		}
		if errors.Is(err, io.EOF) {
			mb.logf("mbmaster: serial port closed by peer\n")
			return
		}
		mb.logf("mbmaster: read failed: %v\n", err)
		time.Sleep(pause)
	}
}

func (mb *SerialPort) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return strings.Contains(err.Error(), "timeout")
}

func openGridX(cfg SerialConfig, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	return serial.Open(&serial.Config{
		Address:  cfg.Address,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity.String(),
		Timeout:  readTimeout,
		RS485:    cfg.RS485,
	})
}

func openBugST(cfg SerialConfig, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	switch cfg.Parity {
	case ParityEven:
		mode.Parity = bugst.EvenParity
	case ParityOdd:
		mode.Parity = bugst.OddParity
	}
	if cfg.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}
	port, err := bugst.Open(cfg.Address, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return port, nil
}
