// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import "fmt"

// OnBytesAvailable appends a chunk read from the line to the receive
// buffer and advances the receive machine. Byte arrival never completes
// a frame; the t3.5 expiry does. It reports whether an event was posted.
func (mb *MasterLink) OnBytesAvailable(chunk []byte) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if !mb.rxEnabled || len(chunk) == 0 {
		return false
	}
	// A new frame starts on an idle line.
	if mb.state.rx == ReceiveIdle {
		mb.rxPos = 0
	}
	n := copy(mb.rxBuf[mb.rxPos:], chunk)
	mb.rxPos += n
	overflow := n < len(chunk)

	switch mb.state.rx {
	case ReceiveInit, ReceiveError:
		// Stay put until the line has been silent for t3.5.
		mb.armTimer(TimerInterFrame35)
		return false
	case ReceiveIdle:
		mb.state.tx = SendIdle
		if overflow {
			mb.state.rx = ReceiveError
		} else {
			mb.state.rx = ReceiveReceiving
		}
		mb.events.Post(EventFrameReceived)
		mb.armTimer(TimerInterFrame35)
		return true
	case ReceiveReceiving:
		if overflow {
			mb.state.rx = ReceiveError
		}
		mb.armTimer(TimerInterFrame35)
	}
	return false
}

// Receive validates the frame in the receive buffer and returns its slave
// address and a copy of its PDU, so bytes arriving afterwards do not
// change what the caller holds.
func (mb *MasterLink) Receive() (address byte, pdu []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	length := mb.rxPos
	// Minimum size (including address, function and CRC)
	if length < rtuMinSize {
		err = fmt.Errorf("%w: frame length '%v' does not meet minimum '%v'", ErrIO, length, rtuMinSize)
		return
	}
	adu := mb.rxBuf[:length]
	if CRC16(adu) != 0 {
		checksum := uint16(adu[length-1])<<8 | uint16(adu[length-2])
		err = fmt.Errorf("%w: frame crc '%v' does not match expected '%v'", ErrIO, checksum, CRC16(adu[:length-2]))
		return
	}
	mb.logf("mbmaster: recv % x\n", adu)
	address = adu[0]
	pdu = append([]byte(nil), adu[1:length-2]...)
	return
}
