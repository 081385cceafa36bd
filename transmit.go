// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import "fmt"

// Send frames pdu for slave and hands it to the serial driver:
//
//	Slave Address   : 1 byte
//	PDU             : 1 up to 253 bytes
//	CRC             : 2 bytes, low byte first
//
// Send does not wait for the frame to leave the line. It fails with ErrIO
// while a transaction is in progress and puts the receive machine back in
// Idle so the next attempt is not locked out.
func (mb *MasterLink) Send(slave byte, pdu []byte) error {
	if slave > mb.MaxSlaveAddress {
		return fmt.Errorf("%w: slave address '%v' must not be bigger than '%v'", ErrInvalidArg, slave, mb.MaxSlaveAddress)
	}
	if len(pdu) < 1 || len(pdu) > rtuMaxPDUSize {
		return fmt.Errorf("%w: length of pdu '%v' must be between '%v' and '%v'", ErrInvalidArg, len(pdu), 1, rtuMaxPDUSize)
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	rx, tx := mb.state.rx, mb.state.tx
	if (rx != ReceiveIdle && rx != ReceiveReceiving) || tx != SendIdle {
		mb.state.rx = ReceiveIdle
		return fmt.Errorf("%w: link busy, receive '%v' send '%v'", ErrIO, rx, tx)
	}

	// pdu may be the staging area returned by SendBuffer.
	copy(mb.txBuf[1:], pdu)
	mb.txBuf[0] = slave
	length := len(pdu) + 1

	// Append crc
	checksum := CRC16(mb.txBuf[:length])
	mb.txBuf[length] = byte(checksum)
	mb.txBuf[length+1] = byte(checksum >> 8)
	mb.txLen = length + 2

	mb.state.broadcast = slave == BroadcastAddress
	// Anything half received belongs to no transaction.
	mb.state.rx = ReceiveIdle
	mb.rxPos = 0
	mb.disarmTimers()

	mb.logf("mbmaster: send % x\n", mb.txBuf[:mb.txLen])
	mb.setReceiverEnabled(false, true)
	mb.serial.PutBuffer(mb.txBuf[:mb.txLen])
	mb.state.tx = SendTransmitting
	return nil
}

// OnTransmitReady is called by the serial driver once the frame is on the
// wire. It turns the line around and arms the response timeout, or the
// convert delay after a broadcast.
func (mb *MasterLink) OnTransmitReady() (bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.state.rx != ReceiveIdle {
		return false, &InvariantError{Op: "transmit ready", Receive: mb.state.rx, Send: mb.state.tx}
	}
	switch mb.state.tx {
	case SendTransmitting:
		mb.state.tx = SendAwaitingTurnaround
		mb.setReceiverEnabled(true, false)
		if mb.state.broadcast {
			mb.armTimer(TimerConvertDelay)
		} else {
			mb.armTimer(TimerResponseTimeout)
		}
		return true, nil
	case SendIdle, SendAwaitingTurnaround:
		// turnaround completes on timer expiry
	}
	return false, nil
}
