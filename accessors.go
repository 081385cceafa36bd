package mbmaster

// SendBuffer returns the PDU area of the send buffer. A PDU written there
// can be passed to Send without an extra copy:
//
//	buf := link.SendBuffer()
//	n := copy(buf, pdu)
//	err := link.Send(slave, buf[:n])
func (mb *MasterLink) SendBuffer() []byte {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.txBuf[1 : 1+rtuMaxPDUSize]
}

// SendLength is the size of the last framed request including address and CRC.
func (mb *MasterLink) SendLength() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.txLen
}

// SendFrame returns a copy of the last framed request.
func (mb *MasterLink) SendFrame() []byte {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]byte(nil), mb.txBuf[:mb.txLen]...)
}

// ReceiveBuffer returns the bytes received so far. The slice aliases the
// receive buffer.
func (mb *MasterLink) ReceiveBuffer() []byte {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.rxBuf[:mb.rxPos]
}

// ReceiveLength is the fill position of the receive buffer.
func (mb *MasterLink) ReceiveLength() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.rxPos
}

// IsBroadcast reports whether the last framed request was a broadcast.
func (mb *MasterLink) IsBroadcast() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.state.broadcast
}

// TimerMode returns the role the timer was last armed in.
func (mb *MasterLink) TimerMode() TimerMode {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.state.mode
}

// SetTimerMode overrides the recorded timer role without arming anything.
func (mb *MasterLink) SetTimerMode(mode TimerMode) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.state.mode = mode
}

// ReceiveState returns the state of the receive machine.
func (mb *MasterLink) ReceiveState() ReceiveState {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.state.rx
}

// SendState returns the state of the transmit machine.
func (mb *MasterLink) SendState() SendState {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.state.tx
}
