package mbmaster

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfiguresCollaborators(t *testing.T) {
	s := &fakeSerial{}
	tm := &fakeTimers{}
	q := NewEventQueue()
	l := NewMasterLink(s, tm, q, q)

	require.NoError(t, l.Init("/dev/ttyS0", 9600, ParityOdd))

	assert.Equal(t, "/dev/ttyS0", s.cfg.Address)
	assert.Equal(t, 9600, s.cfg.BaudRate)
	assert.Equal(t, 8, s.cfg.DataBits)
	assert.Equal(t, ParityOdd, s.cfg.Parity)
	assert.Equal(t, 1, s.cfg.StopBits)
	assert.Equal(t, 4*time.Millisecond, tm.interFrame)
	assert.Equal(t, ReceiveInit, l.ReceiveState())
	assert.Equal(t, SendIdle, l.SendState())
}

func TestInitPortError(t *testing.T) {
	q := NewEventQueue()

	l := NewMasterLink(&fakeSerial{initErr: errors.New("no such device")}, &fakeTimers{}, q, q)
	err := l.Init("/dev/ttyS9", 9600, ParityNone)
	assert.ErrorIs(t, err, ErrPort)
	assert.ErrorContains(t, err, "no such device")

	s := &fakeSerial{}
	l = NewMasterLink(s, &fakeTimers{initErr: errors.New("no timer")}, q, q)
	err = l.Init("/dev/ttyS0", 9600, ParityNone)
	assert.ErrorIs(t, err, ErrPort)
	assert.ErrorContains(t, err, "no timer")
	// The line opened before the timer failed is released again.
	assert.True(t, s.closed)
}

func TestInitUsesFrameDelay(t *testing.T) {
	for _, baudRate := range []int{1200, 9600, 19200, 38400} {
		tm := &fakeTimers{}
		q := NewEventQueue()
		l := NewMasterLink(&fakeSerial{}, tm, q, q)
		l.Tick = 100 * time.Microsecond
		require.NoError(t, l.Init("/dev/ttyS0", baudRate, ParityNone))
		assert.Equal(t, frameDelay(baudRate, l.Tick), tm.interFrame, "baud rate %d", baudRate)
	}
}

func TestStartPostsReadyAfterSilence(t *testing.T) {
	s := &fakeSerial{}
	tm := &fakeTimers{}
	q := NewEventQueue()
	l := NewMasterLink(s, tm, q, q)
	require.NoError(t, l.Init("/dev/ttyS0", 19200, ParityEven))

	l.Start()
	assert.True(t, tm.armed)
	assert.Equal(t, TimerInterFrame35, tm.role)
	rx, _ := s.direction()
	assert.True(t, rx)

	// Noise while settling only restarts the silence.
	assert.False(t, l.OnBytesAvailable([]byte{0xff, 0x00}))
	assert.Equal(t, ReceiveInit, l.ReceiveState())
	assert.Equal(t, 2, tm.enabled)
	assert.Empty(t, pending(q))

	posted, err := l.OnTimerExpired()
	require.NoError(t, err)
	assert.True(t, posted)
	assert.Equal(t, []Event{EventReady}, pending(q))
	assert.Equal(t, ReceiveIdle, l.ReceiveState())
	assert.False(t, tm.armed)
}

func TestSendFramesRequest(t *testing.T) {
	l := newTestLink()

	require.NoError(t, l.Send(0x11, []byte{0x03, 0x00, 0x6b, 0x00, 0x03}))

	frame := l.serial.lastFrame()
	assert.Equal(t, []byte{0x11, 0x03, 0x00, 0x6b, 0x00, 0x03, 0x76, 0x87}, frame)
	assert.Equal(t, frame, l.SendFrame())
	assert.Equal(t, 8, l.SendLength())
	assert.Equal(t, SendTransmitting, l.SendState())
	assert.False(t, l.IsBroadcast())
	rx, tx := l.serial.direction()
	assert.False(t, rx)
	assert.True(t, tx)
}

func TestSendStagedPDU(t *testing.T) {
	l := newTestLink()

	buf := l.SendBuffer()
	require.Len(t, buf, 253)
	n := copy(buf, []byte{0x01, 0x00, 0x13, 0x00, 0x25})
	require.NoError(t, l.Send(0x01, buf[:n]))

	assert.Equal(t, rtuFrame(0x01, 0x01, 0x00, 0x13, 0x00, 0x25), l.serial.lastFrame())
}

func TestSendInvalidArgument(t *testing.T) {
	l := newTestLink()

	tests := []struct {
		name  string
		slave byte
		pdu   []byte
	}{
		{"slave above range", 248, []byte{0x03}},
		{"empty pdu", 1, nil},
		{"oversized pdu", 1, make([]byte, 254)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Send(tt.slave, tt.pdu)
			assert.ErrorIs(t, err, ErrInvalidArg)
			assert.Equal(t, SendIdle, l.SendState())
			assert.Empty(t, l.serial.frames)
		})
	}
}

func TestSendConfigurableMaxSlaveAddress(t *testing.T) {
	l := newTestLink()
	l.MaxSlaveAddress = 16

	assert.ErrorIs(t, l.Send(17, []byte{0x03}), ErrInvalidArg)
	assert.NoError(t, l.Send(16, []byte{0x03}))
}

func TestSendWhileBusyRecoversReceiveMachine(t *testing.T) {
	tests := []struct {
		name string
		rx   ReceiveState
		tx   SendState
	}{
		{"transmitting", ReceiveIdle, SendTransmitting},
		{"awaiting turnaround", ReceiveIdle, SendAwaitingTurnaround},
		{"receiving while transmitting", ReceiveReceiving, SendTransmitting},
		{"receive error", ReceiveError, SendIdle},
		{"still settling", ReceiveInit, SendIdle},
		{"error while awaiting", ReceiveError, SendAwaitingTurnaround},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLink()
			l.state.rx, l.state.tx = tt.rx, tt.tx

			err := l.Send(1, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
			assert.ErrorIs(t, err, ErrIO)
			assert.Equal(t, ReceiveIdle, l.ReceiveState())
			assert.Equal(t, tt.tx, l.SendState())
			assert.Empty(t, l.serial.frames)
		})
	}
}

func TestSendWhileReceivingStartsNewTransaction(t *testing.T) {
	l := newTestLink()
	l.OnBytesAvailable([]byte{0x01, 0x03})
	pending(l.events)
	require.Equal(t, ReceiveReceiving, l.ReceiveState())

	require.NoError(t, l.Send(1, []byte{0x03, 0x00, 0x00, 0x00, 0x01}))
	assert.Equal(t, ReceiveIdle, l.ReceiveState())
	assert.Equal(t, 0, l.ReceiveLength())
	assert.False(t, l.timers.armed)
}

func TestTransmitReadyArmsTurnaround(t *testing.T) {
	tests := []struct {
		name  string
		slave byte
		mode  TimerMode
	}{
		{"unicast", 7, TimerResponseTimeout},
		{"broadcast", BroadcastAddress, TimerConvertDelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLink()
			require.NoError(t, l.Send(tt.slave, []byte{0x06, 0x00, 0x01, 0x00, 0x03}))
			assert.Equal(t, tt.slave == BroadcastAddress, l.IsBroadcast())

			poll, err := l.OnTransmitReady()
			require.NoError(t, err)
			assert.True(t, poll)
			assert.Equal(t, SendAwaitingTurnaround, l.SendState())
			assert.Equal(t, tt.mode, l.TimerMode())
			assert.Equal(t, tt.mode, l.timers.role)
			rx, tx := l.serial.direction()
			assert.True(t, rx)
			assert.False(t, tx)

			// A second signal changes nothing.
			poll, err = l.OnTransmitReady()
			require.NoError(t, err)
			assert.False(t, poll)
		})
	}
}

func TestTransmitReadyRequiresIdleReceiver(t *testing.T) {
	l := newTestLink()
	require.NoError(t, l.Send(1, []byte{0x03, 0x00, 0x00, 0x00, 0x01}))
	l.state.rx = ReceiveReceiving

	_, err := l.OnTransmitReady()
	var invErr *InvariantError
	require.ErrorAs(t, err, &invErr)
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, ReceiveReceiving, invErr.Receive)
	assert.Equal(t, SendTransmitting, l.SendState())
}

func TestResponseReceived(t *testing.T) {
	l := newTestLink()
	require.NoError(t, l.Send(0x11, []byte{0x03, 0x00, 0x6b, 0x00, 0x01}))
	_, err := l.OnTransmitReady()
	require.NoError(t, err)

	response := rtuFrame(0x11, 0x03, 0x02, 0xae, 0x41)
	assert.True(t, l.OnBytesAvailable(response[:3]))
	assert.Equal(t, []Event{EventFrameReceived}, pending(l.events))
	assert.Equal(t, ReceiveReceiving, l.ReceiveState())
	assert.Equal(t, SendIdle, l.SendState())
	assert.Equal(t, TimerInterFrame35, l.timers.role)

	assert.False(t, l.OnBytesAvailable(response[3:]))
	assert.Equal(t, response, l.ReceiveBuffer())

	posted, err := l.OnTimerExpired()
	require.NoError(t, err)
	assert.True(t, posted)
	assert.Equal(t, []Event{EventFrameReceived}, pending(l.events))
	assert.Equal(t, ReceiveIdle, l.ReceiveState())
	assert.Equal(t, SendIdle, l.SendState())

	address, pdu, err := l.Receive()
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), address)
	assert.Equal(t, []byte{0x03, 0x02, 0xae, 0x41}, pdu)
	assert.Equal(t, ErrorKindNone, l.events.ErrorKind())

	// Line noise after the frame starts a new one in the buffer.
	assert.True(t, l.OnBytesAvailable([]byte{0xff, 0xee, 0xdd}))
	assert.Equal(t, []byte{0x03, 0x02, 0xae, 0x41}, pdu)
}

func TestResponseTimeout(t *testing.T) {
	l := newTestLink()
	require.NoError(t, l.Send(5, []byte{0x04, 0x00, 0x00, 0x00, 0x02}))
	_, err := l.OnTransmitReady()
	require.NoError(t, err)

	posted, err := l.OnTimerExpired()
	require.NoError(t, err)
	assert.True(t, posted)
	assert.Equal(t, []Event{EventErrorProcess}, pending(l.events))
	assert.Equal(t, ErrorKindResponseTimeout, l.events.ErrorKind())
	rx, tx := l.serial.direction()
	assert.False(t, rx)
	assert.False(t, tx)
	assert.Equal(t, ReceiveIdle, l.ReceiveState())
	assert.Equal(t, SendIdle, l.SendState())
}

func TestBroadcastExpectsNoResponse(t *testing.T) {
	l := newTestLink()
	require.NoError(t, l.Send(BroadcastAddress, []byte{0x06, 0x00, 0x01, 0x00, 0x03}))
	_, err := l.OnTransmitReady()
	require.NoError(t, err)

	posted, err := l.OnTimerExpired()
	require.NoError(t, err)
	assert.True(t, posted)
	assert.Equal(t, []Event{EventExecute}, pending(l.events))
	assert.Equal(t, ErrorKindNone, l.events.ErrorKind())
	assert.Equal(t, SendIdle, l.SendState())
}

func TestReceiveOverflow(t *testing.T) {
	t.Run("single chunk", func(t *testing.T) {
		l := newTestLink()
		assert.True(t, l.OnBytesAvailable(make([]byte, 300)))
		assert.Equal(t, ReceiveError, l.ReceiveState())
		assert.Equal(t, rtuMaxSize, l.ReceiveLength())
		assert.Equal(t, []Event{EventFrameReceived}, pending(l.events))
	})
	t.Run("while receiving", func(t *testing.T) {
		l := newTestLink()
		l.OnBytesAvailable(make([]byte, 200))
		l.OnBytesAvailable(make([]byte, 100))
		assert.Equal(t, ReceiveError, l.ReceiveState())
		assert.Equal(t, rtuMaxSize, l.ReceiveLength())

		_, err := l.OnTimerExpired()
		require.NoError(t, err)
		assert.Equal(t, []Event{EventFrameReceived, EventErrorProcess}, pending(l.events))
		assert.Equal(t, ErrorKindReceiveData, l.events.ErrorKind())
		assert.Equal(t, 0, l.ReceiveLength())
		assert.Equal(t, ReceiveIdle, l.ReceiveState())
	})
	t.Run("maximum frame fits", func(t *testing.T) {
		l := newTestLink()
		l.OnBytesAvailable(rtuFrame(1, make([]byte, rtuMaxPDUSize)...))
		assert.Equal(t, ReceiveReceiving, l.ReceiveState())
		_, _, err := l.Receive()
		assert.NoError(t, err)
	})
}

func TestErrorStateWaitsForSilence(t *testing.T) {
	l := newTestLink()
	l.state.rx = ReceiveError
	enabled := l.timers.enabled

	assert.False(t, l.OnBytesAvailable([]byte{0x01}))
	assert.Equal(t, ReceiveError, l.ReceiveState())
	assert.Equal(t, enabled+1, l.timers.enabled)
	assert.Empty(t, pending(l.events))
}

func TestBytesDroppedWhileReceiverDisabled(t *testing.T) {
	l := newTestLink()
	require.NoError(t, l.Send(1, []byte{0x03, 0x00, 0x00, 0x00, 0x01}))

	// Echo of our own frame while transmitting.
	assert.False(t, l.OnBytesAvailable(l.SendFrame()))
	assert.Equal(t, 0, l.ReceiveLength())
	assert.Equal(t, ReceiveIdle, l.ReceiveState())

	_, err := l.OnTransmitReady()
	assert.NoError(t, err)
}

func TestReceiveRejectsShortFrames(t *testing.T) {
	for n := 0; n < rtuMinSize; n++ {
		l := newTestLink()
		if n > 0 {
			// Valid CRC does not make a short frame acceptable.
			l.OnBytesAvailable(rtuFrame(1, make([]byte, 4)...)[:n])
		}
		_, _, err := l.Receive()
		assert.ErrorIs(t, err, ErrIO, "length %d", n)
	}
}

func TestReceiveRejectsBadCRC(t *testing.T) {
	l := newTestLink()
	frame := rtuFrame(0x11, 0x03, 0x02, 0xae, 0x41)
	frame[len(frame)-1] ^= 0x01
	l.OnBytesAvailable(frame)

	_, _, err := l.Receive()
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorContains(t, err, "crc")
	// Receive does not touch the buffer.
	assert.Equal(t, frame, l.ReceiveBuffer())
}

func TestFramedCRCIsLittleEndian(t *testing.T) {
	l := newTestLink()
	require.NoError(t, l.Send(1, []byte{0x03, 0x00, 0x00, 0x00, 0x0a}))

	frame := l.serial.lastFrame()
	n := len(frame)
	assert.Equal(t, CRC16(frame[:n-2]), binary.LittleEndian.Uint16(frame[n-2:]))
	if diff := cmp.Diff([]byte{0xc5, 0xcd}, frame[n-2:]); diff != "" {
		t.Errorf("crc bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestExpiryConvergesWhenDisarmed(t *testing.T) {
	l := newTestLink()
	l.OnBytesAvailable([]byte{0x01, 0x03})
	pending(l.events)
	// Send disarms the timer and leaves the receiver off while transmitting.
	require.NoError(t, l.Send(1, []byte{0x03, 0x00, 0x00, 0x00, 0x01}))
	require.False(t, l.timers.armed)
	l.state.rx, l.state.tx = ReceiveReceiving, SendIdle

	posted, err := l.OnTimerExpired()
	require.NoError(t, err)
	assert.True(t, posted)
	assert.Equal(t, []Event{EventFrameReceived}, pending(l.events))
	assert.Equal(t, ReceiveIdle, l.ReceiveState())
	assert.Equal(t, SendIdle, l.SendState())
	assert.False(t, l.timers.armed)
}

func TestStaleTimerCallbackDropped(t *testing.T) {
	l := newTestLink()
	frame := rtuFrame(0x11, 0x03, 0x02, 0xae, 0x41)

	l.OnBytesAvailable(frame[:3])
	stale := l.timers.token
	pending(l.events)
	// More bytes restart the silence before the first timer's callback
	// gets hold of the link.
	l.OnBytesAvailable(frame[3:5])
	require.NotEqual(t, stale, l.timers.token)

	posted, err := l.OnTimerFired(stale)
	require.NoError(t, err)
	assert.False(t, posted)
	assert.Equal(t, ReceiveReceiving, l.ReceiveState())
	assert.Equal(t, 5, l.ReceiveLength())
	assert.True(t, l.timers.armed)
	assert.Empty(t, pending(l.events))

	l.OnBytesAvailable(frame[5:])
	posted, err = l.timers.fire(l.MasterLink)
	require.NoError(t, err)
	assert.True(t, posted)
	assert.Equal(t, []Event{EventFrameReceived}, pending(l.events))
	assert.Equal(t, ReceiveIdle, l.ReceiveState())

	address, pdu, err := l.Receive()
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), address)
	assert.Equal(t, []byte{0x03, 0x02, 0xae, 0x41}, pdu)
}

func TestTimerFiredAfterDisable(t *testing.T) {
	l := newTestLink()
	l.OnBytesAvailable([]byte{0x01, 0x03})
	token := l.timers.token
	pending(l.events)
	l.Stop()

	posted, err := l.OnTimerFired(token)
	require.NoError(t, err)
	assert.False(t, posted)
	assert.Equal(t, ReceiveReceiving, l.ReceiveState())
	assert.Empty(t, pending(l.events))
}

func TestStopAndClose(t *testing.T) {
	l := newTestLink()
	l.Start()
	require.True(t, l.timers.armed)

	require.NoError(t, l.Close())
	assert.False(t, l.timers.armed)
	rx, tx := l.serial.direction()
	assert.False(t, rx)
	assert.False(t, tx)
	assert.True(t, l.serial.closed)
	assert.False(t, l.OnBytesAvailable([]byte{0x01}))
}

func TestTimerModeAccessors(t *testing.T) {
	l := newTestLink()
	l.SetTimerMode(TimerConvertDelay)
	assert.Equal(t, TimerConvertDelay, l.TimerMode())
	assert.False(t, l.timers.armed)
}
