package mbmaster

// expiryAction is one event to post, optionally preceded by recording an
// error kind.
type expiryAction struct {
	kind  ErrorKind
	event Event
}

// expiryResult lists what a timer expiry asks of the collaborators, in
// the order it must happen.
type expiryResult struct {
	actions            []expiryAction
	disableReceiver    bool
	resetReceiveBuffer bool
}

func (r *expiryResult) post(ev Event) {
	r.actions = append(r.actions, expiryAction{event: ev})
}

func (r *expiryResult) fail(kind ErrorKind) {
	r.actions = append(r.actions, expiryAction{kind: kind, event: EventErrorProcess})
}

// expire is the single transition taken when the timer fires. The receive
// side is decided before the send side and both machines end up Idle
// whatever the input, so one expiry is never handled twice. An
// impossible input still converges and is reported as an error.
func (s linkState) expire() (linkState, expiryResult, error) {
	var (
		res expiryResult
		err error
	)

	switch s.rx {
	case ReceiveInit:
		res.post(EventReady)
	case ReceiveIdle:
		if s.tx == SendAwaitingTurnaround {
			res.disableReceiver = true
		}
	case ReceiveReceiving:
		res.post(EventFrameReceived)
	case ReceiveError:
		res.fail(ErrorKindReceiveData)
		res.resetReceiveBuffer = true
	default:
		err = &InvariantError{Op: "timer expired", Receive: s.rx, Send: s.tx}
	}

	switch s.tx {
	case SendAwaitingTurnaround:
		// Nobody answers a broadcast.
		if !s.broadcast {
			res.fail(ErrorKindResponseTimeout)
		}
	case SendIdle:
	default:
		if err == nil {
			err = &InvariantError{Op: "timer expired", Receive: s.rx, Send: s.tx}
		}
	}

	if s.mode == TimerConvertDelay {
		res.post(EventExecute)
	}

	next := s
	next.rx = ReceiveIdle
	next.tx = SendIdle
	return next, res, err
}

// OnTimerExpired takes the expiry transition unconditionally and reports
// whether any event was posted. Both machines are Idle and the timer is
// disabled afterwards.
func (mb *MasterLink) OnTimerExpired() (bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.expireLocked()
}

// OnTimerFired is called by the timer driver with the token the expired
// timer was armed under. The call is dropped when that timer has since
// been disabled or replaced: the timer armed in its place is still
// running and will report its own expiry.
func (mb *MasterLink) OnTimerFired(token uint64) (bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if !mb.timerArmed || token != mb.armToken {
		return false, nil
	}
	return mb.expireLocked()
}

// expireLocked applies the expiry transition. Caller must hold the mutex.
func (mb *MasterLink) expireLocked() (bool, error) {
	next, res, err := mb.state.expire()
	if res.disableReceiver {
		mb.setReceiverEnabled(false, false)
	}
	if res.resetReceiveBuffer {
		mb.rxPos = 0
	}
	mb.disarmTimers()
	for _, a := range res.actions {
		if a.kind != ErrorKindNone {
			mb.errs.SetErrorKind(a.kind)
		}
		mb.events.Post(a.event)
	}
	mb.state = next
	if err != nil {
		mb.logf("%v\n", err)
	}
	return len(res.actions) > 0, err
}
