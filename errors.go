// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import (
	"errors"
	"fmt"
)

var (
	// ErrPort is returned when the serial or timer driver rejects its configuration.
	ErrPort = errors.New("mbmaster: port error")
	// ErrInvalidArg is returned for an out-of-range slave address or an oversized PDU.
	ErrInvalidArg = errors.New("mbmaster: invalid argument")
	// ErrIO is returned for a frame that fails length or CRC validation,
	// and for a send attempted while the link is mid-transaction.
	ErrIO = errors.New("mbmaster: i/o error")
	// ErrInvariant marks a state combination the link should never reach.
	ErrInvariant = errors.New("mbmaster: state invariant violated")

	// ErrReceiveData matches a *LinkError of kind ErrorKindReceiveData.
	ErrReceiveData = errors.New("mbmaster: receive data error")
	// ErrResponseTimeout matches a *LinkError of kind ErrorKindResponseTimeout.
	ErrResponseTimeout = errors.New("mbmaster: response timeout")
)

// InvariantError reports the handler and the states it observed.
type InvariantError struct {
	Op      string
	Receive ReceiveState
	Send    SendState
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("mbmaster: %s: unexpected state receive '%v' send '%v'", e.Op, e.Receive, e.Send)
}

// Unwrap lets errors.Is match ErrInvariant.
func (e *InvariantError) Unwrap() error {
	return ErrInvariant
}

// LinkError is an error the link detected by timing and reported through
// an error-process event.
type LinkError struct {
	Kind ErrorKind
}

// Error implements the error interface.
func (e *LinkError) Error() string {
	return fmt.Sprintf("mbmaster: link error '%v'", e.Kind)
}

// Unwrap maps the kind onto its sentinel.
func (e *LinkError) Unwrap() error {
	switch e.Kind {
	case ErrorKindReceiveData:
		return ErrReceiveData
	case ErrorKindResponseTimeout:
		return ErrResponseTimeout
	}
	return nil
}
