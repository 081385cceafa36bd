//go:build deadlock

// Package syncutil holds the mutex guarding the link's critical section.
// This file is compiled with -tags=deadlock.
package syncutil

import deadlock "github.com/sasha-s/go-deadlock"

// Mutex reports lock-order inversions and long-held locks.
type Mutex struct {
	deadlock.Mutex
}
