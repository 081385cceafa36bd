//go:build !deadlock

// Package syncutil holds the mutex guarding the link's critical section.
// Building with -tags=deadlock swaps in github.com/sasha-s/go-deadlock so
// lock-order problems between driver callbacks surface in tests.
package syncutil

import "sync"

// Mutex is a plain sync.Mutex in regular builds.
type Mutex struct {
	sync.Mutex
}
