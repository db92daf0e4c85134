// Package lock provides the single-writer lock that serializes ledger appends.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when a lock could not be obtained before ctx ended.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker grants exclusive access to the ledger tail.
// The returned unlock function must be called exactly once.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// Local is an in-process mutex that honours context cancellation while waiting.
type Local struct {
	ch chan struct{}
}

// NewLocal creates an unlocked Local.
func NewLocal() *Local {
	return &Local{ch: make(chan struct{}, 1)}
}

func (l *Local) Lock(ctx context.Context) (func(), error) {
	select {
	case l.ch <- struct{}{}:
		return func() { <-l.ch }, nil
	case <-ctx.Done():
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}
}
