package processor

import (
	"context"
)

// Lease is a set of held aggregate keys.
type Lease interface {
	// Check fails once any key is no longer held. It is called right before
	// an event is appended.
	Check(ctx context.Context) error
	Release()
}

// Locker serializes commands touching the same aggregates. Keys arrive
// sorted.
type Locker interface {
	Lock(ctx context.Context, keys []string) (Lease, error)
}

// LocalLocker is a single process-wide writer lock. It ignores keys, so every
// command is serialized.
type LocalLocker struct {
	sem chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sem: make(chan struct{}, 1)}
}

func (l *LocalLocker) Lock(ctx context.Context, keys []string) (Lease, error) {
	select {
	case l.sem <- struct{}{}:
		return &localLease{sem: l.sem}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type localLease struct {
	sem      chan struct{}
	released bool
}

func (l *localLease) Check(context.Context) error { return nil }

func (l *localLease) Release() {
	if l.released {
		return
	}
	l.released = true
	<-l.sem
}
