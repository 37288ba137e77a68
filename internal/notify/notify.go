// Package notify wakes idle workers when a job is submitted so they do
// not have to wait for the next poll tick.
package notify

import "context"

// Notifier signals that new work may be available. Signals are hints:
// a missed or spurious signal only costs a poll interval or an empty
// claim.
type Notifier interface {
	Notify(ctx context.Context) error
	C() <-chan struct{}
	Close() error
}

// Local is an in-process Notifier.
type Local struct {
	ch chan struct{}
}

// NewLocal creates a notifier that can buffer up to size pending
// wake-ups; extra signals are dropped.
func NewLocal(size int) *Local {
	if size <= 0 {
		size = 1
	}
	return &Local{ch: make(chan struct{}, size)}
}

func (l *Local) Notify(context.Context) error {
	l.signal()
	return nil
}

func (l *Local) signal() {
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

func (l *Local) C() <-chan struct{} { return l.ch }

func (l *Local) Close() error { return nil }
