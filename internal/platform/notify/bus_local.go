package notify

import (
	"context"
)

// LocalBus keeps events inside one process. Used for single-instance
// development and tests.
type LocalBus struct {
	ch chan Event
}

func NewLocalBus() *LocalBus {
	return &LocalBus{ch: make(chan Event, 1024)}
}

func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	select {
	case b.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBus) Listen(ctx context.Context, deliver func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.ch:
			deliver(ev)
		}
	}
}
