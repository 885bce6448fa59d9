package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Notifier publishes through a Bus and fans events received from it out to
// local subscriptions.
type Notifier struct {
	bus Bus
	hub *Hub
	log zerolog.Logger
}

func NewNotifier(bus Bus, hub *Hub, log zerolog.Logger) *Notifier {
	return &Notifier{bus: bus, hub: hub, log: log}
}

// Publish hands a committed change to the bus. Failures are returned to the
// caller, which has already committed and only logs them.
func (n *Notifier) Publish(ctx context.Context, event Event) error {
	if err := n.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish %s on %s: %w", event.Type, event.Topic, err)
	}
	return nil
}

func (n *Notifier) Subscribe(ctx context.Context, topics ...string) *Subscription {
	return n.hub.Subscribe(ctx, topics...)
}

// Run consumes the bus until ctx ends.
func (n *Notifier) Run(ctx context.Context) error {
	n.log.Info().Msg("notifier listening")
	err := n.bus.Listen(ctx, n.hub.Dispatch)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
