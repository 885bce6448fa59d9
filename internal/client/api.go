// Package client drives one participant through a consultation: intake
// redirect, waiting room, live session and post-session, reacting to status
// events pushed by the server.
package client

import (
	"context"

	"github.com/teleconsult/consult/internal/domain/consultation"
	"github.com/teleconsult/consult/internal/platform/notify"
)

// API is the server surface the controller needs.
type API interface {
	GetAppointment(ctx context.Context, id string) (*consultation.View, error)
	Transition(ctx context.Context, id string, to consultation.Status) (*consultation.TransitionResult, error)
	Join(ctx context.Context, id string) (*consultation.JoinCredentials, error)
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}

// Subscription is a live event stream. Events is closed when the stream
// ends for any reason.
type Subscription interface {
	Events() <-chan notify.Event
	Close()
}

// Navigator renders the participant's current screen.
type Navigator interface {
	Intake(view *consultation.View)
	Waiting(view *consultation.View)
	Live(creds *consultation.JoinCredentials)
	// RetryableError reports a transient failure the controller is retrying.
	RetryableError(err error, attempt int)
	PostSession(view *consultation.View)
}
