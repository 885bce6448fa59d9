package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/teleconsult/consult/internal/domain/consultation"
	"github.com/teleconsult/consult/internal/platform/auth"
	"github.com/teleconsult/consult/internal/platform/notify"
)

// Outcome is how a controller run ended.
type Outcome string

const (
	OutcomeIntake Outcome = "intake"
	OutcomeEnded  Outcome = "ended"
	OutcomeLeft   Outcome = "left"
)

type Config struct {
	AppointmentID string
	// Role is the participant's role. A clinician controller starts the
	// session itself once the waiting room is reached.
	Role           string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts bounds retries of transient failures. Zero retries until
	// the context ends.
	MaxAttempts int
}

// Controller is owned by a single participant view. Cancel the context
// passed to Run to tear it down.
type Controller struct {
	api API
	nav Navigator
	cfg Config
	log zerolog.Logger

	leave  chan struct{}
	rejoin chan struct{}
}

func New(api API, nav Navigator, cfg Config, log zerolog.Logger) *Controller {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 15 * time.Second
	}
	return &Controller{
		api:    api,
		nav:    nav,
		cfg:    cfg,
		log:    log.With().Str("appointment_id", cfg.AppointmentID).Str("role", cfg.Role).Logger(),
		leave:  make(chan struct{}, 1),
		rejoin: make(chan struct{}, 1),
	}
}

// Leave ends the run without changing the appointment's status.
func (c *Controller) Leave() {
	select {
	case c.leave <- struct{}{}:
	default:
	}
}

// Reconnect re-enters the live session with a fresh token. The room is
// reused.
func (c *Controller) Reconnect() {
	select {
	case c.rejoin <- struct{}{}:
	default:
	}
}

// run holds the state of one Run call.
type run struct {
	view           *consultation.View
	sub            Subscription
	waitingShown   bool
	startRequested bool
	joined         bool
}

// Run drives the participant until the session ends, intake is required,
// the participant leaves, or ctx ends.
func (c *Controller) Run(ctx context.Context) (Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	view, err := c.api.GetAppointment(ctx, c.cfg.AppointmentID)
	if err != nil {
		return "", fmt.Errorf("fetch appointment: %w", err)
	}
	if out, done := c.settle(view); done {
		return out, nil
	}

	r := &run{}
	defer func() {
		if r.sub != nil {
			r.sub.Close()
		}
	}()
	if err := c.subscribe(ctx, r); err != nil {
		return "", err
	}

	for {
		if out, done := c.settle(r.view); done {
			return out, nil
		}

		if err := c.act(ctx, r); err != nil {
			switch {
			case errors.Is(err, consultation.ErrPreConsultationIncomplete):
				c.nav.Intake(r.view)
				return OutcomeIntake, nil
			case errors.Is(err, consultation.ErrNotLive),
				errors.Is(err, consultation.ErrTerminalState),
				errors.Is(err, consultation.ErrInvalidTransition):
				// The row moved under us; the fresh copy decides.
				if err := c.refetch(ctx, r); err != nil {
					return "", err
				}
				continue
			default:
				return "", err
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.leave:
			c.log.Info().Msg("participant left the session")
			return OutcomeLeft, nil
		case <-c.rejoin:
			r.joined = false
		case ev, ok := <-r.sub.Events():
			if !ok {
				c.log.Warn().Msg("event stream closed, resubscribing")
				r.sub.Close()
				r.sub = nil
				if err := c.subscribe(ctx, r); err != nil {
					return "", err
				}
				continue
			}
			if err := c.apply(ctx, r, ev); err != nil {
				return "", err
			}
		}
	}
}

// settle handles the phases that end a run.
func (c *Controller) settle(view *consultation.View) (Outcome, bool) {
	switch view.Phase {
	case consultation.PhaseEnded:
		c.nav.PostSession(view)
		return OutcomeEnded, true
	case consultation.PhaseIntake:
		c.nav.Intake(view)
		return OutcomeIntake, true
	}
	return "", false
}

// act performs the side effects of the current phase once.
func (c *Controller) act(ctx context.Context, r *run) error {
	switch r.view.Phase {
	case consultation.PhaseWaiting:
		if !r.waitingShown {
			c.nav.Waiting(r.view)
			r.waitingShown = true
		}
		if c.cfg.Role != auth.RoleClinician || r.startRequested {
			return nil
		}
		var res *consultation.TransitionResult
		err := c.retry(ctx, func() error {
			var err error
			res, err = c.api.Transition(ctx, c.cfg.AppointmentID, consultation.StatusInProgress)
			return err
		})
		if err != nil {
			return err
		}
		r.startRequested = true
		c.observe(r, res.Appointment)

	case consultation.PhaseLive:
		if r.joined {
			return nil
		}
		var creds *consultation.JoinCredentials
		err := c.retry(ctx, func() error {
			var err error
			creds, err = c.api.Join(ctx, c.cfg.AppointmentID)
			return err
		})
		if err != nil {
			return err
		}
		r.joined = true
		c.nav.Live(creds)
	}
	return nil
}

// subscribe opens the status stream and re-reads the row so that nothing
// committed before the stream opened is missed.
func (c *Controller) subscribe(ctx context.Context, r *run) error {
	err := c.retry(ctx, func() error {
		sub, err := c.api.Subscribe(ctx, notify.StatusTopic(c.cfg.AppointmentID))
		if err != nil {
			return err
		}
		r.sub = sub
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return c.refetch(ctx, r)
}

func (c *Controller) refetch(ctx context.Context, r *run) error {
	view, err := c.api.GetAppointment(ctx, c.cfg.AppointmentID)
	if err != nil {
		return fmt.Errorf("fetch appointment: %w", err)
	}
	r.view = view
	return nil
}

// apply folds a status event into the run. Decisions are re-derived from
// the latest row only; stale or duplicate events are ignored.
func (c *Controller) apply(ctx context.Context, r *run, ev notify.Event) error {
	if ev.Type == notify.EventResync || ev.Truncated || len(ev.Data) == 0 {
		return c.refetch(ctx, r)
	}
	if ev.Type != notify.EventStatusChanged {
		return nil
	}
	var a consultation.Appointment
	if err := json.Unmarshal(ev.Data, &a); err != nil {
		c.log.Warn().Err(err).Msg("undecodable status event, re-fetching")
		return c.refetch(ctx, r)
	}
	c.observe(r, &a)
	return nil
}

func (c *Controller) observe(r *run, a *consultation.Appointment) {
	if r.view != nil && a.Version <= r.view.Version {
		return
	}
	r.view = consultation.NewView(a)
}

// retry runs op, retrying transient provider failures with exponential
// backoff. Other errors are returned at once.
func (c *Controller) retry(ctx context.Context, op func() error) error {
	delay := c.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !retryable(err) {
			return err
		}
		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			return err
		}
		c.nav.RetryableError(err, attempt)

		wait := delay
		if ra := retryAfter(err); ra > wait {
			wait = ra
		}
		c.log.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, consultation.ErrProviderUnavailable) || errors.Is(err, ErrUnavailable)
}
