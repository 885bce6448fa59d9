package consultation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reconciler periodically completes sessions whose video room expired
// without anyone ending them.
type Reconciler struct {
	svc      *Service
	interval time.Duration
	log      zerolog.Logger
}

func NewReconciler(svc *Service, interval time.Duration, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		svc:      svc,
		interval: interval,
		log:      log.With().Str("component", "reconciler").Logger(),
	}
}

// Run sweeps every interval until ctx ends. A zero interval disables it.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		r.log.Info().Msg("reconciliation sweep disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.interval).Msg("reconciliation sweep started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep and logs its outcome.
func (r *Reconciler) SweepOnce(ctx context.Context) int {
	n, err := r.svc.Sweep(ctx)
	if err != nil {
		r.log.Error().Err(err).Int("completed", n).Msg("reconciliation sweep failed")
		return n
	}
	if n > 0 {
		r.log.Info().Int("completed", n).Msg("completed expired sessions")
	}
	return n
}
