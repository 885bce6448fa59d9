package consultation

import (
	"errors"

	"github.com/teleconsult/consult/internal/platform/video"
)

var (
	ErrNotFound                  = errors.New("appointment not found")
	ErrForbidden                 = errors.New("caller may not act on this appointment")
	ErrPreConsultationIncomplete = errors.New("pre-consultation intake is not completed")
	ErrInvalidTransition         = errors.New("invalid status transition")
	ErrTerminalState             = errors.New("appointment is in a terminal state")
	ErrNotLive                   = errors.New("appointment session has not started")

	ErrProviderUnavailable = video.ErrProviderUnavailable
)
