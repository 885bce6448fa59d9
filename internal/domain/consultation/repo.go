package consultation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetForTransition reads the row after taking the appointment's
	// transition lock, held until the surrounding transaction ends. Outside
	// a transaction it behaves like GetByID.
	GetForTransition(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByRoomReference(ctx context.Context, roomRef string) (*Appointment, error)
	// Transition applies upd only while the row is still in status from.
	// When the row has moved on it returns the current row and false.
	Transition(ctx context.Context, id uuid.UUID, from Status, upd TransitionUpdate) (*Appointment, bool, error)
	SetPreConsultation(ctx context.Context, id uuid.UUID, completed bool) (*Appointment, error)
	// ListExpiredLive returns in-progress appointments whose room expired
	// before now, oldest first.
	ListExpiredLive(ctx context.Context, now time.Time, limit int) ([]*Appointment, error)
}
