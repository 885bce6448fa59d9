package chat

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teleconsult/consult/internal/domain/consultation"
)

// ListFilter narrows a message listing. AfterSeq is the reconnect cursor:
// within an appointment messages commit in seq order, so a reader that
// resumes after the last seq it saw never skips one.
type ListFilter struct {
	Since    *time.Time
	AfterSeq *int64
}

type MessageRepository interface {
	// Insert assigns ID, CreatedAt and Seq. Inserts for one appointment are
	// serialized until the surrounding transaction ends.
	Insert(ctx context.Context, m *Message) error
	// List returns messages in (created_at, seq) order matching filter,
	// with the total matching count.
	List(ctx context.Context, appointmentID uuid.UUID, filter ListFilter, limit, offset int) ([]*Message, int, error)
	// Appointment loads the participants and status of an appointment. Inside
	// a transaction the row is share-locked until commit.
	Appointment(ctx context.Context, appointmentID uuid.UUID) (*consultation.Appointment, error)
}
