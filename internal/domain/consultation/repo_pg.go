package consultation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teleconsult/consult/internal/platform/db"
)

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, patient_id, clinician_id, status, pre_consultation_completed,
	room_reference, room_url, room_expires_at, scheduled_start, started_at, ended_at,
	cancellation_reason, ended_by, version, created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.ClinicianID, &a.Status, &a.PreConsultationCompleted,
		&a.RoomReference, &a.RoomURL, &a.RoomExpiresAt, &a.ScheduledStart, &a.StartedAt, &a.EndedAt,
		&a.CancellationReason, &a.EndedBy, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	created, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, clinician_id, status, pre_consultation_completed, scheduled_start)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING `+apptCols,
		a.ID, a.PatientID, a.ClinicianID, a.Status, a.PreConsultationCompleted, a.ScheduledStart))
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	*a = *created
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

// GetForTransition uses an advisory lock rather than FOR UPDATE so chat
// posts, which share-lock the row, are not held up while a room is being
// provisioned.
func (r *appointmentRepoPG) GetForTransition(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if _, err := r.conn(ctx).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('appointment:' || $1::text, 0))`, id); err != nil {
		return nil, fmt.Errorf("lock appointment %s: %w", id, err)
	}
	return r.GetByID(ctx, id)
}

func (r *appointmentRepoPG) GetByRoomReference(ctx context.Context, roomRef string) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointment WHERE room_reference = $1`, roomRef))
}

func (r *appointmentRepoPG) Transition(ctx context.Context, id uuid.UUID, from Status, upd TransitionUpdate) (*Appointment, bool, error) {
	var roomRef, roomURL *string
	var roomExpires *time.Time
	if upd.Room != nil {
		roomRef, roomURL = &upd.Room.Name, &upd.Room.URL
		if !upd.Room.ExpiresAt.IsZero() {
			roomExpires = &upd.Room.ExpiresAt
		}
	}

	row, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET
			status = $3,
			room_reference = COALESCE(room_reference, $4),
			room_url = COALESCE(room_url, $5),
			room_expires_at = COALESCE(room_expires_at, $6),
			started_at = COALESCE(started_at, $7),
			ended_at = COALESCE(ended_at, $8),
			ended_by = COALESCE(ended_by, $9),
			cancellation_reason = COALESCE(cancellation_reason, $10),
			version = version + 1
		WHERE id = $1 AND status = $2
		RETURNING `+apptCols,
		id, from, upd.To, roomRef, roomURL, roomExpires,
		upd.StartedAt, upd.EndedAt, upd.EndedBy, upd.CancellationReason))
	switch {
	case err == nil:
		return row, true, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, fmt.Errorf("transition appointment %s: %w", id, err)
	}

	// Lost the race or the row does not exist.
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *appointmentRepoPG) SetPreConsultation(ctx context.Context, id uuid.UUID, completed bool) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET pre_consultation_completed = $2
		WHERE id = $1
		RETURNING `+apptCols, id, completed))
}

func (r *appointmentRepoPG) ListExpiredLive(ctx context.Context, now time.Time, limit int) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apptCols+` FROM appointment
		WHERE status = 'in_progress' AND room_expires_at IS NOT NULL AND room_expires_at < $1
		ORDER BY room_expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
