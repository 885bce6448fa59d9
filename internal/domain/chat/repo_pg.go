package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teleconsult/consult/internal/domain/consultation"
	"github.com/teleconsult/consult/internal/platform/db"
)

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

func (r *messageRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const msgCols = `id, appointment_id, sender_id, sender_role, body,
	attachment_id, attachment_url, attachment_media_type, attachment_name, created_at, seq`

func (r *messageRepoPG) scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var attID, attURL, attType, attName *string
	err := row.Scan(&m.ID, &m.AppointmentID, &m.SenderID, &m.SenderRole, &m.Body,
		&attID, &attURL, &attType, &attName, &m.CreatedAt, &m.Seq)
	if err != nil {
		return nil, err
	}
	if attID != nil {
		m.Attachment = &Attachment{ID: *attID}
		if attURL != nil {
			m.Attachment.URL = *attURL
		}
		if attType != nil {
			m.Attachment.MediaType = *attType
		}
		if attName != nil {
			m.Attachment.Name = *attName
		}
	}
	return &m, nil
}

func (r *messageRepoPG) Insert(ctx context.Context, m *Message) error {
	m.ID = uuid.New()
	var attID, attURL, attType, attName *string
	if m.Attachment != nil {
		attID, attURL = &m.Attachment.ID, &m.Attachment.URL
		attType, attName = &m.Attachment.MediaType, &m.Attachment.Name
	}
	conn := r.conn(ctx)
	// Holding this until commit keeps seq in commit order per appointment.
	if _, err := conn.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('chat:' || $1::text, 0))`, m.AppointmentID); err != nil {
		return fmt.Errorf("lock chat for %s: %w", m.AppointmentID, err)
	}
	err := conn.QueryRow(ctx, `
		INSERT INTO chat_message (id, appointment_id, sender_id, sender_role, body,
			attachment_id, attachment_url, attachment_media_type, attachment_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, seq`,
		m.ID, m.AppointmentID, m.SenderID, m.SenderRole, m.Body,
		attID, attURL, attType, attName).Scan(&m.CreatedAt, &m.Seq)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (r *messageRepoPG) List(ctx context.Context, appointmentID uuid.UUID, filter ListFilter, limit, offset int) ([]*Message, int, error) {
	where := ` WHERE appointment_id = $1`
	args := []interface{}{appointmentID}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where += fmt.Sprintf(` AND created_at > $%d`, len(args))
	}
	if filter.AfterSeq != nil {
		args = append(args, *filter.AfterSeq)
		where += fmt.Sprintf(` AND seq > $%d`, len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM chat_message`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM chat_message%s ORDER BY created_at, seq LIMIT $%d OFFSET $%d`,
		msgCols, where, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Message
	for rows.Next() {
		m, err := r.scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func (r *messageRepoPG) Appointment(ctx context.Context, appointmentID uuid.UUID) (*consultation.Appointment, error) {
	var a consultation.Appointment
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, clinician_id, status
		FROM appointment WHERE id = $1
		FOR SHARE`, appointmentID).Scan(&a.ID, &a.PatientID, &a.ClinicianID, &a.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consultation.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
