package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/teleconsult/consult/internal/domain/consultation"
	"github.com/teleconsult/consult/internal/platform/auth"
	"github.com/teleconsult/consult/internal/platform/blobstore"
	"github.com/teleconsult/consult/internal/platform/db"
	"github.com/teleconsult/consult/internal/platform/notify"
)

const publishTimeout = 5 * time.Second

type Service struct {
	repo   MessageRepository
	tx     db.TxRunner
	blobs  blobstore.BlobStore
	events notify.Publisher
	log    zerolog.Logger
}

func NewService(repo MessageRepository, tx db.TxRunner, blobs blobstore.BlobStore, events notify.Publisher, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		blobs:  blobs,
		events: events,
		log:    log.With().Str("component", "chat").Logger(),
	}
}

// participant loads the appointment and resolves the caller's role on it.
// Only the patient and the clinician take part in chat.
func (s *Service) participant(ctx context.Context, appointmentID uuid.UUID, actor consultation.Actor) (*consultation.Appointment, string, error) {
	a, err := s.repo.Appointment(ctx, appointmentID)
	if err != nil {
		return nil, "", err
	}
	role, err := consultation.ResolveRole(a, actor)
	if err != nil {
		return nil, "", err
	}
	if role != auth.RolePatient && role != auth.RoleClinician {
		return nil, "", consultation.ErrForbidden
	}
	return a, role, nil
}

// PostMessage appends a message to the appointment's chat. The sender's
// role comes from the stored appointment, not from the caller.
func (s *Service) PostMessage(ctx context.Context, appointmentID uuid.UUID, actor consultation.Actor, body *string, att *Attachment) (*Message, error) {
	if body != nil && strings.TrimSpace(*body) == "" {
		body = nil
	}
	if body == nil && att == nil {
		return nil, ErrEmptyMessage
	}
	if body != nil && utf8.RuneCountInString(*body) > MaxBodyRunes {
		return nil, fmt.Errorf("%d characters max: %w", MaxBodyRunes, ErrBodyTooLong)
	}
	senderID, err := uuid.Parse(actor.UserID)
	if err != nil {
		return nil, consultation.ErrForbidden
	}

	msg := &Message{
		AppointmentID: appointmentID,
		SenderID:      senderID,
		Body:          body,
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		a, role, err := s.participant(ctx, appointmentID, actor)
		if err != nil {
			return err
		}
		if a.Status == consultation.StatusCancelled {
			return ErrChatClosed
		}
		msg.SenderRole = role

		if att != nil {
			resolved, err := s.resolveAttachment(ctx, appointmentID, att)
			if err != nil {
				return err
			}
			msg.Attachment = resolved
		}
		return s.repo.Insert(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("appointment_id", appointmentID.String()).
		Str("message_id", msg.ID.String()).
		Str("sender_role", msg.SenderRole).
		Bool("attachment", msg.Attachment != nil).
		Msg("chat message posted")
	s.publish(ctx, msg)
	return msg, nil
}

// resolveAttachment accepts only descriptors that point at a completed
// upload for the same appointment, and rebuilds them from stored metadata.
func (s *Service) resolveAttachment(ctx context.Context, appointmentID uuid.UUID, att *Attachment) (*Attachment, error) {
	id := att.ID
	if id == "" {
		id = strings.TrimPrefix(att.URL, AttachmentURLPrefix)
	}
	if id == "" || strings.Contains(id, "/") {
		return nil, ErrAttachmentNotFound
	}

	meta, err := s.blobs.GetMetadata(ctx, id)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve attachment %s: %w", id, err)
	}
	if meta.AppointmentID != appointmentID.String() {
		return nil, ErrAttachmentNotFound
	}
	return descriptor(meta), nil
}

func descriptor(meta *blobstore.BlobMetadata) *Attachment {
	return &Attachment{
		ID:        meta.ID,
		URL:       AttachmentURL(meta.ID),
		MediaType: meta.ContentType,
		Name:      meta.FileName,
		Size:      meta.Size,
	}
}

func (s *Service) publish(ctx context.Context, msg *Message) {
	id := msg.AppointmentID.String()
	event, err := notify.NewEvent(notify.EventChatMessage, notify.ChatTopic(id), id, msg.Seq, msg)
	if err != nil {
		s.log.Error().Err(err).Str("appointment_id", id).Msg("failed to build chat event")
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(pubCtx, event); err != nil {
		s.log.Warn().Err(err).Str("appointment_id", id).Msg("failed to publish chat event")
	}
}

// ListMessages returns the appointment's messages in creation order.
func (s *Service) ListMessages(ctx context.Context, appointmentID uuid.UUID, actor consultation.Actor, filter ListFilter, limit, offset int) ([]*Message, int, error) {
	if _, _, err := s.participant(ctx, appointmentID, actor); err != nil {
		return nil, 0, err
	}
	return s.repo.List(ctx, appointmentID, filter, limit, offset)
}

// UploadAttachment stores a file for later reference by PostMessage.
func (s *Service) UploadAttachment(ctx context.Context, appointmentID uuid.UUID, actor consultation.Actor, fileName string, content io.Reader) (*Attachment, error) {
	a, _, err := s.participant(ctx, appointmentID, actor)
	if err != nil {
		return nil, err
	}
	if a.Status == consultation.StatusCancelled {
		return nil, ErrChatClosed
	}

	meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		FileName:      fileName,
		AppointmentID: appointmentID.String(),
		UploadedBy:    actor.UserID,
	}, content)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("appointment_id", appointmentID.String()).
		Str("blob_id", meta.ID).
		Str("content_type", meta.ContentType).
		Int64("size", meta.Size).
		Msg("attachment uploaded")
	return descriptor(meta), nil
}

// DownloadAttachment returns the attachment body to a participant of the
// appointment it was uploaded for.
func (s *Service) DownloadAttachment(ctx context.Context, blobID string, actor consultation.Actor) (*blobstore.BlobMetadata, io.ReadCloser, error) {
	meta, err := s.blobs.GetMetadata(ctx, blobID)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	appointmentID, err := uuid.Parse(meta.AppointmentID)
	if err != nil {
		return nil, nil, ErrAttachmentNotFound
	}
	if _, _, err := s.participant(ctx, appointmentID, actor); err != nil {
		return nil, nil, err
	}

	rc, meta, err := s.blobs.Download(ctx, blobID)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return meta, rc, nil
}
