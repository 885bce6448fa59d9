package chat

import (
	"time"

	"github.com/google/uuid"
)

// MaxBodyRunes bounds a message body.
const MaxBodyRunes = 4000

// AttachmentURLPrefix is where uploaded attachments are served.
const AttachmentURLPrefix = "/api/v1/attachments/"

// Message is an immutable chat entry. Messages are ordered by
// (CreatedAt, Seq) within an appointment.
type Message struct {
	ID            uuid.UUID   `db:"id" json:"id"`
	AppointmentID uuid.UUID   `db:"appointment_id" json:"appointment_id"`
	SenderID      uuid.UUID   `db:"sender_id" json:"sender_id"`
	SenderRole    string      `db:"sender_role" json:"sender_role"`
	Body          *string     `db:"body" json:"body,omitempty"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	Seq           int64       `db:"seq" json:"seq"`
}

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	MediaType string `json:"media_type"`
	Name      string `json:"name"`
	Size      int64  `json:"size,omitempty"`
}

func AttachmentURL(blobID string) string {
	return AttachmentURLPrefix + blobID
}

// PostRequest is the body of POST /appointments/:id/messages. An attachment
// is referenced by the descriptor returned from the upload endpoint.
type PostRequest struct {
	Body       *string     `json:"body,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}
