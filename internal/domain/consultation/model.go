package consultation

import (
	"time"

	"github.com/google/uuid"

	"github.com/teleconsult/consult/internal/platform/auth"
	"github.com/teleconsult/consult/internal/platform/video"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Phase is the client-facing view of where a participant belongs.
type Phase string

const (
	PhaseIntake  Phase = "intake"
	PhaseWaiting Phase = "waiting"
	PhaseLive    Phase = "live"
	PhaseEnded   Phase = "ended"
)

// RedirectIntake is returned to clients that must finish intake first.
const RedirectIntake = "intake"

// Appointment is the row of record for one consultation.
type Appointment struct {
	ID                       uuid.UUID  `db:"id" json:"id"`
	PatientID                uuid.UUID  `db:"patient_id" json:"patient_id"`
	ClinicianID              uuid.UUID  `db:"clinician_id" json:"clinician_id"`
	Status                   Status     `db:"status" json:"status"`
	PreConsultationCompleted bool       `db:"pre_consultation_completed" json:"pre_consultation_completed"`
	RoomReference            *string    `db:"room_reference" json:"room_reference,omitempty"`
	RoomURL                  *string    `db:"room_url" json:"room_url,omitempty"`
	RoomExpiresAt            *time.Time `db:"room_expires_at" json:"room_expires_at,omitempty"`
	ScheduledStart           *time.Time `db:"scheduled_start" json:"scheduled_start,omitempty"`
	StartedAt                *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt                  *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	CancellationReason       *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	EndedBy                  *string    `db:"ended_by" json:"ended_by,omitempty"`
	Version                  int64      `db:"version" json:"version"`
	CreatedAt                time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt                time.Time  `db:"updated_at" json:"updated_at"`
}

// Room returns the stored video room, if one has been assigned.
func (a *Appointment) Room() (video.Room, bool) {
	if a.RoomReference == nil {
		return video.Room{}, false
	}
	room := video.Room{Name: *a.RoomReference}
	if a.RoomURL != nil {
		room.URL = *a.RoomURL
	}
	if a.RoomExpiresAt != nil {
		room.ExpiresAt = *a.RoomExpiresAt
	}
	return room, true
}

// RoleOf reports the participant role userID holds on this appointment,
// or "" when userID is not a participant.
func (a *Appointment) RoleOf(userID string) string {
	switch userID {
	case a.PatientID.String():
		return auth.RolePatient
	case a.ClinicianID.String():
		return auth.RoleClinician
	}
	return ""
}

func (a *Appointment) Phase() Phase {
	switch {
	case a.Status.Terminal():
		return PhaseEnded
	case !a.PreConsultationCompleted:
		return PhaseIntake
	case a.Status == StatusInProgress:
		return PhaseLive
	default:
		return PhaseWaiting
	}
}

// View is what GET /appointments/:id returns.
type View struct {
	*Appointment
	Phase    Phase  `json:"phase"`
	Redirect string `json:"redirect,omitempty"`
}

func NewView(a *Appointment) *View {
	v := &View{Appointment: a, Phase: a.Phase()}
	if v.Phase == PhaseIntake {
		v.Redirect = RedirectIntake
	}
	return v
}

// Actor is the authenticated caller of a state-machine operation.
type Actor struct {
	UserID string
	Role   string
	Name   string
}

// SystemActor is used by the reconciliation sweep.
var SystemActor = Actor{UserID: "system", Role: auth.RoleSystem, Name: "system"}

// TransitionUpdate carries the columns written alongside a status change.
// Room and timestamp columns are only written when still NULL.
type TransitionUpdate struct {
	To                 Status
	Room               *video.Room
	StartedAt          *time.Time
	EndedAt            *time.Time
	EndedBy            *string
	CancellationReason *string
}

type TransitionRequest struct {
	Status Status `json:"status" validate:"required,oneof=in_progress completed cancelled"`
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type TransitionResult struct {
	Appointment *Appointment `json:"appointment"`
	Applied     bool         `json:"applied"`
}

// JoinCredentials are handed to a participant entering the live session.
// They are never persisted.
type JoinCredentials struct {
	Token         string    `json:"token"`
	RoomReference string    `json:"room_reference"`
	Role          string    `json:"role"`
	JoinURL       string    `json:"join_url"`
	ExpiresAt     time.Time `json:"expires_at"`
}

const (
	TokenRoleOwner       = "owner"
	TokenRoleParticipant = "participant"
)
