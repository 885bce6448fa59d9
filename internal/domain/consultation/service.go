package consultation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/teleconsult/consult/internal/platform/auth"
	"github.com/teleconsult/consult/internal/platform/db"
	"github.com/teleconsult/consult/internal/platform/notify"
	"github.com/teleconsult/consult/internal/platform/video"
)

// RoomProvisioner is satisfied by *video.Provisioner.
type RoomProvisioner interface {
	EnsureRoom(ctx context.Context, appointmentID string) (video.Room, error)
	MintToken(ctx context.Context, room video.Room, participantName string, isOwner bool) (video.Token, error)
	CloseRoom(ctx context.Context, name string) error
}

// Roles permitted to move an appointment into each target status.
var transitionRoles = map[Status][]string{
	StatusInProgress: {auth.RoleClinician},
	StatusCompleted:  {auth.RoleClinician, auth.RoleSystem},
	StatusCancelled:  {auth.RolePatient, auth.RoleClinician},
}

// Allowed edges. Terminal states have none.
var transitionEdges = map[Status][]Status{
	StatusScheduled:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

const (
	sweepBatchSize   = 100
	closeRoomTimeout = 10 * time.Second
	publishTimeout   = 5 * time.Second
)

type Service struct {
	repo   AppointmentRepository
	tx     db.TxRunner
	rooms  RoomProvisioner
	events notify.Publisher
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(repo AppointmentRepository, tx db.TxRunner, rooms RoomProvisioner, events notify.Publisher, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		rooms:  rooms,
		events: events,
		log:    log.With().Str("component", "consultation").Logger(),
		now:    time.Now,
	}
}

// Create inserts a scheduled appointment. Bookings normally arrive from the
// booking system; this backs the seed command.
func (s *Service) Create(ctx context.Context, a *Appointment) error {
	if a.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if a.ClinicianID == uuid.Nil {
		return fmt.Errorf("clinician_id is required")
	}
	if a.PatientID == a.ClinicianID {
		return fmt.Errorf("patient and clinician must differ")
	}
	a.Status = StatusScheduled
	a.RoomReference, a.RoomURL, a.RoomExpiresAt = nil, nil, nil
	return s.repo.Create(ctx, a)
}

// SetPreConsultation records the intake outcome. Intake is owned by another
// system; this is its write path for local development.
func (s *Service) SetPreConsultation(ctx context.Context, id uuid.UUID, completed bool) (*Appointment, error) {
	return s.repo.SetPreConsultation(ctx, id, completed)
}

// Get returns the appointment with the caller's derived phase. The gate is
// re-read on every call.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor Actor) (*View, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := ResolveRole(a, actor); err != nil {
		return nil, err
	}
	return NewView(a), nil
}

// Authorize checks that actor participates in the appointment. It backs
// per-topic subscription checks.
func (s *Service) Authorize(ctx context.Context, appointmentID string, actor Actor) error {
	id, err := uuid.Parse(appointmentID)
	if err != nil {
		return ErrNotFound
	}
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	_, err = ResolveRole(a, actor)
	return err
}

// Transition moves the appointment to status to. A repeated request for the
// status the row already holds is a no-op reported with Applied=false.
//
// The appointment's transition lock is held for the whole decision, so
// racing servers serialize on it and only the first start reaches the video
// provider. Events go out after commit.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, actor Actor, to Status, reason string) (*TransitionResult, error) {
	if _, ok := transitionRoles[to]; !ok {
		return nil, fmt.Errorf("target status %q: %w", to, ErrInvalidTransition)
	}

	var (
		res  *TransitionResult
		from Status
		role string
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		res, from, role, err = s.transitionLocked(ctx, id, actor, to, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Applied {
		s.afterTransition(ctx, from, res.Appointment, role)
	}
	return res, nil
}

func (s *Service) transitionLocked(ctx context.Context, id uuid.UUID, actor Actor, to Status, reason string) (*TransitionResult, Status, string, error) {
	a, err := s.repo.GetForTransition(ctx, id)
	if err != nil {
		return nil, "", "", err
	}

	// Without the lock the CAS still decides; statuses only move forward,
	// so this settles within a few rounds.
	for attempt := 0; attempt < len(transitionRoles); attempt++ {
		role, err := ResolveRole(a, actor)
		if err != nil {
			return nil, "", "", err
		}
		noop, err := checkTransition(a, role, to)
		if err != nil {
			return nil, "", "", err
		}
		if noop {
			return &TransitionResult{Appointment: a, Applied: false}, a.Status, role, nil
		}

		upd, err := s.buildUpdate(ctx, a, role, to, reason)
		if err != nil {
			return nil, "", "", err
		}

		row, applied, err := s.repo.Transition(ctx, id, a.Status, upd)
		if err != nil {
			return nil, "", "", err
		}
		if applied {
			return &TransitionResult{Appointment: row, Applied: true}, a.Status, role, nil
		}
		s.log.Debug().Str("appointment_id", id.String()).
			Str("expected", string(a.Status)).Str("found", string(row.Status)).
			Msg("transition lost race, re-evaluating")
		a = row
	}
	return nil, "", "", fmt.Errorf("appointment %s: %w", id, ErrInvalidTransition)
}

// checkTransition validates moving a to status to on behalf of role. It
// reports noop when a already holds to.
func checkTransition(a *Appointment, role string, to Status) (noop bool, err error) {
	if !slices.Contains(transitionRoles[to], role) {
		return false, fmt.Errorf("%s may not set status %s: %w", role, to, ErrForbidden)
	}
	if a.Status == to {
		return true, nil
	}
	if a.Status.Terminal() {
		return false, fmt.Errorf("appointment is %s: %w", a.Status, ErrTerminalState)
	}
	if !slices.Contains(transitionEdges[a.Status], to) {
		return false, fmt.Errorf("%s -> %s: %w", a.Status, to, ErrInvalidTransition)
	}
	if to == StatusInProgress && !a.PreConsultationCompleted {
		return false, ErrPreConsultationIncomplete
	}
	return false, nil
}

func (s *Service) buildUpdate(ctx context.Context, a *Appointment, role string, to Status, reason string) (TransitionUpdate, error) {
	now := s.now().UTC()
	upd := TransitionUpdate{To: to}
	switch to {
	case StatusInProgress:
		room, err := s.ensureRoom(ctx, a)
		if err != nil {
			return upd, err
		}
		upd.Room = &room
		upd.StartedAt = &now
	case StatusCompleted, StatusCancelled:
		upd.EndedAt = &now
		upd.EndedBy = &role
		if to == StatusCancelled && reason != "" {
			upd.CancellationReason = &reason
		}
	}
	return upd, nil
}

func (s *Service) ensureRoom(ctx context.Context, a *Appointment) (video.Room, error) {
	if room, ok := a.Room(); ok {
		return room, nil
	}
	return s.rooms.EnsureRoom(ctx, a.ID.String())
}

func (s *Service) afterTransition(ctx context.Context, from Status, row *Appointment, role string) {
	s.log.Info().
		Str("appointment_id", row.ID.String()).
		Str("from", string(from)).
		Str("to", string(row.Status)).
		Str("actor_role", role).
		Int64("version", row.Version).
		Msg("appointment transitioned")

	s.publish(ctx, row)

	if row.Status.Terminal() && row.RoomReference != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeRoomTimeout)
		defer cancel()
		if err := s.rooms.CloseRoom(closeCtx, *row.RoomReference); err != nil {
			s.log.Warn().Err(err).Str("room", *row.RoomReference).Msg("failed to close video room")
		}
	}
}

func (s *Service) publish(ctx context.Context, row *Appointment) {
	id := row.ID.String()
	event, err := notify.NewEvent(notify.EventStatusChanged, notify.StatusTopic(id), id, row.Version, row)
	if err != nil {
		s.log.Error().Err(err).Str("appointment_id", id).Msg("failed to build status event")
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(pubCtx, event); err != nil {
		// Subscribers recover on their next fetch.
		s.log.Warn().Err(err).Str("appointment_id", id).Msg("failed to publish status event")
	}
}

// EnsureRoom returns the appointment's video room. Before the session starts
// only the clinician may provision it ahead of time; the room is recorded on
// the row by the in_progress transition. Provisioning holds the transition
// lock so it never races a start on another server.
func (s *Service) EnsureRoom(ctx context.Context, id uuid.UUID, actor Actor) (video.Room, error) {
	var room video.Room
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.GetForTransition(ctx, id)
		if err != nil {
			return err
		}
		role, err := ResolveRole(a, actor)
		if err != nil {
			return err
		}
		switch {
		case a.Status.Terminal():
			return fmt.Errorf("appointment is %s: %w", a.Status, ErrTerminalState)
		case !a.PreConsultationCompleted:
			return ErrPreConsultationIncomplete
		}
		if existing, ok := a.Room(); ok {
			room = existing
			return nil
		}
		if role != auth.RoleClinician {
			return ErrNotLive
		}
		room, err = s.rooms.EnsureRoom(ctx, a.ID.String())
		return err
	})
	if err != nil {
		return video.Room{}, err
	}
	return room, nil
}

// Join mints a fresh credential for the caller in the live session. The
// clinician receives owner scope.
func (s *Service) Join(ctx context.Context, id uuid.UUID, actor Actor) (*JoinCredentials, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	role, err := ResolveRole(a, actor)
	if err != nil {
		return nil, err
	}
	if role == auth.RoleSystem {
		return nil, fmt.Errorf("system actor cannot join: %w", ErrForbidden)
	}
	switch {
	case a.Status.Terminal():
		return nil, fmt.Errorf("appointment is %s: %w", a.Status, ErrTerminalState)
	case !a.PreConsultationCompleted:
		return nil, ErrPreConsultationIncomplete
	case a.Status != StatusInProgress:
		return nil, ErrNotLive
	}

	room, ok := a.Room()
	if !ok {
		return nil, fmt.Errorf("appointment %s is live without a room", a.ID)
	}

	name := actor.Name
	if name == "" {
		name = role
	}
	isOwner := role == auth.RoleClinician
	tok, err := s.rooms.MintToken(ctx, room, name, isOwner)
	if err != nil {
		return nil, err
	}

	creds := &JoinCredentials{
		Token:         tok.Token,
		RoomReference: room.Name,
		Role:          TokenRoleParticipant,
		JoinURL:       room.URL,
		ExpiresAt:     tok.ExpiresAt,
	}
	if isOwner {
		creds.Role = TokenRoleOwner
	}
	return creds, nil
}

// MintToken issues a token for a room already recorded on an appointment.
func (s *Service) MintToken(ctx context.Context, roomRef, participantName string, isOwner bool) (video.Token, error) {
	a, err := s.repo.GetByRoomReference(ctx, roomRef)
	if err != nil {
		return video.Token{}, err
	}
	if a.Status.Terminal() {
		return video.Token{}, fmt.Errorf("appointment is %s: %w", a.Status, ErrTerminalState)
	}
	room, _ := a.Room()
	return s.rooms.MintToken(ctx, room, participantName, isOwner)
}

// Sweep completes live appointments whose room has expired at the provider.
// It returns the number of appointments it completed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	expired, err := s.repo.ListExpiredLive(ctx, s.now(), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	var errs []error
	completed := 0
	for _, a := range expired {
		res, err := s.Transition(ctx, a.ID, SystemActor, StatusCompleted, "")
		if err != nil {
			if errors.Is(err, ErrTerminalState) {
				continue
			}
			errs = append(errs, fmt.Errorf("complete %s: %w", a.ID, err))
			continue
		}
		if res.Applied {
			completed++
		}
	}
	return completed, errors.Join(errs...)
}

// ResolveRole resolves actor's role on a. A claimed role must match the
// participant column holding the caller's id.
func ResolveRole(a *Appointment, actor Actor) (string, error) {
	if actor.Role == auth.RoleSystem {
		return auth.RoleSystem, nil
	}
	if actor.UserID == "" {
		return "", ErrForbidden
	}
	role := a.RoleOf(actor.UserID)
	if role == "" || (actor.Role != "" && actor.Role != role) {
		return "", ErrForbidden
	}
	return role, nil
}
