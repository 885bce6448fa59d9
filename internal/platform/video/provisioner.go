package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type ProvisionerConfig struct {
	RoomTTL     time.Duration
	TokenTTL    time.Duration
	Recording   bool
	Chat        bool
	Screenshare bool
}

// Provisioner creates rooms idempotently and mints tokens bounded by the
// room's lifetime.
type Provisioner struct {
	provider Provider
	cfg      ProvisionerConfig
	group    singleflight.Group
	now      func() time.Time
	log      zerolog.Logger
}

func NewProvisioner(provider Provider, cfg ProvisionerConfig, log zerolog.Logger) *Provisioner {
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = 2 * time.Hour
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Provisioner{
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
		log:      log.With().Str("provider", provider.Name()).Logger(),
	}
}

const providerCallTimeout = 20 * time.Second

// EnsureRoom creates the appointment's room, or returns it if the provider
// already has a live one under the same name. An expired room under that
// name is replaced. Concurrent callers for the same
// appointment share a single provider round trip.
func (p *Provisioner) EnsureRoom(ctx context.Context, appointmentID string) (Room, error) {
	name := RoomName(appointmentID)

	ch := p.group.DoChan(name, func() (interface{}, error) {
		// The shared call outlives any single caller's cancellation.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), providerCallTimeout)
		defer cancel()
		return p.createOrFetch(callCtx, name)
	})

	select {
	case <-ctx.Done():
		return Room{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Room{}, res.Err
		}
		return res.Val.(Room), nil
	}
}

func (p *Provisioner) createOrFetch(ctx context.Context, name string) (Room, error) {
	room, err := p.create(ctx, name)
	switch {
	case err == nil:
		p.log.Info().Str("room", name).Time("expires_at", room.ExpiresAt).Msg("video room created")
		return room, nil
	case !errors.Is(err, ErrRoomExists):
		return Room{}, fmt.Errorf("create room %s: %w", name, err)
	}

	room, err = p.provider.GetRoom(ctx, name)
	switch {
	case err == nil && !p.expired(room):
		p.log.Info().Str("room", name).Msg("video room reused")
		return room, nil
	case err != nil && !errors.Is(err, ErrRoomExpired):
		return Room{}, fmt.Errorf("fetch existing room %s: %w", name, err)
	}
	return p.recreate(ctx, name)
}

func (p *Provisioner) create(ctx context.Context, name string) (Room, error) {
	return p.provider.CreateRoom(ctx, RoomOptions{
		Name:        name,
		ExpiresAt:   p.now().Add(p.cfg.RoomTTL),
		Recording:   p.cfg.Recording,
		Chat:        p.cfg.Chat,
		Screenshare: p.cfg.Screenshare,
	})
}

func (p *Provisioner) expired(room Room) bool {
	return !room.ExpiresAt.IsZero() && !room.ExpiresAt.After(p.now())
}

// recreate replaces a stale room left under the appointment's name, for
// example one provisioned ahead of time and never used.
func (p *Provisioner) recreate(ctx context.Context, name string) (Room, error) {
	deleter, ok := p.provider.(RoomDeleter)
	if !ok {
		return Room{}, fmt.Errorf("existing room %s: %w", name, ErrRoomExpired)
	}
	if err := deleter.DeleteRoom(ctx, name); err != nil && !errors.Is(err, ErrRoomNotFound) {
		return Room{}, fmt.Errorf("delete expired room %s: %w", name, err)
	}
	room, err := p.create(ctx, name)
	if err != nil {
		return Room{}, fmt.Errorf("recreate room %s: %w", name, err)
	}
	p.log.Info().Str("room", name).Time("expires_at", room.ExpiresAt).Msg("expired video room replaced")
	return room, nil
}

// MintToken issues a fresh token for room. Owners get moderator scope.
// The token never outlives the room.
func (p *Provisioner) MintToken(ctx context.Context, room Room, participantName string, isOwner bool) (Token, error) {
	now := p.now()
	expiresAt := now.Add(p.cfg.TokenTTL)
	if !room.ExpiresAt.IsZero() {
		if !room.ExpiresAt.After(now) {
			return Token{}, fmt.Errorf("mint token for %s: %w", room.Name, ErrRoomExpired)
		}
		if room.ExpiresAt.Before(expiresAt) {
			expiresAt = room.ExpiresAt
		}
	}

	tok, err := p.provider.CreateToken(ctx, TokenRequest{
		RoomName:  room.Name,
		UserName:  participantName,
		IsOwner:   isOwner,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return Token{}, fmt.Errorf("mint token for %s: %w", room.Name, err)
	}
	return Token{Token: tok, ExpiresAt: expiresAt}, nil
}

// CloseRoom ends the room early when the provider supports it.
func (p *Provisioner) CloseRoom(ctx context.Context, name string) error {
	closer, ok := p.provider.(RoomCloser)
	if !ok {
		return nil
	}
	if err := closer.CloseRoom(ctx, name); err != nil && !errors.Is(err, ErrRoomNotFound) {
		return fmt.Errorf("close room %s: %w", name, err)
	}
	return nil
}

// Token is a short-lived join credential. It is never persisted.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
