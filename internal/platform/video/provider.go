// Package video provisions private video rooms and mints join tokens
// through a third-party provider.
package video

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrRoomExists          = errors.New("video room already exists")
	ErrRoomNotFound        = errors.New("video room not found")
	ErrRoomExpired         = errors.New("video room has expired")
	ErrMissingCredentials  = errors.New("video provider credentials are missing")
	ErrProviderUnavailable = errors.New("video provider unavailable")
)

// Room is a provider-side room.
type Room struct {
	Name      string    `json:"room_reference"`
	URL       string    `json:"join_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RoomOptions controls room creation.
type RoomOptions struct {
	Name        string
	ExpiresAt   time.Time
	Recording   bool
	Chat        bool
	Screenshare bool
}

// TokenRequest scopes a join token to one room and one participant.
type TokenRequest struct {
	RoomName  string
	UserName  string
	IsOwner   bool
	ExpiresAt time.Time
}

type Provider interface {
	Name() string
	CreateRoom(ctx context.Context, opts RoomOptions) (Room, error)
	GetRoom(ctx context.Context, name string) (Room, error)
	CreateToken(ctx context.Context, req TokenRequest) (string, error)
}

// RoomCloser is implemented by providers that can end a room early.
type RoomCloser interface {
	CloseRoom(ctx context.Context, name string) error
}

// RoomDeleter is implemented by providers that can free a room name so it
// can be created again.
type RoomDeleter interface {
	DeleteRoom(ctx context.Context, name string) error
}

// ProviderError wraps a failed provider call. Network failures, 429 and 5xx
// responses are retryable and match ErrProviderUnavailable.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderUnavailable && e.Retryable()
}

// RetryAfter reports how long a caller should wait before retrying err, or
// zero when err is not retryable.
func RetryAfter(err error) time.Duration {
	var pe *ProviderError
	if !errors.As(err, &pe) || !pe.Retryable() {
		return 0
	}
	if pe.RetryAfter > 0 {
		return pe.RetryAfter
	}
	return 5 * time.Second
}
