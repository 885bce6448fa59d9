package video

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/twilio/twilio-go/client"
)

func TestNewTwilio_MissingCredentials(t *testing.T) {
	tests := []TwilioConfig{
		{},
		{AccountSID: "AC123"},
		{AccountSID: "AC123", APIKey: "SK123"},
	}
	for _, cfg := range tests {
		if _, err := NewTwilio(cfg); !errors.Is(err, ErrMissingCredentials) {
			t.Errorf("expected ErrMissingCredentials for %+v, got %v", cfg, err)
		}
	}
}

func TestTwilio_WrapErrors(t *testing.T) {
	tw, err := NewTwilio(TwilioConfig{AccountSID: "AC123", APIKey: "SK123", APISecret: "secret"})
	if err != nil {
		t.Fatalf("NewTwilio: %v", err)
	}

	exists := tw.wrap("create room", &client.TwilioRestError{Code: twilioRoomExistsCode, Status: http.StatusBadRequest, Message: "Room exists"})
	if !errors.Is(exists, ErrRoomExists) {
		t.Errorf("expected ErrRoomExists, got %v", exists)
	}

	missing := tw.wrap("get room", &client.TwilioRestError{Code: 20404, Status: http.StatusNotFound, Message: "not found"})
	if !errors.Is(missing, ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", missing)
	}

	down := tw.wrap("create room", &client.TwilioRestError{Code: 20500, Status: http.StatusServiceUnavailable, Message: "unavailable"})
	if !errors.Is(down, ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", down)
	}

	network := tw.wrap("create room", errors.New("dial tcp: connection refused"))
	if !errors.Is(network, ErrProviderUnavailable) {
		t.Errorf("expected network errors to be retryable, got %v", network)
	}

	bad := tw.wrap("create room", &client.TwilioRestError{Code: 53123, Status: http.StatusBadRequest, Message: "bad"})
	if errors.Is(bad, ErrProviderUnavailable) {
		t.Errorf("expected client errors to be permanent, got %v", bad)
	}
}

func TestTwilio_CreateTokenIsSignedLocally(t *testing.T) {
	tw, err := NewTwilio(TwilioConfig{AccountSID: "AC123", APIKey: "SK123", APISecret: "secret", JoinBaseURL: "https://join.example.com/"})
	if err != nil {
		t.Fatalf("NewTwilio: %v", err)
	}

	tok, err := tw.CreateToken(context.Background(), TokenRequest{
		RoomName:  "consult-appt-1",
		UserName:  "Ada",
		ExpiresAt: time.Now().Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if tok == "" {
		t.Fatal("expected a signed token")
	}

	if _, err := tw.CreateToken(context.Background(), TokenRequest{RoomName: "consult-appt-1", ExpiresAt: time.Now().Add(-time.Minute)}); !errors.Is(err, ErrRoomExpired) {
		t.Errorf("expected ErrRoomExpired for a past expiry, got %v", err)
	}

	if got := tw.joinURL("consult-appt-1"); got != "https://join.example.com/consult-appt-1" {
		t.Errorf("unexpected join url %q", got)
	}
}

func TestParticipantDuration(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want int
	}{
		{time.Minute, 600},
		{2 * time.Hour, 7200},
		{48 * time.Hour, 86400},
	}
	for _, tt := range tests {
		if got := participantDuration(tt.ttl); got != tt.want {
			t.Errorf("participantDuration(%s) = %d, want %d", tt.ttl, got, tt.want)
		}
	}
}

func TestIdleTimeoutMinutes(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want int
	}{
		{30 * time.Second, 1},
		{45 * time.Minute, 45},
		{2 * time.Hour, 60},
	}
	for _, tt := range tests {
		if got := idleTimeoutMinutes(tt.ttl); got != tt.want {
			t.Errorf("idleTimeoutMinutes(%s) = %d, want %d", tt.ttl, got, tt.want)
		}
	}
}
