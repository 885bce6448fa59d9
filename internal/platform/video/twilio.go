package video

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/client/jwt"
	openapi "github.com/twilio/twilio-go/rest/video/v1"
)

// Twilio rejects duplicate unique names with this error code.
const twilioRoomExistsCode = 53113

type TwilioConfig struct {
	AccountSID string
	APIKey     string
	APISecret  string
	// JoinBaseURL is the web client that hosts Twilio rooms; the room name
	// is appended to it.
	JoinBaseURL string
	RoomTTL     time.Duration
}

// Twilio provisions Twilio Video group rooms. Twilio rooms have no absolute
// expiry, so ExpiresAt is derived from the creation time and RoomTTL, and
// participant sessions are capped at the same duration.
type Twilio struct {
	cfg    TwilioConfig
	client *twilio.RestClient
}

func NewTwilio(cfg TwilioConfig) (*Twilio, error) {
	if cfg.AccountSID == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("twilio: %w", ErrMissingCredentials)
	}
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = 2 * time.Hour
	}
	c := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username:   cfg.APIKey,
		Password:   cfg.APISecret,
		AccountSid: cfg.AccountSID,
	})
	return &Twilio{cfg: cfg, client: c}, nil
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) joinURL(name string) string {
	return strings.TrimRight(t.cfg.JoinBaseURL, "/") + "/" + name
}

func (t *Twilio) toRoom(r *openapi.VideoV1Room) Room {
	room := Room{}
	if r.UniqueName != nil {
		room.Name = *r.UniqueName
	}
	room.URL = t.joinURL(room.Name)
	created := time.Now()
	if r.DateCreated != nil {
		created = *r.DateCreated
	}
	room.ExpiresAt = created.Add(t.cfg.RoomTTL).UTC()
	return room
}

func participantDuration(ttl time.Duration) int {
	secs := int(ttl / time.Second)
	switch {
	case secs < 600:
		return 600
	case secs > 86400:
		return 86400
	}
	return secs
}

// idleTimeoutMinutes bounds how long Twilio keeps an empty or never-joined
// room open. Twilio accepts 1 to 60 minutes.
func idleTimeoutMinutes(ttl time.Duration) int {
	mins := int(ttl / time.Minute)
	switch {
	case mins < 1:
		return 1
	case mins > 60:
		return 60
	}
	return mins
}

func (t *Twilio) CreateRoom(ctx context.Context, opts RoomOptions) (Room, error) {
	ttl := time.Until(opts.ExpiresAt)
	params := &openapi.CreateRoomParams{}
	params.SetUniqueName(opts.Name)
	params.SetType("group")
	params.SetRecordParticipantsOnConnect(opts.Recording)
	params.SetMaxParticipantDuration(participantDuration(ttl))
	params.SetEmptyRoomTimeout(idleTimeoutMinutes(ttl))
	params.SetUnusedRoomTimeout(idleTimeoutMinutes(ttl))

	r, err := t.client.VideoV1.CreateRoom(params)
	if err != nil {
		return Room{}, t.wrap("create room", err)
	}
	return t.toRoom(r), nil
}

func (t *Twilio) GetRoom(ctx context.Context, name string) (Room, error) {
	r, err := t.client.VideoV1.FetchRoom(name)
	if err != nil {
		return Room{}, t.wrap("get room", err)
	}
	if r.Status != nil && *r.Status != "in-progress" {
		return Room{}, fmt.Errorf("twilio get room %s: status %s: %w", name, *r.Status, ErrRoomExpired)
	}
	return t.toRoom(r), nil
}

// CreateToken signs an access token locally; no API call is made. Twilio
// has no owner scope, so the owner flag is carried in the identity.
func (t *Twilio) CreateToken(ctx context.Context, req TokenRequest) (string, error) {
	ttl := time.Until(req.ExpiresAt)
	if ttl <= 0 {
		return "", fmt.Errorf("twilio create token: %w", ErrRoomExpired)
	}

	identity := req.UserName
	if req.IsOwner {
		identity = "host:" + identity
	}

	token := jwt.CreateAccessToken(jwt.AccessTokenParams{
		AccountSid:    t.cfg.AccountSID,
		SigningKeySid: t.cfg.APIKey,
		Secret:        t.cfg.APISecret,
		Identity:      identity,
		Ttl:           ttl.Seconds(),
	})
	token.AddGrant(&jwt.VideoGrant{Room: req.RoomName})

	signed, err := token.ToJwt()
	if err != nil {
		return "", fmt.Errorf("twilio create token: %w", err)
	}
	return signed, nil
}

// CloseRoom completes the room, disconnecting any remaining participants.
func (t *Twilio) CloseRoom(ctx context.Context, name string) error {
	params := &openapi.UpdateRoomParams{}
	params.SetStatus("completed")
	if _, err := t.client.VideoV1.UpdateRoom(name, params); err != nil {
		return t.wrap("close room", err)
	}
	return nil
}

// DeleteRoom completes the room. Twilio frees a unique name once its room
// is completed.
func (t *Twilio) DeleteRoom(ctx context.Context, name string) error {
	return t.CloseRoom(ctx, name)
}

func (t *Twilio) wrap(op string, err error) error {
	var restErr *client.TwilioRestError
	if !errors.As(err, &restErr) {
		return &ProviderError{Provider: t.Name(), Op: op, Err: err}
	}

	switch {
	case restErr.Code == twilioRoomExistsCode:
		return fmt.Errorf("twilio %s: %s: %w", op, restErr.Message, ErrRoomExists)
	case restErr.Status == http.StatusNotFound:
		return fmt.Errorf("twilio %s: %w", op, ErrRoomNotFound)
	}
	return &ProviderError{
		Provider:   t.Name(),
		Op:         op,
		StatusCode: restErr.Status,
		Err:        errors.New(restErr.Message),
	}
}
