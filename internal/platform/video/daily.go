package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultDailyURL = "https://api.daily.co/v1"

// Daily talks to the Daily REST API.
type Daily struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewDaily(apiKey, baseURL string, client *http.Client) (*Daily, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("daily: %w", ErrMissingCredentials)
	}
	if baseURL == "" {
		baseURL = DefaultDailyURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Daily{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}, nil
}

func (d *Daily) Name() string { return "daily" }

type dailyRoomProperties struct {
	Exp               int64  `json:"exp,omitempty"`
	EnableRecording   string `json:"enable_recording,omitempty"`
	EnableChat        bool   `json:"enable_chat"`
	EnableScreenshare bool   `json:"enable_screenshare"`
	EjectAtRoomExp    bool   `json:"eject_at_room_exp"`
}

type dailyCreateRoom struct {
	Name       string              `json:"name"`
	Privacy    string              `json:"privacy"`
	Properties dailyRoomProperties `json:"properties"`
}

type dailyRoom struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Config struct {
		Exp int64 `json:"exp"`
	} `json:"config"`
}

type dailyError struct {
	Error string `json:"error"`
	Info  string `json:"info"`
}

func (r dailyRoom) toRoom() Room {
	room := Room{Name: r.Name, URL: r.URL}
	if r.Config.Exp > 0 {
		room.ExpiresAt = time.Unix(r.Config.Exp, 0).UTC()
	}
	return room
}

func (d *Daily) CreateRoom(ctx context.Context, opts RoomOptions) (Room, error) {
	body := dailyCreateRoom{
		Name:    opts.Name,
		Privacy: "private",
		Properties: dailyRoomProperties{
			Exp:               opts.ExpiresAt.Unix(),
			EnableChat:        opts.Chat,
			EnableScreenshare: opts.Screenshare,
			EjectAtRoomExp:    true,
		},
	}
	if opts.Recording {
		body.Properties.EnableRecording = "cloud"
	}

	var out dailyRoom
	if err := d.do(ctx, "create room", http.MethodPost, "/rooms", body, &out); err != nil {
		return Room{}, err
	}
	return out.toRoom(), nil
}

func (d *Daily) GetRoom(ctx context.Context, name string) (Room, error) {
	var out dailyRoom
	if err := d.do(ctx, "get room", http.MethodGet, "/rooms/"+url.PathEscape(name), nil, &out); err != nil {
		return Room{}, err
	}
	return out.toRoom(), nil
}

// DeleteRoom removes the room so its name can be reused.
func (d *Daily) DeleteRoom(ctx context.Context, name string) error {
	return d.do(ctx, "delete room", http.MethodDelete, "/rooms/"+url.PathEscape(name), nil, nil)
}

type dailyTokenRequest struct {
	Properties struct {
		RoomName string `json:"room_name"`
		UserName string `json:"user_name,omitempty"`
		IsOwner  bool   `json:"is_owner"`
		Exp      int64  `json:"exp"`
	} `json:"properties"`
}

func (d *Daily) CreateToken(ctx context.Context, req TokenRequest) (string, error) {
	var body dailyTokenRequest
	body.Properties.RoomName = req.RoomName
	body.Properties.UserName = req.UserName
	body.Properties.IsOwner = req.IsOwner
	body.Properties.Exp = req.ExpiresAt.Unix()

	var out struct {
		Token string `json:"token"`
	}
	if err := d.do(ctx, "create token", http.MethodPost, "/meeting-tokens", body, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &ProviderError{Provider: d.Name(), Op: "create token", Err: errors.New("empty token in response"), StatusCode: http.StatusBadGateway}
	}
	return out.Token, nil
}

func (d *Daily) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("daily %s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("daily %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProviderError{Provider: d.Name(), Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProviderError{Provider: d.Name(), Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 300 {
		var de dailyError
		_ = json.Unmarshal(raw, &de)
		msg := de.Info
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}

		switch {
		case resp.StatusCode == http.StatusBadRequest && strings.Contains(msg, "already exists"):
			return fmt.Errorf("daily %s: %s: %w", op, msg, ErrRoomExists)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("daily %s: %w", op, ErrRoomNotFound)
		}

		pe := &ProviderError{Provider: d.Name(), Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				pe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return pe
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &ProviderError{Provider: d.Name(), Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
