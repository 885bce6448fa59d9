package video

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Fake is an in-memory provider for development and tests.
type Fake struct {
	mu     sync.Mutex
	rooms  map[string]Room
	closed map[string]bool

	creates atomic.Int64
	tokens  atomic.Int64
	deletes int

	// FailCreate, when set, is returned by CreateRoom.
	FailCreate error
}

func NewFake() *Fake {
	return &Fake{
		rooms:  make(map[string]Room),
		closed: make(map[string]bool),
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) CreateRoom(ctx context.Context, opts RoomOptions) (Room, error) {
	f.creates.Add(1)
	if f.FailCreate != nil {
		return Room{}, f.FailCreate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[opts.Name]; ok {
		return Room{}, fmt.Errorf("fake create room %s: %w", opts.Name, ErrRoomExists)
	}
	room := Room{
		Name:      opts.Name,
		URL:       "https://video.test/" + opts.Name,
		ExpiresAt: opts.ExpiresAt.UTC(),
	}
	f.rooms[opts.Name] = room
	return room, nil
}

func (f *Fake) GetRoom(ctx context.Context, name string) (Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[name]
	if !ok {
		return Room{}, fmt.Errorf("fake get room %s: %w", name, ErrRoomNotFound)
	}
	return room, nil
}

func (f *Fake) CreateToken(ctx context.Context, req TokenRequest) (string, error) {
	f.mu.Lock()
	_, ok := f.rooms[req.RoomName]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("fake create token %s: %w", req.RoomName, ErrRoomNotFound)
	}
	f.tokens.Add(1)
	scope := "participant"
	if req.IsOwner {
		scope = "owner"
	}
	return fmt.Sprintf("fake.%s.%s.%s", req.RoomName, scope, uuid.NewString()), nil
}

func (f *Fake) CloseRoom(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[name]; !ok {
		return fmt.Errorf("fake close room %s: %w", name, ErrRoomNotFound)
	}
	f.closed[name] = true
	return nil
}

func (f *Fake) DeleteRoom(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[name]; !ok {
		return fmt.Errorf("fake delete room %s: %w", name, ErrRoomNotFound)
	}
	delete(f.rooms, name)
	delete(f.closed, name)
	f.deletes++
	return nil
}

// CreateCalls reports how many times CreateRoom was invoked.
func (f *Fake) CreateCalls() int64 { return f.creates.Load() }

// TokenCalls reports how many tokens were minted.
func (f *Fake) TokenCalls() int64 { return f.tokens.Load() }

// DeleteCalls reports how many rooms were deleted.
func (f *Fake) DeleteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

func (f *Fake) Closed(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[name]
}
