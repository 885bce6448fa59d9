// Package notify propagates appointment status changes and chat messages to
// every subscriber, across server instances, through a pluggable bus.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	EventStatusChanged = "appointment.status"
	EventChatMessage   = "chat.message"
	// EventResync tells subscribers that events may have been missed and the
	// authoritative row must be re-read.
	EventResync = "resync"
)

const (
	KindStatus = "status"
	KindChat   = "chat"
)

// Event is a committed row change. Data holds the full row snapshot unless
// Truncated is set, in which case consumers re-fetch.
type Event struct {
	Type          string          `json:"type"`
	Topic         string          `json:"topic"`
	AppointmentID string          `json:"appointment_id"`
	Version       int64           `json:"version,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
	Truncated     bool            `json:"truncated,omitempty"`
}

// Publisher is implemented by anything that can emit an Event.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus carries events between server instances. Listen blocks, calling
// deliver for each received event, until ctx ends.
type Bus interface {
	Publisher
	Listen(ctx context.Context, deliver func(Event)) error
}

func StatusTopic(appointmentID string) string {
	return "appointment/" + appointmentID + "/" + KindStatus
}

func ChatTopic(appointmentID string) string {
	return "appointment/" + appointmentID + "/" + KindChat
}

// ParseTopic splits "appointment/<id>/<kind>".
func ParseTopic(topic string) (appointmentID, kind string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "appointment" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed topic %q", topic)
	}
	switch parts[2] {
	case KindStatus, KindChat:
	default:
		return "", "", fmt.Errorf("unknown topic kind %q", parts[2])
	}
	return parts[1], parts[2], nil
}

// NewEvent marshals a row snapshot into an event for topic.
func NewEvent(eventType, topic, appointmentID string, version int64, row interface{}) (Event, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event data: %w", err)
	}
	return Event{
		Type:          eventType,
		Topic:         topic,
		AppointmentID: appointmentID,
		Version:       version,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	}, nil
}
