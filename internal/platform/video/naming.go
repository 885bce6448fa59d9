package video

import (
	"strings"
)

const (
	roomPrefix     = "consult-"
	maxRoomNameLen = 64
)

// RoomName derives the deterministic room name for an appointment, so that
// retries and concurrent instances address the same provider room.
func RoomName(appointmentID string) string {
	var b strings.Builder
	b.WriteString(roomPrefix)

	lastDash := true
	for _, r := range strings.ToLower(appointmentID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}

	name := strings.TrimRight(b.String(), "-")
	if len(name) > maxRoomNameLen {
		name = strings.TrimRight(name[:maxRoomNameLen], "-")
	}
	return name
}
