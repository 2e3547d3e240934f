package gateway

import (
	"time"

	"github.com/duowheel/duowheel/go/internal/models"
)

// SessionEvent is the envelope pushed to websocket clients on every change
// to their couple's record. Session always carries the full post-update
// snapshot; Type is derived by diffing consecutive snapshots so clients can
// react without diffing themselves.
type SessionEvent struct {
	ID        string                `json:"id"`
	CoupleID  string                `json:"couple_id"`
	Type      EventType             `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	Session   *models.CoupleSession `json:"session"`
}

// EventType classifies a session change.
type EventType string

const (
	EventTypeSnapshot          EventType = "Snapshot"
	EventTypeParticipantJoined EventType = "ParticipantJoined"
	EventTypeSpinStarted       EventType = "SpinStarted"
	EventTypeSpinFinished      EventType = "SpinFinished"
	EventTypeWheelUpdated      EventType = "WheelUpdated"
)

// classifyChange derives the event type for next given the previously
// delivered snapshot. The first delivery is always a plain snapshot.
func classifyChange(prev, next *models.CoupleSession) EventType {
	if prev == nil {
		return EventTypeSnapshot
	}

	switch {
	case prev.ParticipantB == "" && next.ParticipantB != "":
		return EventTypeParticipantJoined
	case !prev.SpinInProgress && next.SpinInProgress:
		return EventTypeSpinStarted
	case prev.SpinInProgress && !next.SpinInProgress && next.LastResult != "":
		return EventTypeSpinFinished
	case prev.WheelKind != next.WheelKind || !equalOptions(prev.ActiveOptions, next.ActiveOptions):
		return EventTypeWheelUpdated
	default:
		return EventTypeSnapshot
	}
}

func equalOptions(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
