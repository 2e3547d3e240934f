package models

import (
	"time"
)

// WheelKind defines which wheel variant a couple is playing.
type WheelKind string

const (
	WheelKindMystery  WheelKind = "MYSTERY"
	WheelKindNormal   WheelKind = "NORMAL"
	WheelKindSurprise WheelKind = "SURPRISE"
)

// CoupleSession is the single shared record coordinating two participants
// around one wheel. Both clients mutate this record through the engine and
// observe each other's mutations through the change feed.
//
// TargetRotation is always in degrees. The value written by the spin
// initiator is the exact value every client animates toward.
type CoupleSession struct {
	CoupleID       string    `json:"couple_id"`
	ParticipantA   string    `json:"participant_a"`
	ParticipantB   string    `json:"participant_b,omitempty"`
	WheelKind      WheelKind `json:"wheel_kind"`
	ActiveOptions  []string  `json:"active_options"`
	SpinInProgress bool      `json:"spin_in_progress"`
	TargetRotation float64   `json:"target_rotation"`
	SpinInitiator  string    `json:"spin_initiator,omitempty"`
	LastResult     string    `json:"last_result,omitempty"`
	ResultOwner    string    `json:"result_owner,omitempty"`
	Origin         string    `json:"origin,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasParticipant reports whether name is already attached to the session.
func (s *CoupleSession) HasParticipant(name string) bool {
	return name != "" && (s.ParticipantA == name || s.ParticipantB == name)
}

// Full reports whether both participant slots are taken.
func (s *CoupleSession) Full() bool {
	return s.ParticipantA != "" && s.ParticipantB != ""
}

// Clone returns a deep copy so subscribers can never mutate shared state.
func (s *CoupleSession) Clone() *CoupleSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.ActiveOptions != nil {
		out.ActiveOptions = make([]string, len(s.ActiveOptions))
		copy(out.ActiveOptions, s.ActiveOptions)
	}
	return &out
}
