package gateway

import (
	"testing"

	"github.com/duowheel/duowheel/go/internal/models"
)

func TestClassifyChange(t *testing.T) {
	base := func() *models.CoupleSession {
		return &models.CoupleSession{
			CoupleID:      "teamx",
			ParticipantA:  "Ana",
			WheelKind:     models.WheelKindNormal,
			ActiveOptions: []string{"A", "B"},
		}
	}

	tests := []struct {
		name string
		prev *models.CoupleSession
		next func(*models.CoupleSession)
		want EventType
	}{
		{
			name: "first delivery is a snapshot",
			prev: nil,
			next: func(s *models.CoupleSession) {},
			want: EventTypeSnapshot,
		},
		{
			name: "second participant joins",
			prev: base(),
			next: func(s *models.CoupleSession) { s.ParticipantB = "Luis" },
			want: EventTypeParticipantJoined,
		},
		{
			name: "spin starts",
			prev: base(),
			next: func(s *models.CoupleSession) {
				s.SpinInProgress = true
				s.TargetRotation = 1640
				s.SpinInitiator = "Ana"
			},
			want: EventTypeSpinStarted,
		},
		{
			name: "wheel reconfigured",
			prev: base(),
			next: func(s *models.CoupleSession) {
				s.WheelKind = models.WheelKindMystery
				s.ActiveOptions = []string{"X", "Y", "Z"}
			},
			want: EventTypeWheelUpdated,
		},
		{
			name: "no visible difference",
			prev: base(),
			next: func(s *models.CoupleSession) {},
			want: EventTypeSnapshot,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := base()
			tt.next(next)
			if got := classifyChange(tt.prev, next); got != tt.want {
				t.Errorf("classifyChange = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyChange_SpinFinished(t *testing.T) {
	prev := &models.CoupleSession{
		CoupleID:       "teamx",
		ParticipantA:   "Ana",
		ActiveOptions:  []string{"A", "B"},
		SpinInProgress: true,
		SpinInitiator:  "Ana",
	}
	next := prev.Clone()
	next.SpinInProgress = false
	next.LastResult = "B"
	next.ResultOwner = "Ana"

	if got := classifyChange(prev, next); got != EventTypeSpinFinished {
		t.Errorf("classifyChange = %q, want %q", got, EventTypeSpinFinished)
	}
}
