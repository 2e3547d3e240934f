// Package memory is an in-process Store used by tests and local
// development. It honors the same conditional-update semantics as the
// realtime backends and fans every mutation out to registered watchers.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duowheel/duowheel/go/internal/couple"
	"github.com/duowheel/duowheel/go/internal/models"
)

const watchBuffer = 16

// Store keeps couple sessions in a mutex-guarded map.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.CoupleSession
	watchers map[string]map[*stream]bool
	closed   bool

	now func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*models.CoupleSession),
		watchers: make(map[string]map[*stream]bool),
		now:      time.Now,
	}
}

func (s *Store) GetSession(_ context.Context, coupleID string) (*models.CoupleSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[coupleID]
	if !ok {
		return nil, couple.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *Store) CreateSession(_ context.Context, session *models.CoupleSession) (*models.CoupleSession, error) {
	s.mu.Lock()

	if _, ok := s.sessions[session.CoupleID]; ok {
		s.mu.Unlock()
		return nil, couple.ErrSessionExists
	}

	stored := session.Clone()
	now := s.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.sessions[session.CoupleID] = stored

	snap := stored.Clone()
	s.notifyLocked(session.CoupleID, snap)
	s.mu.Unlock()

	return snap.Clone(), nil
}

func (s *Store) AttachParticipant(_ context.Context, coupleID, name, origin string) (*models.CoupleSession, error) {
	return s.mutate(coupleID, func(sess *models.CoupleSession) error {
		if sess.ParticipantB != "" {
			return couple.ErrSlotTaken
		}
		sess.ParticipantB = name
		sess.Origin = origin
		return nil
	})
}

func (s *Store) BeginSpin(_ context.Context, coupleID string, rotationDeg float64, initiator, origin string) (*models.CoupleSession, error) {
	return s.mutate(coupleID, func(sess *models.CoupleSession) error {
		if sess.SpinInProgress {
			return couple.ErrSessionBusy
		}
		sess.SpinInProgress = true
		sess.TargetRotation = rotationDeg
		sess.SpinInitiator = initiator
		sess.LastResult = ""
		sess.ResultOwner = ""
		sess.Origin = origin
		return nil
	})
}

func (s *Store) CompleteSpin(_ context.Context, coupleID, result, owner, origin string) (*models.CoupleSession, error) {
	return s.mutate(coupleID, func(sess *models.CoupleSession) error {
		sess.SpinInProgress = false
		sess.LastResult = result
		sess.ResultOwner = owner
		sess.Origin = origin
		return nil
	})
}

func (s *Store) UpdateWheel(_ context.Context, coupleID string, kind models.WheelKind, options []string, origin string) (*models.CoupleSession, error) {
	opts := make([]string, len(options))
	copy(opts, options)
	return s.mutate(coupleID, func(sess *models.CoupleSession) error {
		sess.WheelKind = kind
		sess.ActiveOptions = opts
		sess.Origin = origin
		return nil
	})
}

func (s *Store) TouchSession(_ context.Context, coupleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[coupleID]
	if !ok {
		return couple.ErrSessionNotFound
	}
	// Timestamp-only bump; watchers are not notified for telemetry writes.
	sess.UpdatedAt = s.now()
	return nil
}

func (s *Store) Watch(ctx context.Context, coupleID string) (couple.ChangeStream, error) {
	st := &stream{
		ch:   make(chan *models.CoupleSession, watchBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.watchers[coupleID] == nil {
		s.watchers[coupleID] = make(map[*stream]bool)
	}
	s.watchers[coupleID][st] = true
	s.mu.Unlock()

	stop := func() {
		s.mu.Lock()
		if ws, ok := s.watchers[coupleID]; ok && ws[st] {
			delete(ws, st)
			if len(ws) == 0 {
				delete(s.watchers, coupleID)
			}
			close(st.ch)
		}
		s.mu.Unlock()
	}
	st.stopFn = stop

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				st.Stop()
			case <-st.done:
			}
		}()
	}

	return st, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for coupleID, ws := range s.watchers {
		for st := range ws {
			close(st.ch)
		}
		delete(s.watchers, coupleID)
	}
	return nil
}

// mutate applies fn to the stored record under the write lock, bumps
// UpdatedAt, and notifies watchers with the post-update snapshot.
func (s *Store) mutate(coupleID string, fn func(*models.CoupleSession) error) (*models.CoupleSession, error) {
	s.mu.Lock()

	sess, ok := s.sessions[coupleID]
	if !ok {
		s.mu.Unlock()
		return nil, couple.ErrSessionNotFound
	}
	if err := fn(sess); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sess.UpdatedAt = s.now()

	snap := sess.Clone()
	s.notifyLocked(coupleID, snap)
	s.mu.Unlock()

	return snap.Clone(), nil
}

// notifyLocked fans a snapshot out to the couple's watchers. Callers hold
// the write lock. Slow watchers drop the update rather than block writes.
func (s *Store) notifyLocked(coupleID string, snap *models.CoupleSession) {
	for st := range s.watchers[coupleID] {
		select {
		case st.ch <- snap.Clone():
		default:
			log.Warn().
				Str("couple_id", coupleID).
				Msg("watcher buffer full, dropping change")
		}
	}
}

type stream struct {
	ch     chan *models.CoupleSession
	done   chan struct{}
	once   sync.Once
	stopFn func()
}

func (st *stream) Changes() <-chan *models.CoupleSession {
	return st.ch
}

func (st *stream) Stop() {
	st.once.Do(func() {
		close(st.done)
		st.stopFn()
	})
}
