// Package natskv is the document-store realtime backend: couple sessions
// are JSON documents in a JetStream KeyValue bucket, CAS rides KV
// revisions, and change propagation rides key watchers.
package natskv

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/duowheel/duowheel/go/internal/couple"
	"github.com/duowheel/duowheel/go/internal/models"
)

// casAttempts bounds the read-modify-write loop for non-guarded updates
// that race unrelated field writes.
const casAttempts = 5

// keyEncoding maps arbitrary couple ids onto the KV key charset.
var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Config holds backend settings.
type Config struct {
	URL           string
	Bucket        string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns defaults mirroring the gateway's NATS settings.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Bucket:        "couple-sessions",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Store implements couple.Store on a JetStream KeyValue bucket.
type Store struct {
	nc *nats.Conn
	kv jetstream.KeyValue

	now func() time.Time
}

// NewStore connects to NATS and ensures the session bucket exists.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "couple wheel sessions",
		History:     1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure key-value bucket: %w", err)
	}

	return &Store{nc: nc, kv: kv, now: time.Now}, nil
}

func (s *Store) GetSession(ctx context.Context, coupleID string) (*models.CoupleSession, error) {
	entry, err := s.kv.Get(ctx, keyFor(coupleID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, couple.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get couple session: %w", err)
	}
	return decodeSession(entry.Value())
}

func (s *Store) CreateSession(ctx context.Context, session *models.CoupleSession) (*models.CoupleSession, error) {
	stored := session.Clone()
	now := s.now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode couple session: %w", err)
	}

	if _, err := s.kv.Create(ctx, keyFor(session.CoupleID), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil, couple.ErrSessionExists
		}
		return nil, fmt.Errorf("failed to create couple session: %w", err)
	}
	return stored, nil
}

func (s *Store) AttachParticipant(ctx context.Context, coupleID, name, origin string) (*models.CoupleSession, error) {
	return s.update(ctx, coupleID, func(sess *models.CoupleSession) error {
		if sess.ParticipantB != "" {
			return couple.ErrSlotTaken
		}
		sess.ParticipantB = name
		sess.Origin = origin
		return nil
	})
}

func (s *Store) BeginSpin(ctx context.Context, coupleID string, rotationDeg float64, initiator, origin string) (*models.CoupleSession, error) {
	return s.update(ctx, coupleID, func(sess *models.CoupleSession) error {
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

func (s *Store) CompleteSpin(ctx context.Context, coupleID, result, owner, origin string) (*models.CoupleSession, error) {
	return s.update(ctx, coupleID, func(sess *models.CoupleSession) error {
		sess.SpinInProgress = false
		sess.LastResult = result
		sess.ResultOwner = owner
		sess.Origin = origin
		return nil
	})
}

func (s *Store) UpdateWheel(ctx context.Context, coupleID string, kind models.WheelKind, options []string, origin string) (*models.CoupleSession, error) {
	opts := make([]string, len(options))
	copy(opts, options)
	return s.update(ctx, coupleID, func(sess *models.CoupleSession) error {
		sess.WheelKind = kind
		sess.ActiveOptions = opts
		sess.Origin = origin
		return nil
	})
}

func (s *Store) TouchSession(ctx context.Context, coupleID string) error {
	// A KV put would bump the revision and wake every watcher for a
	// telemetry-only write, so verify the key and leave the record alone.
	_, err := s.kv.Get(ctx, keyFor(coupleID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return couple.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to touch couple session: %w", err)
	}
	return nil
}

func (s *Store) Watch(ctx context.Context, coupleID string) (couple.ChangeStream, error) {
	watcher, err := s.kv.Watch(ctx, keyFor(coupleID))
	if err != nil {
		return nil, fmt.Errorf("failed to watch couple session: %w", err)
	}

	st := &stream{
		watcher: watcher,
		ch:      make(chan *models.CoupleSession, 16),
	}
	go st.run(coupleID)
	return st, nil
}

func (s *Store) Close() error {
	s.nc.Close()
	return nil
}

// update is a revision-guarded read-modify-write. fn enforces the guard on
// the current state; the KV revision ensures no write interleaved between
// the read and the commit. Revision conflicts from unrelated field writes
// are retried with a fresh read.
func (s *Store) update(ctx context.Context, coupleID string, fn func(*models.CoupleSession) error) (*models.CoupleSession, error) {
	key := keyFor(coupleID)

	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, couple.ErrSessionNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get couple session: %w", err)
		}

		sess, err := decodeSession(entry.Value())
		if err != nil {
			return nil, err
		}
		if err := fn(sess); err != nil {
			return nil, err
		}
		sess.UpdatedAt = s.now().UTC()

		data, err := json.Marshal(sess)
		if err != nil {
			return nil, fmt.Errorf("failed to encode couple session: %w", err)
		}

		if _, err := s.kv.Update(ctx, key, data, entry.Revision()); err != nil {
			lastErr = err
			continue
		}
		return sess, nil
	}

	return nil, fmt.Errorf("failed to update couple session after %d attempts: %w", casAttempts, lastErr)
}

type stream struct {
	watcher jetstream.KeyWatcher
	ch      chan *models.CoupleSession
	once    sync.Once
}

func (st *stream) Changes() <-chan *models.CoupleSession {
	return st.ch
}

func (st *stream) Stop() {
	st.once.Do(func() {
		if err := st.watcher.Stop(); err != nil {
			log.Debug().Err(err).Msg("failed to stop key watcher")
		}
	})
}

func (st *stream) run(coupleID string) {
	defer close(st.ch)

	for entry := range st.watcher.Updates() {
		// A nil entry marks the end of the initial replay.
		if entry == nil {
			continue
		}
		if entry.Operation() != jetstream.KeyValuePut {
			continue
		}

		sess, err := decodeSession(entry.Value())
		if err != nil {
			log.Error().Err(err).Str("couple_id", coupleID).Msg("failed to decode change")
			continue
		}

		select {
		case st.ch <- sess:
		default:
			log.Warn().Str("couple_id", coupleID).Msg("change buffer full, dropping snapshot")
		}
	}
}

func keyFor(coupleID string) string {
	return keyEncoding.EncodeToString([]byte(coupleID))
}

func decodeSession(data []byte) (*models.CoupleSession, error) {
	var sess models.CoupleSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode couple session: %w", err)
	}
	if sess.ActiveOptions == nil {
		sess.ActiveOptions = []string{}
	}
	return &sess, nil
}
