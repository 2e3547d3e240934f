// Package postgres is the relational realtime backend: couple sessions live
// in a single table, conditional writes guard the join and spin races, and
// change propagation rides LISTEN/NOTIFY via a row trigger.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/duowheel/duowheel/go/internal/couple"
	"github.com/duowheel/duowheel/go/internal/models"
)

const sessionColumns = `couple_id, participant_a, participant_b, wheel_kind, active_options,
	spin_in_progress, target_rotation, spin_initiator, last_result, result_owner, origin,
	created_at, updated_at`

// Config holds backend settings.
type Config struct {
	// DatabaseURL is the Postgres DSN, used both for the pool and for the
	// notification listener.
	DatabaseURL string

	NotifyChannel    string
	PingInterval     time.Duration
	FallbackInterval time.Duration
}

// DefaultConfig returns listener defaults matching the schema's trigger.
func DefaultConfig() Config {
	return Config{
		NotifyChannel:    "couple_session_changes",
		PingInterval:     90 * time.Second,
		FallbackInterval: 30 * time.Second,
	}
}

// Store implements couple.Store on Postgres.
type Store struct {
	db  *sql.DB
	cfg Config
}

// NewStore opens a connection pool against cfg.DatabaseURL.
func NewStore(cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db, cfg: cfg}, nil
}

// NewStoreWithDB wraps an existing pool; the caller owns the pool.
func NewStoreWithDB(db *sql.DB, cfg Config) *Store {
	return &Store{db: db, cfg: cfg}
}

func (s *Store) GetSession(ctx context.Context, coupleID string) (*models.CoupleSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM couple_sessions WHERE couple_id = $1`, coupleID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, couple.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get couple session: %w", err)
	}
	return sess, nil
}

func (s *Store) CreateSession(ctx context.Context, session *models.CoupleSession) (*models.CoupleSession, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO couple_sessions (couple_id, participant_a, wheel_kind, active_options, origin)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (couple_id) DO NOTHING
		RETURNING `+sessionColumns,
		session.CoupleID,
		session.ParticipantA,
		string(session.WheelKind),
		pq.Array(session.ActiveOptions),
		nullable(session.Origin),
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, couple.ErrSessionExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create couple session: %w", err)
	}
	return sess, nil
}

func (s *Store) AttachParticipant(ctx context.Context, coupleID, name, origin string) (*models.CoupleSession, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE couple_sessions
		SET participant_b = $2, origin = $3, updated_at = now()
		WHERE couple_id = $1 AND (participant_b IS NULL OR participant_b = '')
		RETURNING `+sessionColumns,
		coupleID, name, nullable(origin),
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.conditionalFailure(ctx, coupleID, couple.ErrSlotTaken)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to attach participant: %w", err)
	}
	return sess, nil
}

func (s *Store) BeginSpin(ctx context.Context, coupleID string, rotationDeg float64, initiator, origin string) (*models.CoupleSession, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE couple_sessions
		SET spin_in_progress = TRUE,
		    target_rotation = $2,
		    spin_initiator = $3,
		    last_result = NULL,
		    result_owner = NULL,
		    origin = $4,
		    updated_at = now()
		WHERE couple_id = $1 AND spin_in_progress = FALSE
		RETURNING `+sessionColumns,
		coupleID, rotationDeg, initiator, nullable(origin),
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.conditionalFailure(ctx, coupleID, couple.ErrSessionBusy)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to begin spin: %w", err)
	}
	return sess, nil
}

func (s *Store) CompleteSpin(ctx context.Context, coupleID, result, owner, origin string) (*models.CoupleSession, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE couple_sessions
		SET spin_in_progress = FALSE,
		    last_result = $2,
		    result_owner = $3,
		    origin = $4,
		    updated_at = now()
		WHERE couple_id = $1
		RETURNING `+sessionColumns,
		coupleID, result, owner, nullable(origin),
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, couple.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete spin: %w", err)
	}
	return sess, nil
}

func (s *Store) UpdateWheel(ctx context.Context, coupleID string, kind models.WheelKind, options []string, origin string) (*models.CoupleSession, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE couple_sessions
		SET wheel_kind = $2, active_options = $3, origin = $4, updated_at = now()
		WHERE couple_id = $1
		RETURNING `+sessionColumns,
		coupleID, string(kind), pq.Array(options), nullable(origin),
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, couple.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update wheel: %w", err)
	}
	return sess, nil
}

func (s *Store) TouchSession(ctx context.Context, coupleID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE couple_sessions SET updated_at = now() WHERE couple_id = $1`, coupleID)
	if err != nil {
		return fmt.Errorf("failed to touch couple session: %w", err)
	}
	return nil
}

func (s *Store) Watch(ctx context.Context, coupleID string) (couple.ChangeStream, error) {
	return newListenerStream(ctx, s, coupleID)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// conditionalFailure turns a zero-row conditional update into the right
// sentinel: the guard failed if the row exists, otherwise it was never
// there.
func (s *Store) conditionalFailure(ctx context.Context, coupleID string, guardErr error) error {
	if _, err := s.GetSession(ctx, coupleID); err != nil {
		return err
	}
	return guardErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.CoupleSession, error) {
	var (
		sess          models.CoupleSession
		participantB  sql.NullString
		wheelKind     string
		options       pq.StringArray
		spinInitiator sql.NullString
		lastResult    sql.NullString
		resultOwner   sql.NullString
		origin        sql.NullString
	)

	err := row.Scan(
		&sess.CoupleID,
		&sess.ParticipantA,
		&participantB,
		&wheelKind,
		&options,
		&sess.SpinInProgress,
		&sess.TargetRotation,
		&spinInitiator,
		&lastResult,
		&resultOwner,
		&origin,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.ParticipantB = participantB.String
	sess.WheelKind = models.WheelKind(wheelKind)
	sess.ActiveOptions = []string(options)
	sess.SpinInitiator = spinInitiator.String
	sess.LastResult = lastResult.String
	sess.ResultOwner = resultOwner.String
	sess.Origin = origin.String

	return &sess, nil
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
