// Package couple implements the couple-session synchronizer: an idempotent
// create-or-join directory, the two-phase spin protocol, and a change feed
// that re-delivers remote mutations to local subscribers. The engine is
// storage-agnostic; backends plug in through the Store contract.
package couple

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/duowheel/duowheel/go/internal/models"
	"github.com/duowheel/duowheel/go/internal/wheel"
)

// ErrInvalidInput marks caller mistakes (blank ids, unknown wheel kinds,
// spinning an empty wheel) so transports can report them as client errors
// instead of connectivity failures.
var ErrInvalidInput = errors.New("invalid input")

// Config holds engine tuning knobs.
type Config struct {
	// SpinDelay is how long the initiating client waits between committing
	// the spin start and committing the result. It stands in for "wheel
	// animation complete" on both screens.
	SpinDelay time.Duration

	// DeliverEchoes disables self-echo filtering: subscribers also see
	// snapshots for writes this engine instance made itself.
	DeliverEchoes bool

	// FinishTimeout bounds the deferred result commit.
	FinishTimeout time.Duration

	// Clock and RNG are injectable for tests; nil means real clock and a
	// time-seeded RNG.
	Clock clockwork.Clock
	RNG   wheel.RNG
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		SpinDelay:     3 * time.Second,
		DeliverEchoes: false,
		FinishTimeout: 10 * time.Second,
	}
}

// App drives couple sessions against a pluggable store. One App per
// process/participant; its origin id is stamped into every write so the
// change feed can tell local writes from remote ones.
type App struct {
	store  Store
	cfg    Config
	clock  clockwork.Clock
	origin string

	rngMu sync.Mutex
	rng   wheel.RNG

	mu     sync.Mutex
	feeds  map[string]*feed
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewApp creates an engine bound to a store.
func NewApp(store Store, cfg Config) *App {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	rng := cfg.RNG
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		store:   store,
		cfg:     cfg,
		clock:   clock,
		rng:     rng,
		origin:  uuid.New().String(),
		feeds:   make(map[string]*feed),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Origin returns the engine instance id stamped into its writes.
func (a *App) Origin() string {
	return a.origin
}

// CreateOrJoin resolves a couple id to its shared session, creating it for
// the first joiner and attaching the second distinct joiner exactly once.
// Reconnects by either participant, and joins against an already-full
// session, return the record unchanged.
func (a *App) CreateOrJoin(ctx context.Context, coupleID, userName string) (*models.CoupleSession, error) {
	coupleID = strings.TrimSpace(coupleID)
	userName = strings.TrimSpace(userName)
	if coupleID == "" {
		return nil, fmt.Errorf("%w: couple id must not be empty", ErrInvalidInput)
	}
	if userName == "" {
		return nil, fmt.Errorf("%w: user name must not be empty", ErrInvalidInput)
	}

	sess, err := a.store.GetSession(ctx, coupleID)
	if err == ErrSessionNotFound {
		created, createErr := a.store.CreateSession(ctx, &models.CoupleSession{
			CoupleID:      coupleID,
			ParticipantA:  userName,
			WheelKind:     models.WheelKindNormal,
			ActiveOptions: []string{},
			Origin:        a.origin,
		})
		if createErr == nil {
			log.Info().
				Str("couple_id", coupleID).
				Str("participant", userName).
				Msg("created couple session")
			return created, nil
		}
		if createErr != ErrSessionExists {
			return nil, fmt.Errorf("failed to create couple session: %w", createErr)
		}
		// Lost the first-join race; re-read and fall through to join.
		sess, err = a.store.GetSession(ctx, coupleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get couple session: %w", err)
	}

	if sess.HasParticipant(userName) || sess.Full() {
		if touchErr := a.store.TouchSession(ctx, coupleID); touchErr != nil {
			log.Debug().Err(touchErr).Str("couple_id", coupleID).Msg("failed to touch session")
		}
		return sess, nil
	}

	joined, err := a.store.AttachParticipant(ctx, coupleID, userName, a.origin)
	if err == ErrSlotTaken {
		// A concurrent second joiner won; the caller keeps whatever the
		// record now says.
		return a.store.GetSession(ctx, coupleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to join couple session: %w", err)
	}

	log.Info().
		Str("couple_id", coupleID).
		Str("participant", userName).
		Msg("second participant joined")
	return joined, nil
}

// GetSession returns the current session snapshot, or ErrSessionNotFound.
func (a *App) GetSession(ctx context.Context, coupleID string) (*models.CoupleSession, error) {
	return a.store.GetSession(ctx, strings.TrimSpace(coupleID))
}

// UpdateWheel reconfigures the wheel kind and option labels.
func (a *App) UpdateWheel(ctx context.Context, coupleID string, kind models.WheelKind, options []string) (*models.CoupleSession, error) {
	switch kind {
	case models.WheelKindMystery, models.WheelKindNormal, models.WheelKindSurprise:
	default:
		return nil, fmt.Errorf("%w: unknown wheel kind %q", ErrInvalidInput, kind)
	}
	return a.store.UpdateWheel(ctx, strings.TrimSpace(coupleID), kind, options, a.origin)
}

// StartSpin commits the spin start: the shared record becomes the source of
// truth for the rotation both clients animate toward. Returns
// ErrSessionBusy when a spin is already in flight.
func (a *App) StartSpin(ctx context.Context, coupleID string, rotationDeg float64, initiator string) (*models.CoupleSession, error) {
	sess, err := a.store.GetSession(ctx, coupleID)
	if err != nil {
		return nil, err
	}
	if len(sess.ActiveOptions) == 0 {
		return nil, fmt.Errorf("%w: wheel has no options", ErrInvalidInput)
	}

	return a.store.BeginSpin(ctx, coupleID, rotationDeg, initiator, a.origin)
}

// FinishSpin commits the result. Called exactly once, by the same client
// that started the spin, once its animation delay has elapsed.
func (a *App) FinishSpin(ctx context.Context, coupleID, result, owner string) (*models.CoupleSession, error) {
	return a.store.CompleteSpin(ctx, coupleID, result, owner, a.origin)
}

// Spin runs the whole protocol for the initiating client: pick a target
// rotation, commit the spin start, and after SpinDelay commit the outcome
// computed from that rotation, attributed to the initiator.
//
// The returned snapshot is the SPINNING state. A failed deferred commit is
// logged and leaves the session spinning until the next spin overwrites it;
// there is no compensating transaction.
func (a *App) Spin(ctx context.Context, coupleID, initiator string) (*models.CoupleSession, error) {
	a.rngMu.Lock()
	rotation := wheel.TargetRotation(a.rng)
	a.rngMu.Unlock()

	sess, err := a.StartSpin(ctx, coupleID, rotation, initiator)
	if err != nil {
		return nil, err
	}

	_, label, err := wheel.Outcome(rotation, sess.ActiveOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to determine outcome: %w", err)
	}

	log.Info().
		Str("couple_id", coupleID).
		Str("initiator", initiator).
		Float64("target_rotation", rotation).
		Msg("spin started")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case <-a.clock.After(a.cfg.SpinDelay):
		case <-a.baseCtx.Done():
			return
		}

		finishCtx, cancel := context.WithTimeout(context.Background(), a.finishTimeout())
		defer cancel()
		if _, err := a.FinishSpin(finishCtx, coupleID, label, initiator); err != nil {
			log.Error().
				Err(err).
				Str("couple_id", coupleID).
				Msg("failed to commit spin result, session may be stuck spinning")
		}
	}()

	return sess, nil
}

func (a *App) finishTimeout() time.Duration {
	if a.cfg.FinishTimeout > 0 {
		return a.cfg.FinishTimeout
	}
	return DefaultConfig().FinishTimeout
}

// Close stops every change feed and waits for in-flight spin commits.
func (a *App) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	feeds := a.feeds
	a.feeds = make(map[string]*feed)
	a.mu.Unlock()

	a.cancel()
	for _, f := range feeds {
		f.stop()
	}
	a.wg.Wait()

	log.Info().Str("origin", a.origin).Msg("couple engine closed")
}
