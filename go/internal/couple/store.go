package couple

import (
	"context"
	"errors"

	"github.com/duowheel/duowheel/go/internal/models"
)

// Sentinel errors shared by every backend. Stores must return these exact
// values (or wrap them) so the engine can tell outcome classes apart from
// plain connectivity failures.
var (
	// ErrSessionNotFound means no session exists for the couple id. It is
	// an expected result, not a connectivity failure.
	ErrSessionNotFound = errors.New("couple session not found")

	// ErrSessionExists means a create lost the first-join race.
	ErrSessionExists = errors.New("couple session already exists")

	// ErrSlotTaken means the second participant slot was filled by a
	// concurrent joiner.
	ErrSlotTaken = errors.New("second participant slot already taken")

	// ErrSessionBusy means a spin is already in flight for the session.
	ErrSessionBusy = errors.New("spin already in progress")
)

// Store is the storage contract the engine runs against. All writes are
// full-snapshot updates of a single record keyed by couple id; the
// conditional operations (AttachParticipant, BeginSpin) must be
// compare-and-set at the backend so concurrent writers lose loudly instead
// of clobbering each other.
//
// Every mutating call stamps origin into the stored record so change feeds
// can filter self-echoes.
type Store interface {
	// GetSession returns the session or ErrSessionNotFound.
	GetSession(ctx context.Context, coupleID string) (*models.CoupleSession, error)

	// CreateSession inserts a new session record. Returns ErrSessionExists
	// if the couple id is already taken.
	CreateSession(ctx context.Context, session *models.CoupleSession) (*models.CoupleSession, error)

	// AttachParticipant fills the second participant slot. Conditional:
	// fails with ErrSlotTaken when the slot is no longer empty, and
	// ErrSessionNotFound when the session is missing.
	AttachParticipant(ctx context.Context, coupleID, name, origin string) (*models.CoupleSession, error)

	// BeginSpin transitions SpinInProgress false -> true, records the
	// target rotation and initiator, and clears the previous result.
	// Conditional: fails with ErrSessionBusy when already spinning.
	BeginSpin(ctx context.Context, coupleID string, rotationDeg float64, initiator, origin string) (*models.CoupleSession, error)

	// CompleteSpin transitions SpinInProgress true -> false and records
	// the result and its owner together.
	CompleteSpin(ctx context.Context, coupleID, result, owner, origin string) (*models.CoupleSession, error)

	// UpdateWheel replaces the wheel kind and option labels.
	UpdateWheel(ctx context.Context, coupleID string, kind models.WheelKind, options []string, origin string) (*models.CoupleSession, error)

	// TouchSession bumps the record's updated timestamp. Best-effort
	// telemetry; callers ignore the error beyond logging it.
	TouchSession(ctx context.Context, coupleID string) error

	// Watch opens a change stream delivering the post-update snapshot of
	// every mutation to the couple's record, in store order.
	Watch(ctx context.Context, coupleID string) (ChangeStream, error)

	// Close releases backend resources. The store is unusable afterwards.
	Close() error
}

// ChangeStream is one open subscription against the backing store.
type ChangeStream interface {
	// Changes delivers post-update snapshots. The channel closes when the
	// stream stops or the backend drops the subscription.
	Changes() <-chan *models.CoupleSession

	// Stop releases the stream. Idempotent.
	Stop()
}
