package couple

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/duowheel/duowheel/go/internal/models"
)

// OnChange receives the post-update snapshot of the couple's record. It is
// invoked on the feed goroutine; callbacks must not block for long.
type OnChange func(*models.CoupleSession)

// feed multiplexes one store change stream across all local subscribers of
// a couple id. The stream is opened on the first subscriber and released
// when the last one leaves.
type feed struct {
	coupleID string
	stream   ChangeStream

	mu     sync.Mutex
	subs   map[uint64]OnChange
	nextID uint64
}

// Subscribe registers a callback for every mutation of the couple's record.
// The current snapshot, if the session exists, is delivered to the new
// subscriber once before any change events. Snapshots originating from this
// engine instance are filtered out unless Config.DeliverEchoes is set.
//
// The returned function unsubscribes; it is idempotent, and the underlying
// store watch is released when the couple's last local subscriber leaves.
func (a *App) Subscribe(ctx context.Context, coupleID string, fn OnChange) (func(), error) {
	coupleID = strings.TrimSpace(coupleID)
	if coupleID == "" {
		return nil, fmt.Errorf("%w: couple id must not be empty", ErrInvalidInput)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: subscription callback must not be nil", ErrInvalidInput)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, fmt.Errorf("engine is closed")
	}

	f, ok := a.feeds[coupleID]
	if !ok {
		// The watch outlives the subscribe call, so it is bound to the
		// engine's lifetime rather than the caller's ctx.
		stream, err := a.store.Watch(a.baseCtx, coupleID)
		if err != nil {
			a.mu.Unlock()
			return nil, fmt.Errorf("failed to watch couple session: %w", err)
		}
		f = &feed{
			coupleID: coupleID,
			stream:   stream,
			subs:     make(map[uint64]OnChange),
		}
		a.feeds[coupleID] = f
		a.wg.Add(1)
		go a.pump(f)
	}
	id := f.add(fn)
	a.mu.Unlock()

	sess, err := a.store.GetSession(ctx, coupleID)
	switch {
	case err == nil:
		fn(sess.Clone())
	case err == ErrSessionNotFound:
		// Nothing to deliver yet; the create will arrive via the stream.
	default:
		a.removeSubscriber(coupleID, f, id)
		return nil, fmt.Errorf("failed to read initial snapshot: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			a.removeSubscriber(coupleID, f, id)
		})
	}, nil
}

// pump moves snapshots from the store stream to local subscribers until the
// stream closes.
func (a *App) pump(f *feed) {
	defer a.wg.Done()

	for snap := range f.stream.Changes() {
		if snap == nil {
			continue
		}
		if !a.cfg.DeliverEchoes && snap.Origin == a.origin {
			log.Debug().
				Str("couple_id", f.coupleID).
				Msg("dropping self-originated change")
			continue
		}
		for _, fn := range f.snapshotSubs() {
			fn(snap.Clone())
		}
	}

	// A stream the backend dropped must not linger as a dead feed: forget
	// it so the next Subscribe reopens the watch.
	a.mu.Lock()
	if a.feeds[f.coupleID] == f {
		delete(a.feeds, f.coupleID)
	}
	a.mu.Unlock()

	log.Debug().Str("couple_id", f.coupleID).Msg("change stream closed")
}

func (a *App) removeSubscriber(coupleID string, f *feed, id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if f.remove(id) == 0 {
		if a.feeds[coupleID] == f {
			delete(a.feeds, coupleID)
		}
		f.stop()
	}
}

func (f *feed) add(fn OnChange) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.subs[id] = fn
	return id
}

// remove deletes a subscriber and returns how many remain.
func (f *feed) remove(id uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	return len(f.subs)
}

// snapshotSubs copies the callbacks so delivery happens without the lock.
func (f *feed) snapshotSubs() []OnChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OnChange, 0, len(f.subs))
	for _, fn := range f.subs {
		out = append(out, fn)
	}
	return out
}

func (f *feed) stop() {
	f.stream.Stop()
}
