package postgres

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/duowheel/duowheel/go/internal/couple"
	"github.com/duowheel/duowheel/go/internal/models"
)

const streamBuffer = 16

// listenerStream is one open change subscription for a couple id. The row
// trigger NOTIFYs the couple id on every insert/update; the stream re-reads
// the row and delivers the post-update snapshot. A fallback ticker re-reads
// the row periodically so a dropped notification only delays, never loses,
// the latest state (last-write-wins, no intermediate replay).
type listenerStream struct {
	store    *Store
	coupleID string
	pql      *pq.Listener
	ch       chan *models.CoupleSession

	once   sync.Once
	cancel context.CancelFunc

	lastSeen time.Time
}

func newListenerStream(ctx context.Context, store *Store, coupleID string) (*listenerStream, error) {
	pql := pq.NewListener(
		store.cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Str("couple_id", coupleID).Msg("listener event")
			}
		},
	)
	if err := pql.Listen(store.cfg.NotifyChannel); err != nil {
		pql.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	st := &listenerStream{
		store:    store,
		coupleID: coupleID,
		pql:      pql,
		ch:       make(chan *models.CoupleSession, streamBuffer),
		cancel:   cancel,
	}

	go st.run(runCtx)

	log.Debug().
		Str("couple_id", coupleID).
		Str("channel", store.cfg.NotifyChannel).
		Msg("watching couple session")
	return st, nil
}

func (st *listenerStream) Changes() <-chan *models.CoupleSession {
	return st.ch
}

func (st *listenerStream) Stop() {
	st.once.Do(st.cancel)
}

func (st *listenerStream) run(ctx context.Context) {
	defer close(st.ch)
	defer st.pql.Close()

	cfg := st.store.cfg
	pingTicker := time.NewTicker(cfg.PingInterval)
	fallbackTicker := time.NewTicker(cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case note := <-st.pql.Notify:
			if note == nil {
				// Connection was lost and re-established; the fallback
				// re-read covers anything missed in between.
				continue
			}
			if note.Extra != st.coupleID {
				continue
			}
			st.deliverLatest(ctx, false)
		case <-fallbackTicker.C:
			st.deliverLatest(ctx, true)
		case <-pingTicker.C:
			if err := st.pql.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// deliverLatest re-reads the row and pushes the snapshot. On the fallback
// path only changes newer than the last delivered snapshot are pushed.
func (st *listenerStream) deliverLatest(ctx context.Context, onlyIfNewer bool) {
	sess, err := st.store.GetSession(ctx, st.coupleID)
	if errors.Is(err, couple.ErrSessionNotFound) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("couple_id", st.coupleID).Msg("failed to re-read session")
		return
	}
	if onlyIfNewer && !sess.UpdatedAt.After(st.lastSeen) {
		return
	}
	st.lastSeen = sess.UpdatedAt

	select {
	case st.ch <- sess:
	default:
		log.Warn().Str("couple_id", st.coupleID).Msg("change buffer full, dropping snapshot")
	}
}
