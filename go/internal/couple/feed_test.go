package couple_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/duowheel/duowheel/go/internal/couple"
	"github.com/duowheel/duowheel/go/internal/models"
	"github.com/duowheel/duowheel/go/internal/storage/memory"
)

func collect(t *testing.T) (couple.OnChange, <-chan *models.CoupleSession) {
	t.Helper()
	ch := make(chan *models.CoupleSession, 32)
	return func(sess *models.CoupleSession) {
		ch <- sess
	}, ch
}

func next(t *testing.T, ch <-chan *models.CoupleSession) *models.CoupleSession {
	t.Helper()
	select {
	case sess := <-ch:
		return sess
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func expectNone(t *testing.T, ch <-chan *models.CoupleSession) {
	t.Helper()
	select {
	case sess := <-ch:
		t.Fatalf("unexpected snapshot: %+v", sess)
	case <-time.After(100 * time.Millisecond):
	}
}

// Two engines on one store stand in for the two participants' clients.
func TestSubscribe_ObservesRemoteSpinLifecycle(t *testing.T) {
	store := memory.NewStore()
	spinner := newTestApp(t, store, couple.DefaultConfig())
	watcherApp := newTestApp(t, store, couple.DefaultConfig())
	ctx := context.Background()

	fn, ch := collect(t)
	unsubscribe, err := watcherApp.Subscribe(ctx, "teamx", fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unsubscribe()

	if _, err := spinner.CreateOrJoin(ctx, "teamx", "Ana"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	created := next(t, ch)
	if created.ParticipantA != "Ana" {
		t.Fatalf("participant_a = %q, want Ana", created.ParticipantA)
	}

	if _, err := spinner.UpdateWheel(ctx, "teamx", models.WheelKindNormal, []string{"A", "B", "C", "D"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	next(t, ch)

	if _, err := spinner.StartSpin(ctx, "teamx", 200, "Ana"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spinning := next(t, ch)
	if !spinning.SpinInProgress {
		t.Fatal("expected a notification with spin in progress")
	}
	if spinning.LastResult != "" {
		t.Fatalf("result should be cleared while spinning, got %q", spinning.LastResult)
	}

	if _, err := spinner.FinishSpin(ctx, "teamx", "B", "Ana"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	finished := next(t, ch)
	if finished.SpinInProgress {
		t.Fatal("expected a notification with spin finished")
	}
	if finished.LastResult != "B" || finished.ResultOwner != "Ana" {
		t.Fatalf("result = %q/%q, want B/Ana", finished.LastResult, finished.ResultOwner)
	}
}

func TestSubscribe_DeliversInitialSnapshot(t *testing.T) {
	store := memory.NewStore()
	app := newTestApp(t, store, couple.DefaultConfig())
	ctx := context.Background()

	if _, err := app.CreateOrJoin(ctx, "teamx", "Ana"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fn, ch := collect(t)
	unsubscribe, err := app.Subscribe(ctx, "teamx", fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unsubscribe()

	snap := next(t, ch)
	if snap.CoupleID != "teamx" || snap.ParticipantA != "Ana" {
		t.Fatalf("unexpected initial snapshot: %+v", snap)
	}
}

func TestSubscribe_FiltersSelfEchoes(t *testing.T) {
	store := memory.NewStore()
	app := newTestApp(t, store, couple.DefaultConfig())
	ctx := context.Background()

	fn, ch := collect(t)
	unsubscribe, err := app.Subscribe(ctx, "teamx", fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unsubscribe()

	// Writes from this engine instance are not re-delivered to it.
	if _, err := app.CreateOrJoin(ctx, "teamx", "Ana"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectNone(t, ch)
}

func TestSubscribe_DeliversEchoesWhenConfigured(t *testing.T) {
	store := memory.NewStore()
	cfg := couple.DefaultConfig()
	cfg.DeliverEchoes = true
	app := newTestApp(t, store, cfg)
	ctx := context.Background()

	fn, ch := collect(t)
	unsubscribe, err := app.Subscribe(ctx, "teamx", fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unsubscribe()

	if _, err := app.CreateOrJoin(ctx, "teamx", "Ana"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := next(t, ch)
	if snap.ParticipantA != "Ana" {
		t.Fatalf("participant_a = %q, want Ana", snap.ParticipantA)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	store := memory.NewStore()
	writer := newTestApp(t, store, couple.DefaultConfig())
	watcherApp := newTestApp(t, store, couple.DefaultConfig())
	ctx := context.Background()

	fn, ch := collect(t)
	unsubscribe, err := watcherApp.Subscribe(ctx, "teamx", fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	unsubscribe()
	unsubscribe()

	if _, err := writer.CreateOrJoin(ctx, "teamx", "Ana"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectNone(t, ch)
}

// severingStore hands out one stream whose channel the test can close
// without Stop, simulating a backend dropping the subscription; later
// watches delegate to the real store.
type severingStore struct {
	*memory.Store

	mu      sync.Mutex
	severed chan *models.CoupleSession
	handed  bool
	reopens int
}

func (s *severingStore) Watch(ctx context.Context, coupleID string) (couple.ChangeStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.handed {
		s.handed = true
		return deadStream{ch: s.severed}, nil
	}
	s.reopens++
	return s.Store.Watch(ctx, coupleID)
}

func (s *severingStore) reopened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reopens > 0
}

type deadStream struct{ ch chan *models.CoupleSession }

func (d deadStream) Changes() <-chan *models.CoupleSession { return d.ch }
func (d deadStream) Stop()                                 {}

func TestSubscribe_ReopensWatchAfterStreamDrop(t *testing.T) {
	inner := memory.NewStore()
	store := &severingStore{Store: inner, severed: make(chan *models.CoupleSession)}
	watcherApp := newTestApp(t, store, couple.DefaultConfig())
	writer := newTestApp(t, inner, couple.DefaultConfig())
	ctx := context.Background()

	fn, _ := collect(t)
	unsubscribe, err := watcherApp.Subscribe(ctx, "teamx", fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unsubscribe()

	// Backend drops the stream out from under the feed.
	close(store.severed)

	// Once the dead feed is forgotten, a new subscriber gets a fresh watch.
	var ch <-chan *models.CoupleSession
	waitFor(t, 2*time.Second, func() bool {
		fn2, ch2 := collect(t)
		unsub2, err := watcherApp.Subscribe(ctx, "teamx", fn2)
		if err != nil {
			return false
		}
		if !store.reopened() {
			unsub2()
			return false
		}
		t.Cleanup(unsub2)
		ch = ch2
		return true
	})

	if _, err := writer.CreateOrJoin(ctx, "teamx", "Ana"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := next(t, ch)
	if snap.ParticipantA != "Ana" {
		t.Fatalf("participant_a = %q, want Ana", snap.ParticipantA)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	store := memory.NewStore()
	app := newTestApp(t, store, couple.DefaultConfig())
	ctx := context.Background()

	if _, err := app.Subscribe(ctx, "  ", func(*models.CoupleSession) {}); err == nil {
		t.Error("expected error for blank couple id")
	}
	if _, err := app.Subscribe(ctx, "teamx", nil); err == nil {
		t.Error("expected error for nil callback")
	}
}
