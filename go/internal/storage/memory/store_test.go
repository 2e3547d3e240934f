package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/duowheel/duowheel/go/internal/couple"
	"github.com/duowheel/duowheel/go/internal/models"
	"github.com/duowheel/duowheel/go/internal/storage/memory"
)

func newSession(coupleID, participantA string) *models.CoupleSession {
	return &models.CoupleSession{
		CoupleID:      coupleID,
		ParticipantA:  participantA,
		WheelKind:     models.WheelKindNormal,
		ActiveOptions: []string{},
	}
}

func TestCreateSession_DuplicateKey(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, newSession("teamx", "Ana")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.CreateSession(ctx, newSession("teamx", "Luis")); !errors.Is(err, couple.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}

	// The losing create must not have touched the record.
	sess, err := store.GetSession(ctx, "teamx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.ParticipantA != "Ana" {
		t.Errorf("participant_a = %q, want Ana", sess.ParticipantA)
	}
}

func TestAttachParticipant_SlotTakenOnce(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, newSession("teamx", "Ana")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.AttachParticipant(ctx, "teamx", "Luis", "o1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.AttachParticipant(ctx, "teamx", "Eve", "o2"); !errors.Is(err, couple.ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	if _, err := store.AttachParticipant(ctx, "ghost", "Eve", "o2"); !errors.Is(err, couple.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestBeginSpin_Conditional(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, newSession("teamx", "Ana")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, err := store.BeginSpin(ctx, "teamx", 200, "Ana", "o1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sess.SpinInProgress || sess.TargetRotation != 200 || sess.SpinInitiator != "Ana" {
		t.Fatalf("spin state not recorded: %+v", sess)
	}

	if _, err := store.BeginSpin(ctx, "teamx", 45, "Luis", "o2"); !errors.Is(err, couple.ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}

	sess, err = store.CompleteSpin(ctx, "teamx", "B", "Ana", "o1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.SpinInProgress || sess.LastResult != "B" || sess.ResultOwner != "Ana" {
		t.Fatalf("completion not recorded: %+v", sess)
	}

	// Idle again, a new spin may start.
	if _, err := store.BeginSpin(ctx, "teamx", 45, "Luis", "o2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWatch_DeliversPostUpdateSnapshots(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	stream, err := store.Watch(ctx, "teamx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Stop()

	if _, err := store.CreateSession(ctx, newSession("teamx", "Ana")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.AttachParticipant(ctx, "teamx", "Luis", "o1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := recv(t, stream)
	if first.ParticipantA != "Ana" || first.ParticipantB != "" {
		t.Fatalf("first snapshot: %+v", first)
	}
	second := recv(t, stream)
	if second.ParticipantB != "Luis" {
		t.Fatalf("second snapshot: %+v", second)
	}
}

func TestWatch_StopIsIdempotent(t *testing.T) {
	store := memory.NewStore()

	stream, err := store.Watch(context.Background(), "teamx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stream.Stop()
	stream.Stop()

	if _, ok := <-stream.Changes(); ok {
		t.Fatal("expected closed change channel after Stop")
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	created, err := store.CreateSession(ctx, newSession("teamx", "Ana"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	created.ParticipantA = "Mallory"

	sess, err := store.GetSession(ctx, "teamx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.ParticipantA != "Ana" {
		t.Fatal("mutating a returned snapshot leaked into the store")
	}
}

func TestTouchSession(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	if err := store.TouchSession(ctx, "ghost"); !errors.Is(err, couple.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	if _, err := store.CreateSession(ctx, newSession("teamx", "Ana")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.TouchSession(ctx, "teamx"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func recv(t *testing.T, stream couple.ChangeStream) *models.CoupleSession {
	t.Helper()
	select {
	case sess := <-stream.Changes():
		return sess
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return nil
	}
}
