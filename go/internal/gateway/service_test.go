package gateway_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/duowheel/duowheel/go/internal/couple"
	"github.com/duowheel/duowheel/go/internal/gateway"
	"github.com/duowheel/duowheel/go/internal/models"
	"github.com/duowheel/duowheel/go/internal/storage/memory"
)

func newTestServer(t *testing.T) (*http.ServeMux, *couple.App, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	cfg := couple.DefaultConfig()
	cfg.DeliverEchoes = true
	cfg.Clock = clock

	app := couple.NewApp(memory.NewStore(), cfg)
	t.Cleanup(app.Close)

	mux := http.NewServeMux()
	gateway.NewService(app).RegisterRoutes(mux)
	return mux, app, clock
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) *models.CoupleSession {
	t.Helper()
	var sess models.CoupleSession
	if err := json.NewDecoder(rec.Body).Decode(&sess); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	return &sess
}

func TestHandleJoin(t *testing.T) {
	mux, _, _ := newTestServer(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/session/join", map[string]string{
		"couple_id": "teamx",
		"user_name": "Ana",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	sess := decodeSession(t, rec)
	if sess.ParticipantA != "Ana" {
		t.Errorf("participant_a = %q, want Ana", sess.ParticipantA)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/session/join", map[string]string{
		"couple_id": "teamx",
		"user_name": "Luis",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	sess = decodeSession(t, rec)
	if sess.ParticipantA != "Ana" || sess.ParticipantB != "Luis" {
		t.Errorf("participants = %q/%q, want Ana/Luis", sess.ParticipantA, sess.ParticipantB)
	}
}

func TestHandleJoin_BlankInput(t *testing.T) {
	mux, _, _ := newTestServer(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/session/join", map[string]string{
		"couple_id": "teamx",
		"user_name": "   ",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/session/join", map[string]string{
		"couple_id": "",
		"user_name": "Ana",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleGet_NotFound(t *testing.T) {
	mux, _, _ := newTestServer(t)

	rec := doJSON(t, mux, http.MethodGet, "/api/session?couple_id=ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleSpin_BusyConflict(t *testing.T) {
	mux, _, _ := newTestServer(t)

	doJSON(t, mux, http.MethodPost, "/api/session/join", map[string]string{
		"couple_id": "teamx", "user_name": "Ana",
	})
	rec := doJSON(t, mux, http.MethodPost, "/api/session/wheel", map[string]any{
		"couple_id":  "teamx",
		"wheel_kind": models.WheelKindNormal,
		"options":    []string{"A", "B", "C", "D"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("wheel update status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/session/spin", map[string]string{
		"couple_id": "teamx", "initiator": "Ana",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("spin status = %d, want 202", rec.Code)
	}
	sess := decodeSession(t, rec)
	if !sess.SpinInProgress {
		t.Error("expected spinning snapshot")
	}

	// The fake clock never advances, so the spin stays in flight.
	rec = doJSON(t, mux, http.MethodPost, "/api/session/spin", map[string]string{
		"couple_id": "teamx", "initiator": "Luis",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second spin status = %d, want 409", rec.Code)
	}
}

func TestHandleSpin_MissingSession(t *testing.T) {
	mux, _, _ := newTestServer(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/session/spin", map[string]string{
		"couple_id": "ghost", "initiator": "Ana",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleWheel_UnknownKind(t *testing.T) {
	mux, _, _ := newTestServer(t)

	doJSON(t, mux, http.MethodPost, "/api/session/join", map[string]string{
		"couple_id": "teamx", "user_name": "Ana",
	})
	rec := doJSON(t, mux, http.MethodPost, "/api/session/wheel", map[string]any{
		"couple_id":  "teamx",
		"wheel_kind": "BOGUS",
		"options":    []string{"A"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
