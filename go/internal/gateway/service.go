package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/duowheel/duowheel/go/internal/couple"
	"github.com/duowheel/duowheel/go/internal/models"
)

// Service exposes the couple engine over a small JSON HTTP API. The UI
// calls it on connect-screen submit (join), on a spin action, and when
// reconfiguring the wheel; everything else flows through the websocket.
type Service struct {
	app *couple.App
}

// NewService creates the HTTP service.
func NewService(app *couple.App) *Service {
	return &Service{app: app}
}

type joinRequest struct {
	CoupleID string `json:"couple_id"`
	UserName string `json:"user_name"`
}

type spinRequest struct {
	CoupleID  string `json:"couple_id"`
	Initiator string `json:"initiator"`
}

type wheelRequest struct {
	CoupleID  string           `json:"couple_id"`
	WheelKind models.WheelKind `json:"wheel_kind"`
	Options   []string         `json:"options"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleJoin resolves a couple id to its session, creating or joining it.
func (s *Service) HandleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.app.CreateOrJoin(r.Context(), req.CoupleID, req.UserName)
	switch {
	case errors.Is(err, couple.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("couple_id", req.CoupleID).Msg("join failed")
		writeError(w, http.StatusBadGateway, "could not connect, try again")
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// HandleGet returns the current session snapshot.
func (s *Service) HandleGet(w http.ResponseWriter, r *http.Request) {
	coupleID := r.URL.Query().Get("couple_id")
	if coupleID == "" {
		writeError(w, http.StatusBadRequest, "couple_id is required")
		return
	}

	sess, err := s.app.GetSession(r.Context(), coupleID)
	if errors.Is(err, couple.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "no session for couple id")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("couple_id", coupleID).Msg("get session failed")
		writeError(w, http.StatusBadGateway, "could not connect, try again")
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// HandleSpin runs the spin protocol on behalf of the initiating client.
// The spinning snapshot comes back immediately; the result arrives over
// the websocket once the animation delay elapses.
func (s *Service) HandleSpin(w http.ResponseWriter, r *http.Request) {
	var req spinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.app.Spin(r.Context(), req.CoupleID, req.Initiator)
	switch {
	case errors.Is(err, couple.ErrSessionBusy):
		writeError(w, http.StatusConflict, "spin already in progress")
		return
	case errors.Is(err, couple.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "no session for couple id")
		return
	case errors.Is(err, couple.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("couple_id", req.CoupleID).Msg("spin failed")
		writeError(w, http.StatusBadGateway, "could not connect, try again")
		return
	}

	writeJSON(w, http.StatusAccepted, sess)
}

// HandleWheel reconfigures the wheel kind and options.
func (s *Service) HandleWheel(w http.ResponseWriter, r *http.Request) {
	var req wheelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.app.UpdateWheel(r.Context(), req.CoupleID, req.WheelKind, req.Options)
	switch {
	case errors.Is(err, couple.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "no session for couple id")
		return
	case errors.Is(err, couple.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("couple_id", req.CoupleID).Msg("update wheel failed")
		writeError(w, http.StatusBadGateway, "could not connect, try again")
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// RegisterRoutes registers the JSON API with an HTTP mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/session/join", s.HandleJoin)
	mux.HandleFunc("GET /api/session", s.HandleGet)
	mux.HandleFunc("POST /api/session/spin", s.HandleSpin)
	mux.HandleFunc("POST /api/session/wheel", s.HandleWheel)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
