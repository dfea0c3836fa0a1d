package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goodtune/tollgate/internal/agent"
	"github.com/goodtune/tollgate/internal/desktop"
	"github.com/goodtune/tollgate/internal/focus"
	"github.com/goodtune/tollgate/internal/storage"
)

const maxBodyBytes = 64 << 10

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	Connection desktop.Status `json:"connection"`
	State      agent.View     `json:"state"`
}

// SessionResponse wraps a session returned by a purchase.
type SessionResponse struct {
	Session storage.PaywallSession `json:"session"`
}

type purchaseRequest struct {
	Domain        string `json:"domain"`
	Minutes       int    `json:"minutes,omitempty"`
	Price         int    `json:"price,omitempty"`
	Justification string `json:"justification,omitempty"`
	AllowedURL    string `json:"allowedUrl,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// writeAgentError maps a purchase or signal error onto a status code.
func writeAgentError(w http.ResponseWriter, err error) {
	var httpErr *desktop.HTTPError
	switch {
	case errors.As(err, &httpErr):
		code := httpErr.StatusCode
		if code < 400 || code > 599 {
			code = http.StatusBadGateway
		}
		msg := httpErr.Message
		if msg == "" {
			msg = err.Error()
		}
		writeError(w, code, msg)
	case errors.Is(err, storage.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, agent.ErrNotPaywalled):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrEmergencyDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, agent.ErrDesktopRequired), errors.Is(err, desktop.ErrNetworkUnreachable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, agent.ErrUnknownPack), errors.Is(err, agent.ErrUnknownSignal), errors.Is(err, focus.ErrInvalidOverride),
		errors.Is(err, agent.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrInvalidSessionPayload):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

func decodePurchase(w http.ResponseWriter, r *http.Request) (purchaseRequest, bool) {
	var req purchaseRequest
	if !decodeBody(w, r, &req) {
		return req, false
	}
	if req.Domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return req, false
	}
	return req, true
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var sig agent.Signal
	if !decodeBody(w, r, &sig) {
		return
	}
	if err := s.agent.HandleSignal(r.Context(), sig); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleStatus refreshes from the desktop when it can and always answers
// from local state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.sync.Refresh(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Status refresh failed, serving local state")
	}

	view, err := s.agent.View(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load state")
		writeError(w, http.StatusInternalServerError, "Failed to load state")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Connection: s.sync.Status(), State: view})
}

func (s *Server) respondSession(w http.ResponseWriter, session storage.PaywallSession, err error) {
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Session: session})
}

func (s *Server) handlePack(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	session, err := s.agent.StartPack(r.Context(), req.Domain, req.Minutes)
	s.respondSession(w, session, err)
}

func (s *Server) handleMetered(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	session, err := s.agent.StartMetered(r.Context(), req.Domain)
	s.respondSession(w, session, err)
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	session, err := s.agent.StartEmergency(r.Context(), req.Domain, req.Justification, req.AllowedURL)
	s.respondSession(w, session, err)
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	session, err := s.agent.StartStore(r.Context(), req.Domain, req.Price)
	s.respondSession(w, session, err)
}

func (s *Server) handleChallengePass(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	session, err := s.agent.StartChallengePass(r.Context(), req.Domain)
	s.respondSession(w, session, err)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	refund, err := s.agent.EndSession(r.Context(), req.Domain)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"refund": refund})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	session, err := s.agent.PauseSession(r.Context(), req.Domain)
	s.respondSession(w, session, err)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	session, err := s.agent.ResumeSession(r.Context(), req.Domain)
	s.respondSession(w, session, err)
}

func (s *Server) handleFocusOverride(w http.ResponseWriter, r *http.Request) {
	var req focus.OverrideRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.agent.RequestFocusOverride(r.Context(), req); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	var item storage.LibraryItem
	if !decodeBody(w, r, &item) {
		return
	}
	saved, err := s.agent.SaveLibraryItem(r.Context(), item)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]storage.LibraryItem{"item": saved})
}

func (s *Server) handleCategorisation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Categories map[string]string `json:"categories"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.agent.Categorise(r.Context(), req.Categories); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	var patch storage.DailyOnboardingPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	state, err := s.agent.UpdateOnboarding(r.Context(), patch)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]storage.DailyOnboardingState{"dailyOnboarding": state})
}
