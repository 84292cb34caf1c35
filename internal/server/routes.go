package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/workspace/session-broker/internal/auth"
	"github.com/workspace/session-broker/internal/errs"
	"github.com/workspace/session-broker/internal/provisioner"
	"github.com/workspace/session-broker/internal/session"
)

// errBadRequest is the error code for malformed client input. It is not an
// orchestrator error kind.
const errBadRequest = "bad_request"

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 64 << 10

// statusFor maps an error kind to an HTTP status.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.InvalidState, errs.Busy:
		return http.StatusConflict
	case errs.CapacityExceeded:
		return http.StatusTooManyRequests
	case errs.ProvisionError:
		return http.StatusBadGateway
	case errs.Unauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// writeKindError writes err using its kind's status. Internal details are not
// exposed to clients.
func (s *Server) writeKindError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	msg := errs.MessageOf(err)
	if kind == errs.Internal {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeError(w, statusFor(kind), string(kind), msg)
}

// authorizeSession rejects tokens scoped to a different session.
func (s *Server) authorizeSession(w http.ResponseWriter, r *http.Request, id string) bool {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok || claims.AllowsSession(id) {
		return true
	}
	writeError(w, http.StatusForbidden, string(errs.Unauthorized), "token is not valid for this session")
	return false
}

type sessionResponse struct {
	ID           string               `json:"id"`
	Status       session.State        `json:"status"`
	VNCURL       string               `json:"vnc_url"`
	WebSocketURL string               `json:"websocket_url"`
	Endpoint     provisioner.Endpoint `json:"endpoint"`
	Error        string               `json:"error,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	EndedAt      *time.Time           `json:"ended_at,omitempty"`
}

func toResponse(sess session.Session) sessionResponse {
	return sessionResponse{
		ID:           sess.ID,
		Status:       sess.State,
		VNCURL:       "/vnc/" + sess.ID,
		WebSocketURL: "/ws/" + sess.ID,
		Endpoint:     sess.Endpoint,
		Error:        sess.Error,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
		EndedAt:      sess.EndedAt,
	}
}

// createSessionRequest is accepted for compatibility; both fields are
// optional and only logged.
type createSessionRequest struct {
	Name   string         `json:"name,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, errBadRequest, "invalid request body")
		return
	}

	sess, err := s.orch.Create(r.Context())
	if err != nil {
		if sess.ID != "" {
			s.logger.Warn("Session creation failed", "sessionID", sess.ID, "name", body.Name, "error", err)
		}
		s.writeKindError(w, r, err)
		return
	}
	s.logger.Info("Session created", "sessionID", sess.ID, "name", body.Name)
	writeJSON(w, http.StatusOK, toResponse(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.orch.List(r.Context())
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}

	claims, scoped := auth.ClaimsFrom(r.Context())
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		if scoped && !claims.AllowsSession(sess.ID) {
			continue
		}
		out = append(out, toResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorizeSession(w, r, id) {
		return
	}
	sess, err := s.orch.Get(r.Context(), id)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sess))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorizeSession(w, r, id) {
		return
	}
	sess, err := s.orch.End(r.Context(), id)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Session ended successfully",
		"status":  sess.State,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorizeSession(w, r, id) {
		return
	}
	msgs, err := s.orch.History(r.Context(), id)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
