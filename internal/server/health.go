package server

import "net/http"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"sessions":    s.orch.LiveCount(),
		"connections": s.conns.Total(),
	})
}
