package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mattjoyce/ductile-host/internal/host"
)

// HealthzResponse is the body of GET /healthz.
type HealthzResponse struct {
	Status        string     `json:"status"` // ok | degraded
	State         host.State `json:"state"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	RunsInFlight  int        `json:"runs_in_flight"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz reports ok only while the host is registered and connected.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	resp := HealthzResponse{
		Status:        "ok",
		State:         st.State,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		RunsInFlight:  st.RunsInFlight,
	}
	code := http.StatusOK
	if st.State != host.StateReady {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.status.Status())
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
