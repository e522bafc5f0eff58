package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ductile-host/internal/events"
	"github.com/mattjoyce/ductile-host/internal/host"
)

type fixedStatus struct{ st host.Status }

func (f fixedStatus) Status() host.Status { return f.st }

func newTestServer(t *testing.T, token string, state host.State, hub *events.Hub) http.Handler {
	t.Helper()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ductile_host_runs_in_flight 0\n")
	})
	st := fixedStatus{st: host.Status{State: state, InstanceID: "host-1", WorkflowID: "wf1", RunsInFlight: 2}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Token: token}, st, hub, metrics, logger).Handler()
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name       string
		state      host.State
		wantCode   int
		wantStatus string
	}{
		{"ready", host.StateReady, http.StatusOK, "ok"},
		{"registering", host.StateRegistering, http.StatusServiceUnavailable, "degraded"},
		{"disconnected", host.StateDisconnected, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, "secret", tt.state, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var resp HealthzResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.state, resp.State)
			assert.Equal(t, 2, resp.RunsInFlight)
		})
	}
}

func TestStatusRequiresToken(t *testing.T) {
	h := newTestServer(t, "secret", host.StateReady, nil)

	tests := []struct {
		name     string
		auth     string
		wantCode int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"blank token", "Bearer   ", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestStatusWithoutTokenIsOpen(t *testing.T) {
	h := newTestServer(t, "", host.StateReady, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var st host.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "host-1", st.InstanceID)
	assert.Equal(t, "wf1", st.WorkflowID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "ductile_host_runs_in_flight")
}

func TestValidateToken(t *testing.T) {
	assert.True(t, ValidateToken("a", "a"))
	assert.False(t, ValidateToken("a", "b"))
	assert.False(t, ValidateToken("", "a"))
	assert.False(t, ValidateToken("a", ""))
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.KindHostState, map[string]string{"to": "ready"})
	hub.Publish(events.KindRunStarted, map[string]string{"run_id": "r1"})

	srv := httptest.NewServer(newTestServer(t, "", host.StateReady, hub))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (id, kind, data string) {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				return
			case strings.HasPrefix(line, "id: "):
				id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				kind = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	id, kind, data := readEvent()
	assert.Equal(t, "2", id)
	assert.Equal(t, events.KindRunStarted, kind)
	assert.JSONEq(t, `{"run_id":"r1"}`, data)

	hub.Publish(events.KindRunCompleted, map[string]string{"run_id": "r1"})
	id, kind, _ = readEvent()
	assert.Equal(t, "3", id)
	assert.Equal(t, events.KindRunCompleted, kind)
}
