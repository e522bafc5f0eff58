// Package invocation builds the per-run context handed to workflow code.
package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/ductile-host/internal/protocol"
)

// Meta identifies one run.
type Meta struct {
	RunID          string
	WorkflowID     string
	Environment    string
	OrganizationID string
	APIKey         string
	IsTest         bool
	Attempt        int
}

// Context is what workflow code receives for a single run. It is discarded once the run ends.
type Context struct {
	Meta
	Logger *Logger

	caller Caller
	local  *slog.Logger
}

// New builds the context for one run. Calls go through caller; local receives
// a copy of every run log plus any delivery failures.
func New(meta Meta, caller Caller, local *slog.Logger) *Context {
	if local == nil {
		local = slog.Default()
	}
	local = local.With(slog.String("run_id", meta.RunID))
	return &Context{
		Meta:   meta,
		Logger: &Logger{runID: meta.RunID, caller: caller, local: local},
		caller: caller,
		local:  local,
	}
}

// Event is fired from inside a run.
type Event struct {
	Name    string
	Payload any
	Context any

	// Timestamp overrides the time the event is recorded with.
	Timestamp time.Time
	// Delay and DeliverAt postpone delivery; DeliverAt wins when both are set.
	Delay     time.Duration
	DeliverAt time.Time
}

// FireEvent sends ev tagged with this run's id. The payload and context are
// serialized before the call, so later changes by the caller are not observed.
func (c *Context) FireEvent(ctx context.Context, ev Event) error {
	if ev.Name == "" {
		return errors.New("fire event: name is required")
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("fire event %s: encode payload: %w", ev.Name, err)
	}

	out := protocol.EventPayload{Name: ev.Name, Payload: payload}
	if ev.Context != nil {
		evCtx, err := json.Marshal(ev.Context)
		if err != nil {
			return fmt.Errorf("fire event %s: encode context: %w", ev.Name, err)
		}
		out.Context = evCtx
	}
	if !ev.Timestamp.IsZero() {
		ts := ev.Timestamp.UTC()
		out.Timestamp = &ts
	}
	switch {
	case !ev.DeliverAt.IsZero():
		until := ev.DeliverAt.UTC()
		out.Delay = &protocol.EventDelay{Until: &until}
	case ev.Delay > 0:
		out.Delay = &protocol.EventDelay{Seconds: int(ev.Delay.Round(time.Second) / time.Second)}
	}

	req := &protocol.SendEventRequest{RunID: c.RunID, Event: out}
	if err := c.caller.Call(ctx, protocol.MethodSendEvent, req, nil); err != nil {
		return fmt.Errorf("fire event %s: %w", ev.Name, err)
	}
	c.local.Debug("event fired", "event", ev.Name)
	return nil
}
