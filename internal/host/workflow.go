package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/ductile-host/internal/invocation"
	"github.com/mattjoyce/ductile-host/internal/protocol"
)

// RunFunc is workflow code. input is the trigger input as sent by the service
// and may be empty. The returned value is JSON-encoded as the run output; nil
// reports a run without output.
type RunFunc func(ctx context.Context, input json.RawMessage, rc *invocation.Context) (any, error)

// Workflow is what the host registers and runs.
type Workflow struct {
	ID      string
	Name    string
	Trigger protocol.TriggerMetadata
	Run     RunFunc
}

func (w Workflow) validate() error {
	switch {
	case w.ID == "":
		return errors.New("host: workflow id is required")
	case w.Name == "":
		return errors.New("host: workflow name is required")
	case w.Trigger.Type == "" || w.Trigger.Name == "":
		return errors.New("host: workflow trigger type and name are required")
	case w.Run == nil:
		return errors.New("host: workflow run func is required")
	}
	return nil
}

// Typed adapts a function over concrete input and output types into a RunFunc.
// Input that does not decode into In fails the run with an InputError.
func Typed[In, Out any](fn func(ctx context.Context, in In, rc *invocation.Context) (Out, error)) RunFunc {
	return func(ctx context.Context, input json.RawMessage, rc *invocation.Context) (any, error) {
		var in In
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, NamedError("InputError", fmt.Errorf("decode input: %w", err))
			}
		}
		return fn(ctx, in, rc)
	}
}
