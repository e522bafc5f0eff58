package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/ductile-host/internal/host"
	"github.com/mattjoyce/ductile-host/internal/invocation"
)

// echo returns its input unchanged. Empty input yields no output.
func echo(options map[string]any) (host.RunFunc, error) {
	if err := decodeOptions(options, &struct{}{}); err != nil {
		return nil, err
	}
	return func(ctx context.Context, input json.RawMessage, rc *invocation.Context) (any, error) {
		rc.Logger.Debug(ctx, "echoing input", "bytes", len(input))
		if len(input) == 0 {
			return nil, nil
		}
		return input, nil
	}, nil
}

type doubleInput struct {
	X *float64 `json:"x"`
}

type doubleOutput struct {
	Y float64 `json:"y"`
}

// double maps {x: n} to {y: 2n}.
func double(options map[string]any) (host.RunFunc, error) {
	if err := decodeOptions(options, &struct{}{}); err != nil {
		return nil, err
	}
	return host.Typed(func(ctx context.Context, in doubleInput, rc *invocation.Context) (doubleOutput, error) {
		if in.X == nil {
			return doubleOutput{}, host.NamedError("InputError", errors.New("input field x is required"))
		}
		rc.Logger.Info(ctx, "doubling", "x", *in.X)
		return doubleOutput{Y: 2 * *in.X}, nil
	}), nil
}

type failOptions struct {
	ErrorName string `yaml:"error_name"`
	Message   string `yaml:"message"`
	Stack     bool   `yaml:"stack"`
}

// fail always fails the run with the configured error.
func fail(options map[string]any) (host.RunFunc, error) {
	opts := failOptions{ErrorName: host.DefaultErrorName, Message: "workflow failed"}
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return func(ctx context.Context, _ json.RawMessage, rc *invocation.Context) (any, error) {
		rc.Logger.Error(ctx, "failing run", "error_name", opts.ErrorName)
		err := host.NamedError(opts.ErrorName, errors.New(opts.Message))
		if opts.Stack {
			err = host.WithStack(err)
		}
		return nil, err
	}, nil
}

type sleepOptions struct {
	Duration time.Duration `yaml:"duration"`
	Steps    int           `yaml:"steps"`
}

// sleep waits for the configured duration in steps, logging each one,
// then returns its input.
func sleep(options map[string]any) (host.RunFunc, error) {
	opts := sleepOptions{Duration: time.Second, Steps: 1}
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}
	if opts.Duration < 0 || opts.Steps < 1 {
		return nil, fmt.Errorf("duration must not be negative and steps must be positive")
	}
	step := opts.Duration / time.Duration(opts.Steps)

	return func(ctx context.Context, input json.RawMessage, rc *invocation.Context) (any, error) {
		timer := time.NewTimer(step)
		defer timer.Stop()
		for i := range opts.Steps {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
			rc.Logger.Info(ctx, "sleep step done", "step", i+1, "of", opts.Steps)
			timer.Reset(step)
		}
		if len(input) == 0 {
			return nil, nil
		}
		return input, nil
	}, nil
}

type emitOptions struct {
	Event string        `yaml:"event"`
	Delay time.Duration `yaml:"delay"`
}

// emit fires the configured event with the run input as payload.
func emit(options map[string]any) (host.RunFunc, error) {
	var opts emitOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}
	if opts.Event == "" {
		return nil, errors.New("option event is required")
	}
	return func(ctx context.Context, input json.RawMessage, rc *invocation.Context) (any, error) {
		if err := rc.FireEvent(ctx, invocation.Event{Name: opts.Event, Payload: input, Delay: opts.Delay}); err != nil {
			return nil, fmt.Errorf("fire %s: %w", opts.Event, err)
		}
		return map[string]string{"event": opts.Event}, nil
	}, nil
}
