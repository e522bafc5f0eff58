package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/ductile-host/internal/events"
	"github.com/mattjoyce/ductile-host/internal/invocation"
	"github.com/mattjoyce/ductile-host/internal/metrics"
	"github.com/mattjoyce/ductile-host/internal/protocol"
	"github.com/mattjoyce/ductile-host/internal/retry"
	"github.com/mattjoyce/ductile-host/internal/rpc"
)

// Outcome is the result of one run: Failure is set, or Output is (possibly nil).
type Outcome struct {
	Output  *string
	Failure *protocol.ErrorDescription
}

// runner executes TRIGGER_WORKFLOW calls. All outbound calls go through caller.
type runner struct {
	wf       Workflow
	caller   invocation.Caller
	logger   *slog.Logger
	events   events.Publisher
	metrics  *metrics.Metrics
	inflight *atomic.Int64
	now      func() time.Time
}

func (h *Host) newRunner(caller invocation.Caller) *runner {
	return &runner{
		wf:       h.wf,
		caller:   caller,
		logger:   h.logger,
		events:   h.events,
		metrics:  h.metrics,
		inflight: &h.runs,
		now:      time.Now,
	}
}

func (r *runner) serve(ctx context.Context, msg protocol.Message) error {
	req, ok := msg.(*protocol.TriggerWorkflowRequest)
	if !ok {
		return fmt.Errorf("unexpected request type %T", msg)
	}
	return r.handle(ctx, req)
}

// handle runs the workflow for req and reports its outcome once. Cancellation
// of ctx does not reach workflow code or the report.
func (r *runner) handle(ctx context.Context, req *protocol.TriggerWorkflowRequest) error {
	ctx = context.WithoutCancel(ctx)

	workflowID := req.Meta.WorkflowID
	if workflowID == "" {
		workflowID = r.wf.ID
	}
	logger := r.logger.With("run_id", req.RunID, "workflow_id", workflowID)

	rc := invocation.New(invocation.Meta{
		RunID:          req.RunID,
		WorkflowID:     workflowID,
		Environment:    req.Meta.Environment,
		OrganizationID: req.Meta.OrganizationID,
		APIKey:         req.Meta.APIKey,
		IsTest:         req.Meta.IsTest,
		Attempt:        req.Meta.Attempt,
	}, r.caller, logger)

	logger.Info("run started", "attempt", req.Meta.Attempt)
	r.publish(events.KindRunStarted, map[string]any{"run_id": req.RunID, "workflow_id": workflowID})
	r.inflight.Add(1)
	r.metrics.RunStarted()

	start := r.now()
	out := r.execute(ctx, req.Trigger.Input, rc)
	elapsed := r.now().Sub(start)

	r.inflight.Add(-1)
	if out.Failure != nil {
		r.metrics.RunFinished(metrics.OutcomeFailed, elapsed)
	} else {
		r.metrics.RunFinished(metrics.OutcomeCompleted, elapsed)
	}

	return r.report(ctx, logger, req.RunID, workflowID, out, elapsed)
}

func (r *runner) execute(ctx context.Context, input json.RawMessage, rc *invocation.Context) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			desc := describePanic(p, debug.Stack())
			out = Outcome{Failure: &desc}
		}
	}()

	result, err := r.wf.Run(ctx, input, rc)
	if err != nil {
		desc := DescribeError(err)
		return Outcome{Failure: &desc}
	}
	if isNil(result) {
		return Outcome{}
	}

	b, err := json.Marshal(result)
	if err != nil {
		return Outcome{Failure: &protocol.ErrorDescription{
			Name:    serializationName,
			Message: fmt.Sprintf("output is not serializable: %v", err),
		}}
	}
	s := string(b)
	return Outcome{Output: &s}
}

// isNil also catches typed nils, such as a nil *T returned through Typed.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func (r *runner) report(ctx context.Context, logger *slog.Logger, runID, workflowID string, out Outcome, elapsed time.Duration) error {
	var (
		method string
		req    protocol.Message
		kind   string
		data   = map[string]any{"run_id": runID, "workflow_id": workflowID, "duration_ms": elapsed.Milliseconds()}
	)
	if out.Failure != nil {
		method, kind = protocol.MethodSendWorkflowError, events.KindRunFailed
		data["error"] = out.Failure.Name
		req = &protocol.SendWorkflowErrorRequest{
			RunID:      runID,
			WorkflowID: workflowID,
			Error:      *out.Failure,
			Timestamp:  r.now().UTC(),
		}
		logger.Warn("run failed", "error_name", out.Failure.Name, "error", out.Failure.Message, "duration", elapsed)
	} else {
		method, kind = protocol.MethodCompleteWorkflowRun, events.KindRunCompleted
		req = &protocol.CompleteWorkflowRunRequest{
			RunID:      runID,
			WorkflowID: workflowID,
			Output:     out.Output,
			Timestamp:  r.now().UTC(),
		}
		logger.Info("run completed", "duration", elapsed)
	}

	if err := r.caller.Call(ctx, method, req, nil); err != nil {
		r.metrics.ReportFailed(method)
		data["method"] = method
		data["report_error"] = err.Error()
		r.publish(events.KindRunReportFailed, data)
		return fmt.Errorf("report run %s: %w", runID, err)
	}
	r.publish(kind, data)
	return nil
}

func (r *runner) publish(kind string, data any) {
	if r.events != nil {
		r.events.Publish(kind, data)
	}
}

// retryCaller sends calls on ch, repeating them while they time out.
type retryCaller struct {
	ch      *rpc.Channel
	policy  retry.Policy
	logger  *slog.Logger
	events  events.Publisher
	metrics *metrics.Metrics
}

func (h *Host) callerFor(ch *rpc.Channel) *retryCaller {
	return &retryCaller{
		ch: ch,
		policy: retry.Policy{
			Interval:   h.cfg.RetryInterval,
			MaxRetries: h.cfg.MaxRetries,
			Retryable:  rpc.IsTimeout,
		},
		logger:  h.logger,
		events:  h.events,
		metrics: h.metrics,
	}
}

func (c *retryCaller) Call(ctx context.Context, method string, req, resp protocol.Message) error {
	p := c.policy
	p.OnRetry = func(attempt int, err error) {
		c.logger.Warn("call timed out, retrying", "method", method, "attempt", attempt, "interval", p.Interval)
		c.metrics.Retry(method)
		if c.events != nil {
			c.events.Publish(events.KindCallRetry, map[string]any{"method": method, "attempt": attempt})
		}
	}
	return p.Do(ctx, func(ctx context.Context) error {
		return c.ch.Call(ctx, method, req, resp)
	})
}
