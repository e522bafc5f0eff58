package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Method names shared with the orchestration service.
const (
	MethodInitializeHost      = "INITIALIZE_HOST"
	MethodSendLog             = "SEND_LOG"
	MethodSendEvent           = "SEND_EVENT"
	MethodCompleteWorkflowRun = "COMPLETE_WORKFLOW_RUN"
	MethodSendWorkflowError   = "SEND_WORKFLOW_ERROR"
	MethodTriggerWorkflow     = "TRIGGER_WORKFLOW"
)

// Message is any payload that can check its own structure.
type Message interface {
	Validate() error
}

// Ack is the boolean acknowledgement most host calls receive.
type Ack bool

func (a *Ack) Validate() error { return nil }

// TriggerMetadata describes what starts the workflow on the service side.
type TriggerMetadata struct {
	Type    string          `json:"type"` // e.g. CUSTOM_EVENT | WEBHOOK | SCHEDULE
	Name    string          `json:"name"`
	Service string          `json:"service,omitempty"`
	Filter  json.RawMessage `json:"filter,omitempty"`
}

func (t TriggerMetadata) validate() error {
	if t.Type == "" {
		return errors.New("trigger.type is required")
	}
	if t.Name == "" {
		return errors.New("trigger.name is required")
	}
	return nil
}

// InitializeHostRequest registers this host and its workflow with the service.
type InitializeHostRequest struct {
	APIKey         string          `json:"apiKey"`
	WorkflowID     string          `json:"workflowId"`
	WorkflowName   string          `json:"workflowName"`
	Trigger        TriggerMetadata `json:"trigger"`
	PackageName    string          `json:"packageName"`
	PackageVersion string          `json:"packageVersion"`
	TriggerTTL     int             `json:"triggerTTL,omitempty"`
}

func (r *InitializeHostRequest) Validate() error {
	switch {
	case r.APIKey == "":
		return errors.New("apiKey is required")
	case r.WorkflowID == "":
		return errors.New("workflowId is required")
	case r.WorkflowName == "":
		return errors.New("workflowName is required")
	case r.PackageName == "":
		return errors.New("packageName is required")
	case r.PackageVersion == "":
		return errors.New("packageVersion is required")
	case r.TriggerTTL < 0:
		return errors.New("triggerTTL must not be negative")
	}
	return r.Trigger.validate()
}

// Handshake result discriminators.
const (
	InitializeSuccess = "success"
	InitializeError   = "error"
)

// InitializeHostResponse is either {type: success} or {type: error, message}.
type InitializeHostResponse struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func (r *InitializeHostResponse) Validate() error {
	switch r.Type {
	case InitializeSuccess:
		return nil
	case InitializeError:
		if r.Message == "" {
			return errors.New("error response has no message")
		}
		return nil
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("invalid type %q (must be 'success' or 'error')", r.Type)
	}
}

// LogLevel is the severity attached to a SEND_LOG entry.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

func (l LogLevel) valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// LogEntry is one log line emitted by workflow code.
type LogEntry struct {
	Message    string   `json:"message"`
	Level      LogLevel `json:"level"`
	Properties string   `json:"properties,omitempty"` // JSON-encoded object
}

// SendLogRequest carries a log entry for a run.
type SendLogRequest struct {
	RunID string   `json:"id"`
	Log   LogEntry `json:"log"`
}

func (r *SendLogRequest) Validate() error {
	if r.RunID == "" {
		return errors.New("id is required")
	}
	if !r.Log.Level.valid() {
		return fmt.Errorf("invalid log level %q", r.Log.Level)
	}
	if r.Log.Properties != "" && !json.Valid([]byte(r.Log.Properties)) {
		return errors.New("log.properties must be valid JSON")
	}
	return nil
}

// EventDelay postpones delivery of a fired event.
type EventDelay struct {
	Seconds int        `json:"seconds,omitempty"`
	Until   *time.Time `json:"until,omitempty"`
}

// EventPayload is an event fired from inside a run.
type EventPayload struct {
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Context   json.RawMessage `json:"context,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Delay     *EventDelay     `json:"delay,omitempty"`
}

// SendEventRequest carries an event for a run.
type SendEventRequest struct {
	RunID string       `json:"id"`
	Event EventPayload `json:"event"`
}

func (r *SendEventRequest) Validate() error {
	if r.RunID == "" {
		return errors.New("id is required")
	}
	if r.Event.Name == "" {
		return errors.New("event.name is required")
	}
	if len(r.Event.Payload) > 0 && !json.Valid(r.Event.Payload) {
		return errors.New("event.payload must be valid JSON")
	}
	if d := r.Event.Delay; d != nil && d.Seconds < 0 {
		return errors.New("event.delay.seconds must not be negative")
	}
	return nil
}

// CompleteWorkflowRunRequest reports a successful run.
type CompleteWorkflowRunRequest struct {
	RunID      string    `json:"id"`
	WorkflowID string    `json:"workflowId"`
	Output     *string   `json:"output,omitempty"` // JSON-encoded output
	Timestamp  time.Time `json:"timestamp"`
}

func (r *CompleteWorkflowRunRequest) Validate() error {
	if r.RunID == "" {
		return errors.New("id is required")
	}
	if r.WorkflowID == "" {
		return errors.New("workflowId is required")
	}
	if r.Output != nil && !json.Valid([]byte(*r.Output)) {
		return errors.New("output must be valid JSON")
	}
	return nil
}

// ErrorDescription is the normalized form of a failed run.
type ErrorDescription struct {
	Name       string  `json:"name"`
	Message    string  `json:"message"`
	StackTrace *string `json:"stackTrace,omitempty"`
}

// SendWorkflowErrorRequest reports a failed run.
type SendWorkflowErrorRequest struct {
	RunID      string           `json:"id"`
	WorkflowID string           `json:"workflowId"`
	Error      ErrorDescription `json:"error"`
	Timestamp  time.Time        `json:"timestamp"`
}

func (r *SendWorkflowErrorRequest) Validate() error {
	if r.RunID == "" {
		return errors.New("id is required")
	}
	if r.WorkflowID == "" {
		return errors.New("workflowId is required")
	}
	if r.Error.Name == "" {
		return errors.New("error.name is required")
	}
	return nil
}

// TriggerInput is the data a run was started with.
type TriggerInput struct {
	Input   json.RawMessage `json:"input"`
	Context json.RawMessage `json:"context,omitempty"`
}

// RunMeta routes a run to its environment and organization.
type RunMeta struct {
	Environment    string `json:"environment,omitempty"`
	WorkflowID     string `json:"workflowId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	APIKey         string `json:"apiKey,omitempty"`
	IsTest         bool   `json:"isTest,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
}

// TriggerWorkflowRequest asks the host to execute one run.
type TriggerWorkflowRequest struct {
	RunID   string       `json:"id"`
	Trigger TriggerInput `json:"trigger"`
	Meta    RunMeta      `json:"meta"`
}

func (r *TriggerWorkflowRequest) Validate() error {
	if r.RunID == "" {
		return errors.New("id is required")
	}
	if len(r.Trigger.Input) > 0 && !json.Valid(r.Trigger.Input) {
		return errors.New("trigger.input must be valid JSON")
	}
	if r.Meta.Attempt < 0 {
		return errors.New("meta.attempt must not be negative")
	}
	return nil
}
