package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope kinds.
const (
	KindCall     = "RPC_CALL"
	KindResponse = "RPC_RESPONSE"
)

// Envelope is the frame exchanged over the socket in both directions.
// A response carries the id of the call it answers.
type Envelope struct {
	Kind   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"methodName"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"` // set by the remote when it could not serve a call
}

// ErrUnknownMethod is returned for method names a schema does not declare.
var ErrUnknownMethod = errors.New("unknown method")

// ValidationError reports a payload that does not match its declared shape.
// It is never retried.
type ValidationError struct {
	Method string
	Part   string // request | response
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %s: %v", e.Method, e.Part, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// EncodeEnvelope checks the envelope's required fields and serializes it.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses one frame and validates its required fields.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Envelope) validate() error {
	if e.Kind != KindCall && e.Kind != KindResponse {
		return fmt.Errorf("invalid envelope type: %q (must be %q or %q)", e.Kind, KindCall, KindResponse)
	}
	if e.ID == "" {
		return fmt.Errorf("envelope missing required field: id")
	}
	if e.Method == "" {
		return fmt.Errorf("envelope missing required field: methodName")
	}
	return nil
}
