package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Method describes one RPC method: its name and the shapes of its request and response.
type Method struct {
	Name        string
	NewRequest  func() Message
	NewResponse func() Message
}

// Schema is the set of methods one side of the channel may call.
type Schema struct {
	methods map[string]Method
}

// NewSchema builds a schema. It panics on duplicate or incomplete descriptors,
// since those are programming errors.
func NewSchema(methods ...Method) Schema {
	s := Schema{methods: make(map[string]Method, len(methods))}
	for _, m := range methods {
		if m.Name == "" || m.NewRequest == nil || m.NewResponse == nil {
			panic(fmt.Sprintf("protocol: incomplete method descriptor %q", m.Name))
		}
		if _, dup := s.methods[m.Name]; dup {
			panic(fmt.Sprintf("protocol: duplicate method %q", m.Name))
		}
		s.methods[m.Name] = m
	}
	return s
}

// HostMethods are the methods the host calls on the service.
var HostMethods = NewSchema(
	Method{
		Name:        MethodInitializeHost,
		NewRequest:  func() Message { return new(InitializeHostRequest) },
		NewResponse: func() Message { return new(InitializeHostResponse) },
	},
	Method{
		Name:        MethodSendLog,
		NewRequest:  func() Message { return new(SendLogRequest) },
		NewResponse: func() Message { return new(Ack) },
	},
	Method{
		Name:        MethodSendEvent,
		NewRequest:  func() Message { return new(SendEventRequest) },
		NewResponse: func() Message { return new(Ack) },
	},
	Method{
		Name:        MethodCompleteWorkflowRun,
		NewRequest:  func() Message { return new(CompleteWorkflowRunRequest) },
		NewResponse: func() Message { return new(Ack) },
	},
	Method{
		Name:        MethodSendWorkflowError,
		NewRequest:  func() Message { return new(SendWorkflowErrorRequest) },
		NewResponse: func() Message { return new(Ack) },
	},
)

// ServerMethods are the methods the service calls on the host.
var ServerMethods = NewSchema(
	Method{
		Name:        MethodTriggerWorkflow,
		NewRequest:  func() Message { return new(TriggerWorkflowRequest) },
		NewResponse: func() Message { return new(Ack) },
	},
)

// Lookup returns the descriptor for name.
func (s Schema) Lookup(name string) (Method, bool) {
	m, ok := s.methods[name]
	return m, ok
}

// Names returns the method names in sorted order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EncodeRequest checks that req has the declared request type and is valid, then marshals it.
func (s Schema) EncodeRequest(name string, req Message) ([]byte, error) {
	m, ok := s.methods[name]
	if !ok {
		return nil, &ValidationError{Method: name, Part: "request", Err: ErrUnknownMethod}
	}
	if err := checkType(m.NewRequest(), req); err != nil {
		return nil, &ValidationError{Method: name, Part: "request", Err: err}
	}
	if err := req.Validate(); err != nil {
		return nil, &ValidationError{Method: name, Part: "request", Err: err}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", name, err)
	}
	return data, nil
}

// DecodeRequest unmarshals and validates an inbound request.
func (s Schema) DecodeRequest(name string, data []byte) (Message, error) {
	m, ok := s.methods[name]
	if !ok {
		return nil, &ValidationError{Method: name, Part: "request", Err: ErrUnknownMethod}
	}
	req := m.NewRequest()
	if err := decodeInto(data, req); err != nil {
		return nil, &ValidationError{Method: name, Part: "request", Err: err}
	}
	return req, nil
}

// DecodeResponse unmarshals and validates a response into resp. A nil resp
// still validates the payload against the declared shape.
func (s Schema) DecodeResponse(name string, data []byte, resp Message) error {
	m, ok := s.methods[name]
	if !ok {
		return &ValidationError{Method: name, Part: "response", Err: ErrUnknownMethod}
	}
	if resp == nil {
		resp = m.NewResponse()
	} else if err := checkType(m.NewResponse(), resp); err != nil {
		return &ValidationError{Method: name, Part: "response", Err: err}
	}
	if err := decodeInto(data, resp); err != nil {
		return &ValidationError{Method: name, Part: "response", Err: err}
	}
	return nil
}

func decodeInto(data []byte, msg Message) error {
	if len(data) == 0 {
		return fmt.Errorf("payload is empty")
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return msg.Validate()
}

func checkType(want, got Message) error {
	if got == nil {
		return fmt.Errorf("payload is nil")
	}
	if reflect.TypeOf(want) != reflect.TypeOf(got) {
		return fmt.Errorf("payload has type %T, want %T", got, want)
	}
	return nil
}
