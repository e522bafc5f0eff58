// Package host runs workflow code on behalf of the orchestration service.
//
// A Host holds one socket connection. After the INITIALIZE_HOST handshake it
// serves TRIGGER_WORKFLOW calls, runs the workflow for each, and reports
// exactly one outcome per run.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/ductile-host/internal/events"
	"github.com/mattjoyce/ductile-host/internal/log"
	"github.com/mattjoyce/ductile-host/internal/metrics"
	"github.com/mattjoyce/ductile-host/internal/protocol"
	"github.com/mattjoyce/ductile-host/internal/retry"
	"github.com/mattjoyce/ductile-host/internal/rpc"
	"github.com/mattjoyce/ductile-host/internal/transport"
)

// HeaderInstanceID carries the connection identity on dial.
const HeaderInstanceID = "X-Ductile-Host-Id"

// State is the connection state of a Host.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateRegistering  State = "registering"
	StateReady        State = "ready"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("host: already started")

// HandshakeError is the service refusing registration.
type HandshakeError struct {
	Message string
}

func (e *HandshakeError) Error() string {
	return "host: registration rejected: " + e.Message
}

// Config holds connection and call settings.
type Config struct {
	Endpoint string
	APIKey   string

	CallTimeout      time.Duration // per-call response window, default 5s
	RetryInterval    time.Duration // wait between timed-out attempts, default 3s
	MaxRetries       int           // 0 retries forever
	HandshakeTimeout time.Duration // WebSocket dial handshake, default 10s
	KeepAlive        time.Duration // ping interval, 0 disables

	PackageName    string
	PackageVersion string
	TriggerTTL     int
}

// Dialer opens the transport connection.
type Dialer func(ctx context.Context, endpoint string, header http.Header) (transport.Conn, error)

// Option configures a Host.
type Option func(*Host)

func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(h *Host) {
		if d != nil {
			h.dial = d
		}
	}
}

// WithEvents publishes lifecycle events to p.
func WithEvents(p events.Publisher) Option {
	return func(h *Host) { h.events = p }
}

// WithMetrics records call and run statistics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// Host is safe for concurrent use. It is started at most once.
type Host struct {
	cfg     Config
	wf      Workflow
	logger  *slog.Logger
	dial    Dialer
	events  events.Publisher
	metrics *metrics.Metrics

	mu          sync.Mutex
	state       State
	started     bool
	instanceID  string
	connectedAt time.Time
	ch          *rpc.Channel
	err         error

	runs     atomic.Int64
	done     chan struct{}
	doneOnce sync.Once
}

// New validates cfg and wf and returns a disconnected Host.
func New(cfg Config, wf Workflow, opts ...Option) (*Host, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("host: endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("host: api key is required")
	}
	if err := wf.validate(); err != nil {
		return nil, err
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = rpc.DefaultTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = retry.DefaultInterval
	}
	if cfg.PackageName == "" {
		cfg.PackageName = "ductile-host"
	}
	if cfg.PackageVersion == "" {
		cfg.PackageVersion = "dev"
	}

	h := &Host{
		cfg:    cfg,
		wf:     wf,
		logger: log.WithComponent("host"),
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}
	h.dial = func(ctx context.Context, endpoint string, header http.Header) (transport.Conn, error) {
		conn, err := transport.Dial(ctx, endpoint, header, transport.Options{
			HandshakeTimeout: cfg.HandshakeTimeout,
			PingInterval:     cfg.KeepAlive,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Start connects, registers the workflow, and returns once the host is ready.
// An empty instanceID is replaced by a fresh uuid. ctx bounds the startup only;
// the connection lives until Close or until the remote ends it.
func (h *Host) Start(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	h.started = true
	h.instanceID = instanceID
	h.logger = h.logger.With("instance_id", instanceID)
	h.mu.Unlock()

	h.setState(StateConnecting)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	header.Set(HeaderInstanceID, instanceID)

	conn, err := h.dial(ctx, h.cfg.Endpoint, header)
	if err != nil {
		err = fmt.Errorf("host: connect: %w", err)
		h.finish(err)
		return err
	}

	ch := rpc.New(conn, protocol.HostMethods, protocol.ServerMethods,
		rpc.WithTimeout(h.cfg.CallTimeout),
		rpc.WithLogger(log.WithComponent("rpc").With("instance_id", instanceID)),
		rpc.WithObserver(h.metrics),
	)
	r := h.newRunner(h.callerFor(ch))
	if err := ch.Handle(protocol.MethodTriggerWorkflow, r.serve); err != nil {
		_ = ch.Close()
		h.finish(err)
		return err
	}

	h.mu.Lock()
	if h.err != nil {
		err := h.err
		h.mu.Unlock()
		_ = ch.Close()
		return fmt.Errorf("host: closed while connecting: %w", err)
	}
	h.ch = ch
	h.connectedAt = time.Now().UTC()
	h.mu.Unlock()

	go h.serve(ch)

	h.setState(StateRegistering)
	if err := h.register(ctx, ch); err != nil {
		_ = ch.Close()
		<-h.done
		return err
	}

	h.mu.Lock()
	if h.err == nil {
		h.setStateLocked(StateReady)
	}
	err = h.err
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("host: connection lost during registration: %w", err)
	}
	h.logger.Info("host ready", "workflow_id", h.wf.ID, "endpoint", h.cfg.Endpoint)
	return nil
}

func (h *Host) register(ctx context.Context, ch *rpc.Channel) error {
	req := &protocol.InitializeHostRequest{
		APIKey:         h.cfg.APIKey,
		WorkflowID:     h.wf.ID,
		WorkflowName:   h.wf.Name,
		Trigger:        h.wf.Trigger,
		PackageName:    h.cfg.PackageName,
		PackageVersion: h.cfg.PackageVersion,
		TriggerTTL:     h.cfg.TriggerTTL,
	}
	var resp protocol.InitializeHostResponse
	if err := h.callerFor(ch).Call(ctx, protocol.MethodInitializeHost, req, &resp); err != nil {
		return fmt.Errorf("host: initialize: %w", err)
	}
	if resp.Type == protocol.InitializeError {
		h.logger.Error("registration rejected", "message", resp.Message)
		return &HandshakeError{Message: resp.Message}
	}
	return nil
}

func (h *Host) serve(ch *rpc.Channel) {
	err := ch.Serve(context.Background())

	var ce *transport.CloseError
	switch {
	case errors.Is(err, rpc.ErrClosed):
		h.logger.Info("connection closed")
	case errors.As(err, &ce):
		h.logger.Warn("connection lost", "code", ce.Code, "reason", ce.Reason)
	default:
		h.logger.Warn("connection lost", "error", err)
	}
	h.finish(err)
}

func (h *Host) finish(err error) {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		h.err = err
		h.setStateLocked(StateDisconnected)
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *Host) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setStateLocked(s)
}

func (h *Host) setStateLocked(s State) {
	if h.state == s {
		return
	}
	prev := h.state
	h.state = s
	h.metrics.SetState(string(s))
	if h.events != nil {
		h.events.Publish(events.KindHostState, map[string]string{
			"from":        string(prev),
			"to":          string(s),
			"instance_id": h.instanceID,
		})
	}
	h.logger.Debug("state changed", "from", prev, "to", s)
}

// Close ends the connection. In-flight runs keep executing; use Wait to drain them.
func (h *Host) Close() error {
	h.mu.Lock()
	ch := h.ch
	h.started = true
	h.mu.Unlock()
	if ch == nil {
		h.finish(rpc.ErrClosed)
		return nil
	}
	return ch.Close()
}

// Wait blocks until the runs in flight have reported their outcome. Runs
// triggered while it blocks extend the wait; use Drain at shutdown.
func (h *Host) Wait() {
	if ch := h.channel(); ch != nil {
		ch.Wait()
	}
}

// Drain stops accepting TRIGGER_WORKFLOW calls and blocks until the runs
// already accepted have reported their outcome. The connection stays open so
// those reports can be delivered.
func (h *Host) Drain() {
	ch := h.channel()
	if ch == nil {
		return
	}
	h.logger.Info("draining runs", "runs", h.Runs())
	ch.Drain()
}

func (h *Host) channel() *rpc.Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ch
}

// Done is closed when the connection has ended.
func (h *Host) Done() <-chan struct{} { return h.done }

// Err returns why the connection ended, or nil while it is open.
func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// InstanceID is the identity sent on dial. It is empty before Start.
func (h *Host) InstanceID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.instanceID
}

// Runs is the number of runs currently executing.
func (h *Host) Runs() int { return int(h.runs.Load()) }

// Status is a point-in-time view of the host.
type Status struct {
	State        State      `json:"state"`
	InstanceID   string     `json:"instance_id"`
	WorkflowID   string     `json:"workflow_id"`
	WorkflowName string     `json:"workflow_name"`
	Endpoint     string     `json:"endpoint"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	RunsInFlight int        `json:"runs_in_flight"`
	PendingCalls int        `json:"pending_calls"`
	Draining     bool       `json:"draining,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := Status{
		State:        h.state,
		InstanceID:   h.instanceID,
		WorkflowID:   h.wf.ID,
		WorkflowName: h.wf.Name,
		Endpoint:     h.cfg.Endpoint,
		RunsInFlight: int(h.runs.Load()),
	}
	if !h.connectedAt.IsZero() {
		at := h.connectedAt
		st.ConnectedAt = &at
	}
	if h.ch != nil {
		st.PendingCalls = h.ch.Pending()
		st.Draining = h.ch.Draining()
	}
	if h.err != nil {
		st.LastError = h.err.Error()
	}
	return st
}
