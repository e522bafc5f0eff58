// Package rpc implements a symmetric request/response channel over one transport connection.
//
// Every outbound call carries a unique id. A single read loop routes each
// response to the caller waiting on that id, so concurrent calls share the
// connection and responses may arrive in any order.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/ductile-host/internal/log"
	"github.com/mattjoyce/ductile-host/internal/protocol"
	"github.com/mattjoyce/ductile-host/internal/transport"
)

// DefaultTimeout is the response window for a call.
const DefaultTimeout = 5 * time.Second

// HandlerFunc serves one inbound call. Its return value is logged, not sent back.
type HandlerFunc func(ctx context.Context, req protocol.Message) error

// Observer receives call statistics. Implementations must be safe for concurrent use.
type Observer interface {
	ObserveCall(method string, elapsed time.Duration, err error)
	ObservePending(n int)
}

// Option configures a Channel.
type Option func(*Channel)

// WithTimeout sets the per-call response window.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the channel logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver attaches call statistics collection.
func WithObserver(o Observer) Option {
	return func(c *Channel) { c.observer = o }
}

// WithIDGenerator replaces the uuid call id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Channel) {
		if fn != nil {
			c.newID = fn
		}
	}
}

type result struct {
	env *protocol.Envelope
	err error
}

type pendingCall struct {
	method string
	done   chan result // buffered; receives exactly one result
}

// Channel is safe for concurrent use.
type Channel struct {
	conn     transport.Conn
	outbound protocol.Schema
	inbound  protocol.Schema
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
	newID    func() string

	mu       sync.Mutex
	pending  map[string]*pendingCall
	handlers map[string]HandlerFunc
	err      error
	draining bool

	done      chan struct{}
	closeOnce sync.Once
	inflight  sync.WaitGroup
}

// New builds a channel over conn. Outbound calls are checked against outbound,
// inbound calls against inbound. Call Serve to start reading.
func New(conn transport.Conn, outbound, inbound protocol.Schema, opts ...Option) *Channel {
	c := &Channel{
		conn:     conn,
		outbound: outbound,
		inbound:  inbound,
		timeout:  DefaultTimeout,
		logger:   log.WithComponent("rpc"),
		newID:    uuid.NewString,
		pending:  make(map[string]*pendingCall),
		handlers: make(map[string]HandlerFunc),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends req as method and decodes the response into resp.
// resp may be nil when the caller does not need the result.
func (c *Channel) Call(ctx context.Context, method string, req, resp protocol.Message) error {
	start := time.Now()
	err := c.call(ctx, method, req, resp)
	if c.observer != nil {
		c.observer.ObserveCall(method, time.Since(start), err)
	}
	return err
}

func (c *Channel) call(ctx context.Context, method string, req, resp protocol.Message) error {
	data, err := c.outbound.EncodeRequest(method, req)
	if err != nil {
		return err
	}

	id := c.newID()
	frame, err := protocol.EncodeEnvelope(&protocol.Envelope{
		Kind:   protocol.KindCall,
		ID:     id,
		Method: method,
		Data:   data,
	})
	if err != nil {
		return err
	}

	p := &pendingCall{method: method, done: make(chan result, 1)}

	c.mu.Lock()
	if c.err != nil {
		cause := c.err
		c.mu.Unlock()
		return closedError(method, cause)
	}
	c.pending[id] = p
	n := len(c.pending)
	c.mu.Unlock()
	c.observePending(n)
	defer c.forget(id)

	if err := c.conn.Send(frame); err != nil {
		return fmt.Errorf("rpc: send %s: %w: %w", method, ErrClosed, err)
	}
	c.logger.Debug("call sent", "method", method, "call_id", id)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		if r.err != nil {
			return r.err
		}
		if r.env.Error != "" {
			return &RemoteError{Method: method, Message: r.env.Error}
		}
		return c.outbound.DecodeResponse(method, r.env.Data, resp)
	case <-timer.C:
		return &TimeoutError{Method: method, ID: id, After: c.timeout}
	case <-ctx.Done():
		return fmt.Errorf("rpc: %s: %w", method, ctx.Err())
	}
}

// Handle registers the handler for an inbound method declared in the inbound schema.
func (c *Channel) Handle(method string, h HandlerFunc) error {
	if _, ok := c.inbound.Lookup(method); !ok {
		return fmt.Errorf("rpc: handle %s: %w", method, protocol.ErrUnknownMethod)
	}
	if h == nil {
		return fmt.Errorf("rpc: handle %s: nil handler", method)
	}
	c.mu.Lock()
	c.handlers[method] = h
	c.mu.Unlock()
	return nil
}

// Serve reads frames until the connection ends or ctx is cancelled, and
// returns why it stopped. Cancelling ctx closes the channel.
func (c *Channel) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.shutdown(ctx.Err()) })
	defer stop()

	for {
		data, err := c.conn.Receive()
		if err != nil {
			c.shutdown(err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return c.Err()
		}
		c.dispatch(ctx, data)
	}
}

// Close ends the channel. Pending calls fail with ErrClosed.
func (c *Channel) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

// Done is closed once the channel has ended.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns why the channel ended, or nil while it is open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending returns the number of calls awaiting a response.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Wait blocks until every dispatched inbound handler has returned. Calls that
// keep arriving while it blocks extend the wait; use Drain at shutdown.
func (c *Channel) Wait() { c.inflight.Wait() }

// Drain stops dispatching inbound calls and waits for the handlers already
// running. Calls that arrive afterwards are logged and dropped. Responses to
// outbound calls are still routed.
func (c *Channel) Drain() {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
	c.inflight.Wait()
}

// Draining reports whether Drain has been called.
func (c *Channel) Draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

func (c *Channel) dispatch(ctx context.Context, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	switch env.Kind {
	case protocol.KindResponse:
		c.resolve(env)
	case protocol.KindCall:
		c.serveCall(ctx, env)
	}
}

func (c *Channel) resolve(env *protocol.Envelope) {
	c.mu.Lock()
	p, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown call", "method", env.Method, "call_id", env.ID)
		return
	}
	if env.Method != p.method {
		c.logger.Warn("response method does not match call", "call_id", env.ID, "method", p.method, "got", env.Method)
		p.done <- result{err: &protocol.ValidationError{
			Method: p.method,
			Part:   "response",
			Err:    fmt.Errorf("methodName %q does not match call", env.Method),
		}}
		return
	}
	p.done <- result{env: env}
}

func (c *Channel) serveCall(ctx context.Context, env *protocol.Envelope) {
	req, err := c.inbound.DecodeRequest(env.Method, env.Data)
	if err != nil {
		c.logger.Warn("rejecting inbound call", "method", env.Method, "call_id", env.ID, "error", err)
		return
	}

	c.mu.Lock()
	h := c.handlers[env.Method]
	draining := c.draining
	if h != nil && !draining {
		c.inflight.Add(1)
	}
	c.mu.Unlock()
	switch {
	case draining:
		c.logger.Warn("refusing inbound call while draining", "method", env.Method, "call_id", env.ID)
		return
	case h == nil:
		c.logger.Warn("no handler for inbound call", "method", env.Method, "call_id", env.ID)
		return
	}

	go func() {
		defer c.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("handler panicked", "method", env.Method, "call_id", env.ID, "panic", r)
			}
		}()
		if err := h(ctx, req); err != nil {
			c.logger.Error("handler failed", "method", env.Method, "call_id", env.ID, "error", err)
		}
	}()
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()
	c.observePending(n)
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrClosed
		}

		c.mu.Lock()
		c.err = cause
		pending := c.pending
		c.pending = make(map[string]*pendingCall)
		c.mu.Unlock()

		close(c.done)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("closing connection", "error", err)
		}
		for _, p := range pending {
			p.done <- result{err: closedError(p.method, cause)}
		}
		c.observePending(0)
	})
}

func (c *Channel) observePending(n int) {
	if c.observer != nil {
		c.observer.ObservePending(n)
	}
}

func closedError(method string, cause error) error {
	if errors.Is(cause, ErrClosed) {
		return fmt.Errorf("rpc: %s: %w", method, cause)
	}
	return fmt.Errorf("rpc: %s: %w: %w", method, ErrClosed, cause)
}
