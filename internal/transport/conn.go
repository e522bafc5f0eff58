// Package transport carries text frames between the host and the orchestration service.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// Close codes used when a connection ends.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// ErrClosed is returned by Send on a connection that was closed locally.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a bidirectional message connection. Receive blocks until a frame
// arrives or the connection ends; once it ends Receive returns a *CloseError.
// Send is safe for concurrent use; Receive must have a single reader.
type Conn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// CloseError reports how a connection ended.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed (code %d)", e.Code)
	}
	return fmt.Sprintf("connection closed (code %d): %s", e.Code, e.Reason)
}

// Options tune a dialed connection. Zero values select the defaults.
type Options struct {
	HandshakeTimeout time.Duration // default 10s
	WriteTimeout     time.Duration // default 10s
	ReadLimit        int64         // max frame size in bytes, default 16 MiB
	PingInterval     time.Duration // 0 disables keepalive pings
	// PongWait bounds the silence tolerated while pinging, default 2*PingInterval.
	// A peer that answers no ping within it is treated as gone.
	PongWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 16 << 20
	}
	if o.PingInterval > 0 && o.PongWait <= o.PingInterval {
		o.PongWait = 2 * o.PingInterval
	}
	return o
}
