package invocation

import (
	"context"

	"github.com/mattjoyce/ductile-host/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_caller.go -package=mocks github.com/mattjoyce/ductile-host/internal/invocation Caller

// Caller issues one outbound RPC. The host passes a caller that already retries on timeout.
type Caller interface {
	Call(ctx context.Context, method string, req, resp protocol.Message) error
}
