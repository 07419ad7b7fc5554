package transport

import "context"

// Handler answers a Request directly, in-process. Used for tests and for
// deployments where the bridge control plane is reachable as a Go value
// rather than over the network.
type Handler func(ctx context.Context, req Request) (*Response, error)

// InProcessTransport adapts a Handler to the Transport interface.
type InProcessTransport struct {
	handler Handler
}

// NewInProcessTransport wraps handler as a Transport.
func NewInProcessTransport(handler Handler) *InProcessTransport {
	return &InProcessTransport{handler: handler}
}

func (t *InProcessTransport) Send(ctx context.Context, req Request) (*Response, error) {
	return t.handler(ctx, req)
}

func (t *InProcessTransport) Close() error { return nil }
