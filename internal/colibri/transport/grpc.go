package transport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCTransport speaks the bridge protocol over a plain gRPC connection.
// Request/response bodies are carried as structpb.Struct values through
// ClientConn.Invoke, avoiding a dependency on protoc-generated stubs while
// still exercising the real grpc/protobuf wire path (the bridge's own
// schema is an external concern per spec §1).
type GRPCTransport struct {
	conn    *grpc.ClientConn
	method  string // fully-qualified RPC method path, e.g. "/colibri.v2.Bridge/Modify"
	timeout time.Duration
}

// DialGRPCTransport opens a connection to a bridge's gRPC control
// endpoint.
func DialGRPCTransport(ctx context.Context, addr, method string, timeout time.Duration) (*GRPCTransport, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("colibri transport: dial %s: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second // §5 "default 15s" reply-timeout
	}
	return &GRPCTransport{conn: conn, method: method, timeout: timeout}, nil
}

// Send marshals req into a structpb.Struct and invokes the configured
// method, unmarshaling the bridge's response the same way.
func (t *GRPCTransport) Send(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	payload, err := structpb.NewStruct(map[string]any{
		"bridge_id":               req.BridgeID,
		"meeting_id":              req.MeetingID,
		"directive":               string(req.Directive),
		"transcriber_connect_url": req.TranscriberConnectURL,
		"payload":                 req.Payload.AsMap(),
	})
	if err != nil {
		return nil, fmt.Errorf("colibri transport: marshal request: %w", err)
	}

	reply := &structpb.Struct{}
	if err := t.conn.Invoke(ctx, t.method, payload, reply); err != nil {
		return nil, fmt.Errorf("colibri transport: invoke %s: %w", t.method, err)
	}

	resp := &Response{Payload: reply}
	if success, ok := reply.Fields["success"]; ok {
		resp.Success = success.GetBoolValue()
	} else {
		resp.Success = true
	}
	if reason, ok := reply.Fields["error_reason"]; ok {
		resp.ErrorReason = reason.GetStringValue()
	}
	return resp, nil
}

// Close releases the underlying gRPC connection.
func (t *GRPCTransport) Close() error {
	return t.conn.Close()
}
