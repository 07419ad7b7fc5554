// Package transport defines the bridge request/response channel of spec
// §6 ("Bridge boundary (produced/consumed)"): a transport-agnostic
// interface plus a gRPC-backed implementation, mirroring the shape of the
// teacher's RTP-manager client boundary.
package transport

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"
)

// Directive identifies the kind of conference-modification request sent
// to a bridge (§6 "Directives").
type Directive string

const (
	DirectiveCreateConference Directive = "create-conference"
	DirectiveAddEndpoint      Directive = "add-endpoint"
	DirectiveModifyEndpoint   Directive = "modify-endpoint"
	DirectiveExpireEndpoint   Directive = "expire-endpoint"
	DirectiveCreateRelay      Directive = "create-relay"
	DirectiveModifyRelay      Directive = "modify-relay"
	DirectiveExpireRelay      Directive = "expire-relay"
	DirectiveSetForceMute     Directive = "set-force-mute"
	DirectiveSetRecordingURL  Directive = "set-recording-url"
)

// Request is addressed to a bridge identity and targets a conference by
// meeting id (§6). Payload carries directive-specific fields as a
// structpb.Struct so the wire shape stays schema-flexible without
// hand-written protoc stubs.
type Request struct {
	BridgeID              string
	MeetingID             string
	Directive             Directive
	Payload               *structpb.Struct
	TranscriberConnectURL string // resolved from a templated URL, optional
}

// Response is the bridge's reply to a Request (§6 "Bridge boundary
// (consumed)").
type Response struct {
	Success bool
	Payload *structpb.Struct
	// ErrorReason is set when Success is false.
	ErrorReason string
}

// Transport is the boundary this core consumes/produces bridge requests
// through (§1 "the core only issues allocate/update/expire requests and
// parses their responses").
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
	Close() error
}
