package transport

import (
	"context"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestInProcessTransportRoundTrip(t *testing.T) {
	tp := NewInProcessTransport(func(ctx context.Context, req Request) (*Response, error) {
		if req.Directive != DirectiveCreateConference {
			t.Fatalf("directive = %v, want create-conference", req.Directive)
		}
		payload, _ := structpb.NewStruct(map[string]any{"region": "eu"})
		return &Response{Success: true, Payload: payload}, nil
	})
	defer tp.Close()

	resp, err := tp.Send(context.Background(), Request{
		BridgeID:  "b1",
		MeetingID: "m1",
		Directive: DirectiveCreateConference,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !resp.Success {
		t.Fatalf("Send() Success = false")
	}
	if resp.Payload.Fields["region"].GetStringValue() != "eu" {
		t.Fatalf("response payload region = %q, want eu", resp.Payload.Fields["region"].GetStringValue())
	}
}
