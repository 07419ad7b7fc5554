package colibri

import (
	"context"
	"errors"
	"sync"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/conferencefocus/focus/internal/bridge"
	"github.com/conferencefocus/focus/internal/colibri/transport"
)

func newTestManager(t *testing.T, handler transport.Handler) (*Manager, *bridge.Registry) {
	t.Helper()
	registry := bridge.NewRegistry()
	selector := bridge.NewIntraRegionSelector(80, -1)
	tp := transport.NewInProcessTransport(handler)
	return NewManager(registry, selector, tp, nil, false), registry
}

func TestAllocateEstablishesRelayAcrossRegions(t *testing.T) {
	var mu sync.Mutex
	relayDirectives := make(map[string]int)

	handler := func(ctx context.Context, req transport.Request) (*transport.Response, error) {
		if req.Directive == transport.DirectiveCreateRelay {
			mu.Lock()
			relayDirectives[req.BridgeID]++
			mu.Unlock()
		}
		payload, _ := structpb.NewStruct(map[string]any{
			"dtls_fingerprint": "fp",
			"ice_ufrag_pwd":    "ufrag",
		})
		return &transport.Response{Success: true, Payload: payload}, nil
	}

	m, registry := newTestManager(t, handler)
	defer m.Dispose()

	b1 := bridge.NewBridge("b1", "eu")
	b1.RelayID = "relay-b1"
	b3 := bridge.NewBridge("b3", "us")
	b3.RelayID = "relay-b3"
	registry.Register(b1)
	registry.Register(b3)

	ctx := context.Background()

	alloc1, err := m.Allocate(ctx, "meeting1", "ep1", bridge.Participant{Region: "eu"})
	if err != nil {
		t.Fatalf("Allocate() first participant error = %v", err)
	}
	if alloc1.Region != "eu" {
		t.Fatalf("first allocation region = %s, want eu", alloc1.Region)
	}

	alloc2, err := m.Allocate(ctx, "meeting1", "ep2", bridge.Participant{Region: "us", RequiresMultiBridge: true})
	if err != nil {
		t.Fatalf("Allocate() second participant error = %v", err)
	}
	if alloc2.Region != "us" {
		t.Fatalf("second allocation region = %s, want us", alloc2.Region)
	}

	if !m.cascade.Connected("b1", "b3") {
		t.Fatalf("expected cascade to connect b1 and b3 after cross-region allocation")
	}

	mu.Lock()
	defer mu.Unlock()
	if relayDirectives["b1"] != 1 || relayDirectives["b3"] != 1 {
		t.Fatalf("relay directives = %v, want exactly one create-relay per side", relayDirectives)
	}
}

func TestAllocateBridgeFailureMarksNonOperationalAndReinvites(t *testing.T) {
	failing := "b1"
	var attempts int

	handler := func(ctx context.Context, req transport.Request) (*transport.Response, error) {
		if req.BridgeID == failing {
			attempts++
			return nil, errors.New("bridge unreachable")
		}
		return &transport.Response{Success: true}, nil
	}

	m, registry := newTestManager(t, handler)
	defer m.Dispose()

	b1 := bridge.NewBridge("b1", "eu")
	registry.Register(b1)

	ctx := context.Background()
	_, err := m.Allocate(ctx, "meeting1", "ep1", bridge.Participant{Region: "eu"})
	if err == nil {
		t.Fatalf("Allocate() error = nil, want BridgeFailedError")
	}
	var failedErr *BridgeFailedError
	if !errors.As(err, &failedErr) {
		t.Fatalf("Allocate() error = %v, want *BridgeFailedError", err)
	}
	if failedErr.BridgeID != "b1" {
		t.Fatalf("failed bridge = %s, want b1", failedErr.BridgeID)
	}
	if b1.Operational() {
		t.Fatalf("bridge should be marked non-operational after an unreachable response")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}

	// A second participant re-invites: with no other bridge registered the
	// selector falls back to the only bridge already in the conference,
	// which is still down, so the request fails again.
	_, err = m.Allocate(ctx, "meeting1", "ep2", bridge.Participant{Region: "eu"})
	if !errors.As(err, &failedErr) {
		t.Fatalf("Allocate() second participant error = %v, want *BridgeFailedError", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}

	b2 := bridge.NewBridge("b2", "eu")
	registry.Register(b2)

	alloc, err := m.Allocate(ctx, "meeting1", "ep2", bridge.Participant{Region: "eu"})
	if err != nil {
		t.Fatalf("Allocate() after registering a healthy bridge error = %v", err)
	}
	if alloc.Region != "eu" {
		t.Fatalf("allocation region = %s, want eu", alloc.Region)
	}
}

func TestUpdateIsIdempotentForUnknownEndpoint(t *testing.T) {
	handler := func(ctx context.Context, req transport.Request) (*transport.Response, error) {
		t.Fatalf("transport should not be invoked for an endpoint never allocated")
		return nil, nil
	}
	m, _ := newTestManager(t, handler)
	defer m.Dispose()

	if err := m.Update(context.Background(), "meeting1", "ghost", "b1", map[string]any{"muted": true}); err != nil {
		t.Fatalf("Update() for unknown endpoint error = %v, want nil", err)
	}
}

func TestExpireRemovesSessionWhenEmpty(t *testing.T) {
	handler := func(ctx context.Context, req transport.Request) (*transport.Response, error) {
		return &transport.Response{Success: true}, nil
	}
	m, registry := newTestManager(t, handler)
	defer m.Dispose()

	registry.Register(bridge.NewBridge("b1", "eu"))

	ctx := context.Background()
	if _, err := m.Allocate(ctx, "meeting1", "ep1", bridge.Participant{Region: "eu"}); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	if err := m.Expire(ctx, "meeting1", "ep1", "b1"); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}

	if len(m.conferenceBridgeIDs("meeting1")) != 0 {
		t.Fatalf("expected session to be removed once its last participant expired")
	}

	// Expiring again is a no-op (§4.4 idempotency).
	if err := m.Expire(ctx, "meeting1", "ep1", "b1"); err != nil {
		t.Fatalf("Expire() second call error = %v, want nil", err)
	}
}

func TestSetForceMuteCoalescesEndpointsPerBridge(t *testing.T) {
	var mu sync.Mutex
	requestsPerBridge := make(map[string]int)
	endpointIDsSeen := make(map[string][]any)

	handler := func(ctx context.Context, req transport.Request) (*transport.Response, error) {
		if req.Directive == transport.DirectiveSetForceMute {
			mu.Lock()
			requestsPerBridge[req.BridgeID]++
			endpointIDsSeen[req.BridgeID] = req.Payload.Fields["endpoint_ids"].GetListValue().AsSlice()
			mu.Unlock()
		}
		return &transport.Response{Success: true}, nil
	}

	m, registry := newTestManager(t, handler)
	defer m.Dispose()

	registry.Register(bridge.NewBridge("b1", "eu"))
	registry.Register(bridge.NewBridge("b2", "eu"))

	ctx := context.Background()
	if _, err := m.Allocate(ctx, "meeting1", "ep1", bridge.Participant{Region: "eu"}); err != nil {
		t.Fatalf("Allocate() ep1 error = %v", err)
	}

	err := m.SetForceMute(ctx, "meeting1", map[string][]string{"b1": {"ep1"}}, true)
	if err != nil {
		t.Fatalf("SetForceMute() single endpoint error = %v", err)
	}

	mu.Lock()
	if requestsPerBridge["b1"] != 1 {
		t.Fatalf("single-endpoint force-mute issued %d requests to b1, want 1", requestsPerBridge["b1"])
	}
	if len(endpointIDsSeen["b1"]) != 1 {
		t.Fatalf("single-endpoint force-mute carried %v endpoint ids, want 1", endpointIDsSeen["b1"])
	}
	mu.Unlock()

	// A set of endpoints hosted on the same bridge coalesces into one
	// request carrying all of them (§4.4).
	err = m.SetForceMute(ctx, "meeting1", map[string][]string{"b1": {"ep1", "ep2", "ep3"}}, false)
	if err != nil {
		t.Fatalf("SetForceMute() coalesced error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if requestsPerBridge["b1"] != 2 {
		t.Fatalf("force-mute issued %d total requests to b1, want 2 (one per SetForceMute call)", requestsPerBridge["b1"])
	}
	if len(endpointIDsSeen["b1"]) != 3 {
		t.Fatalf("coalesced force-mute carried %v endpoint ids, want 3", endpointIDsSeen["b1"])
	}
}

func TestSetRecordingURLReachesEveryBridgeHostingTheConference(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]string)

	handler := func(ctx context.Context, req transport.Request) (*transport.Response, error) {
		if req.Directive == transport.DirectiveSetRecordingURL {
			mu.Lock()
			seen[req.BridgeID] = req.TranscriberConnectURL
			mu.Unlock()
		}
		return &transport.Response{Success: true}, nil
	}

	m, registry := newTestManager(t, handler)
	defer m.Dispose()

	b1 := bridge.NewBridge("b1", "eu")
	b1.RelayID = "relay-b1"
	b2 := bridge.NewBridge("b2", "us")
	b2.RelayID = "relay-b2"
	registry.Register(b1)
	registry.Register(b2)

	ctx := context.Background()
	if _, err := m.Allocate(ctx, "meeting1", "ep1", bridge.Participant{Region: "eu"}); err != nil {
		t.Fatalf("Allocate() ep1 error = %v", err)
	}
	if _, err := m.Allocate(ctx, "meeting1", "ep2", bridge.Participant{Region: "us", RequiresMultiBridge: true}); err != nil {
		t.Fatalf("Allocate() ep2 error = %v", err)
	}

	if err := m.SetRecordingURL(ctx, "meeting1", "wss://recorder.example/connect", "wss://transcriber.example/connect"); err != nil {
		t.Fatalf("SetRecordingURL() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("set-recording-url reached %d bridges, want 2", len(seen))
	}
	for bridgeID, transcriberURL := range seen {
		if transcriberURL != "wss://transcriber.example/connect" {
			t.Fatalf("bridge %s saw transcriber url %q, want the resolved template", bridgeID, transcriberURL)
		}
	}
}
