package conference

import (
	"context"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/conferencefocus/focus/internal/bridge"
	"github.com/conferencefocus/focus/internal/chatroom"
	"github.com/conferencefocus/focus/internal/colibri"
	"github.com/conferencefocus/focus/internal/colibri/transport"
	"github.com/conferencefocus/focus/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		ConferenceStartTimeout:             50 * time.Millisecond,
		ConferenceSingleParticipantTimeout: 50 * time.Millisecond,
		MaxSsrcsPerUser:                    50,
		SourceSignalingDelays:              map[int]time.Duration{0: 0},
		EnableAutoOwner:                    true,
	}
}

func successHandler(ctx context.Context, req transport.Request) (*transport.Response, error) {
	payload, _ := structpb.NewStruct(map[string]any{
		"dtls_fingerprint": "fp",
		"ice_ufrag_pwd":    "ufrag",
	})
	return &transport.Response{Success: true, Payload: payload}, nil
}

func newTestConference(t *testing.T, cfg *config.Config) (*Conference, *bridge.Registry) {
	t.Helper()
	registry := bridge.NewRegistry()
	selector := bridge.NewIntraRegionSelector(80, -1)
	tp := transport.NewInProcessTransport(successHandler)
	mgr := colibri.NewManager(registry, selector, tp, nil, false)
	t.Cleanup(mgr.Dispose)

	c := NewConference("meeting-1", "room@conference.example/focus", "global-1", cfg, mgr, nil, nil, nil)
	t.Cleanup(func() { c.room.Close() })
	return c, registry
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func (c *Conference) participantState(endpointID string) (ParticipantState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.participants[endpointID]
	if !ok {
		return "", false
	}
	return p.State(), true
}

func TestParticipantReachesInvitedAfterAllocation(t *testing.T) {
	cfg := testConfig()
	c, registry := newTestConference(t, cfg)
	registry.Register(bridge.NewBridge("b1", "eu"))

	c.room.ProcessPresence(context.Background(), chatroom.PresenceUpdate{
		EndpointID: "ep1", Available: true, RoleAffiliation: chatroom.RoleParticipant, Region: "eu",
	})

	waitFor(t, time.Second, func() bool {
		state, ok := c.participantState("ep1")
		return ok && state == StateInvited
	})
}

func TestSessionAcceptReachesEstablishedAndCancelsStartTimeout(t *testing.T) {
	cfg := testConfig()
	c, registry := newTestConference(t, cfg)
	registry.Register(bridge.NewBridge("b1", "eu"))

	c.room.ProcessPresence(context.Background(), chatroom.PresenceUpdate{
		EndpointID: "ep1", Available: true, RoleAffiliation: chatroom.RoleParticipant, Region: "eu",
	})
	waitFor(t, time.Second, func() bool {
		state, ok := c.participantState("ep1")
		return ok && state == StateInvited
	})

	c.OnSessionAccept("ep1")
	waitFor(t, time.Second, func() bool {
		state, ok := c.participantState("ep1")
		return ok && state == StateEstablished
	})

	// The conference must survive past its start timeout now that a
	// participant is Established.
	time.Sleep(cfg.ConferenceStartTimeout * 2)
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		t.Fatalf("conference destroyed after an established participant crossed the start timeout")
	}
}

func TestConferenceDestroyedWhenNoOneEstablishesInTime(t *testing.T) {
	cfg := testConfig()
	c, _ := newTestConference(t, cfg)

	waitFor(t, time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.destroyed
	})
}

func TestLastParticipantLeavingDestroysConference(t *testing.T) {
	cfg := testConfig()
	cfg.ConferenceSingleParticipantTimeout = 0 // not exercised by this test
	c, registry := newTestConference(t, cfg)
	registry.Register(bridge.NewBridge("b1", "eu"))

	ctx := context.Background()
	c.room.ProcessPresence(ctx, chatroom.PresenceUpdate{
		EndpointID: "ep1", Available: true, RoleAffiliation: chatroom.RoleParticipant, Region: "eu",
	})
	waitFor(t, time.Second, func() bool {
		state, ok := c.participantState("ep1")
		return ok && state == StateInvited
	})
	c.OnSessionAccept("ep1")
	waitFor(t, time.Second, func() bool {
		state, ok := c.participantState("ep1")
		return ok && state == StateEstablished
	})

	c.room.ProcessPresence(ctx, chatroom.PresenceUpdate{EndpointID: "ep1", Available: false})

	waitFor(t, time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.destroyed
	})
}

func TestSingleParticipantTimeoutDestroysConferenceOnlyWhenAlone(t *testing.T) {
	cfg := testConfig()
	cfg.ConferenceStartTimeout = time.Hour
	cfg.ConferenceSingleParticipantTimeout = 40 * time.Millisecond
	c, registry := newTestConference(t, cfg)
	registry.Register(bridge.NewBridge("b1", "eu"))
	registry.Register(bridge.NewBridge("b2", "eu"))

	ctx := context.Background()
	c.room.ProcessPresence(ctx, chatroom.PresenceUpdate{
		EndpointID: "ep1", Available: true, RoleAffiliation: chatroom.RoleParticipant, Region: "eu",
		AudioMuted: boolPtr(false),
	})
	waitFor(t, time.Second, func() bool {
		state, ok := c.participantState("ep1")
		return ok && state == StateInvited
	})
	c.OnSessionAccept("ep1")
	waitFor(t, time.Second, func() bool {
		state, ok := c.participantState("ep1")
		return ok && state == StateEstablished
	})

	// Alone and unmuted: the idle timer should fire and destroy the
	// conference.
	waitFor(t, time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.destroyed
	})
}

func TestLastNonVisitorLeavingDestroysConferenceWithVisitorStillPresent(t *testing.T) {
	cfg := testConfig()
	cfg.ConferenceSingleParticipantTimeout = time.Hour // not exercised by this test
	c, registry := newTestConference(t, cfg)
	registry.Register(bridge.NewBridge("b1", "eu"))

	ctx := context.Background()
	c.room.ProcessPresence(ctx, chatroom.PresenceUpdate{
		EndpointID: "ep1", Available: true, RoleAffiliation: chatroom.RoleParticipant, Region: "eu",
	})
	waitFor(t, time.Second, func() bool {
		state, ok := c.participantState("ep1")
		return ok && state == StateInvited
	})
	c.OnSessionAccept("ep1")
	waitFor(t, time.Second, func() bool {
		state, ok := c.participantState("ep1")
		return ok && state == StateEstablished
	})

	c.room.ProcessPresence(ctx, chatroom.PresenceUpdate{
		EndpointID: "ep2", Available: true, RoleAffiliation: chatroom.RoleVisitor, Region: "eu",
	})
	waitFor(t, time.Second, func() bool {
		state, ok := c.participantState("ep2")
		return ok && state == StateInvited
	})
	c.OnSessionAccept("ep2")
	waitFor(t, time.Second, func() bool {
		state, ok := c.participantState("ep2")
		return ok && state == StateEstablished
	})

	// ep1, the only non-visitor, leaves; ep2 (a visitor) remains. Per §3
	// the conference's lifetime ends when the last *non-visitor*
	// participant leaves, so it must be destroyed even though the
	// participant map is not empty.
	c.room.ProcessPresence(ctx, chatroom.PresenceUpdate{EndpointID: "ep1", Available: false})

	waitFor(t, time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.destroyed
	})
}

func TestVisitorLeavingAloneDoesNotDestroyConference(t *testing.T) {
	cfg := testConfig()
	cfg.ConferenceSingleParticipantTimeout = time.Hour
	c, registry := newTestConference(t, cfg)
	registry.Register(bridge.NewBridge("b1", "eu"))

	ctx := context.Background()
	c.room.ProcessPresence(ctx, chatroom.PresenceUpdate{
		EndpointID: "ep1", Available: true, RoleAffiliation: chatroom.RoleParticipant, Region: "eu",
	})
	waitFor(t, time.Second, func() bool {
		state, ok := c.participantState("ep1")
		return ok && state == StateInvited
	})
	c.OnSessionAccept("ep1")

	c.room.ProcessPresence(ctx, chatroom.PresenceUpdate{
		EndpointID: "ep2", Available: true, RoleAffiliation: chatroom.RoleVisitor, Region: "eu",
	})
	waitFor(t, time.Second, func() bool {
		state, ok := c.participantState("ep2")
		return ok && state == StateInvited
	})
	c.OnSessionAccept("ep2")
	waitFor(t, time.Second, func() bool {
		state, ok := c.participantState("ep2")
		return ok && state == StateEstablished
	})

	// The visitor leaves; the non-visitor ep1 remains, so the conference
	// must not be destroyed.
	c.room.ProcessPresence(ctx, chatroom.PresenceUpdate{EndpointID: "ep2", Available: false})

	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		t.Fatalf("conference destroyed after a visitor left while a non-visitor remains")
	}
}

func boolPtr(b bool) *bool { return &b }
