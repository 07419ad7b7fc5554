package chatroom

import (
	"context"
	"testing"
	"time"

	"github.com/conferencefocus/focus/internal/events"
)

func boolPtr(b bool) *bool { return &b }

func TestMemberJoinedAndLeft(t *testing.T) {
	pub := events.NewChannelPublisher(16)
	defer pub.Close()
	r := NewRoom("meeting-1", nil, pub, time.Minute)
	defer r.Close()
	ctx := context.Background()

	r.ProcessPresence(ctx, PresenceUpdate{
		EndpointID: "e1", Available: true, RoleAffiliation: RoleParticipant,
		AudioMuted: boolPtr(false), VideoMuted: boolPtr(true),
	})

	m, ok := r.Member("e1")
	if !ok {
		t.Fatalf("member e1 not found after join")
	}
	if m.Role != RoleParticipant {
		t.Errorf("Role = %v, want participant", m.Role)
	}
	if m.Codecs[0] != "vp8" {
		t.Errorf("Codecs = %v, want default vp8", m.Codecs)
	}
	if r.AudioSendersCount() != 1 {
		t.Errorf("AudioSendersCount() = %d, want 1", r.AudioSendersCount())
	}
	if r.VideoSendersCount() != 0 {
		t.Errorf("VideoSendersCount() = %d, want 0", r.VideoSendersCount())
	}

	r.ProcessPresence(ctx, PresenceUpdate{EndpointID: "e1", Available: false})
	if _, ok := r.Member("e1"); ok {
		t.Errorf("member e1 still present after leave")
	}
	if r.AudioSendersCount() != 0 {
		t.Errorf("AudioSendersCount() after leave = %d, want 0", r.AudioSendersCount())
	}
}

func TestVisitorRoleTransitionRefused(t *testing.T) {
	pub := events.NewNoopPublisher()
	r := NewRoom("meeting-1", nil, pub, time.Minute)
	defer r.Close()
	ctx := context.Background()

	r.ProcessPresence(ctx, PresenceUpdate{
		EndpointID: "m1", Available: true, RoleAffiliation: RoleVisitor,
	})

	if got := r.ReportedVisitorCount(); got != 1 {
		t.Fatalf("ReportedVisitorCount() after join = %d, want 1", got)
	}

	r.ProcessPresence(ctx, PresenceUpdate{
		EndpointID: "m1", Available: true, RoleAffiliation: RoleParticipant,
	})

	member, _ := r.Member("m1")
	if member.Role != RoleVisitor {
		t.Errorf("Role after refused transition = %v, want visitor (unchanged)", member.Role)
	}
	if got := r.ReportedVisitorCount(); got != 1 {
		t.Errorf("ReportedVisitorCount() after refused transition = %d, want 1 (unchanged)", got)
	}
}

func TestVisitorCountNeverNegative(t *testing.T) {
	pub := events.NewNoopPublisher()
	r := NewRoom("meeting-1", nil, pub, time.Minute)
	defer r.Close()
	ctx := context.Background()

	// Leave without ever having joined: must not underflow.
	r.ProcessPresence(ctx, PresenceUpdate{EndpointID: "ghost", Available: false})

	if got := r.ReportedVisitorCount(); got != 0 {
		t.Errorf("ReportedVisitorCount() = %d, want 0", got)
	}
}

func TestRobotFlagOnlyFromTrustedDomain(t *testing.T) {
	pub := events.NewNoopPublisher()
	r := NewRoom("meeting-1", []string{"recorder.example.com"}, pub, time.Minute)
	defer r.Close()
	ctx := context.Background()

	r.ProcessPresence(ctx, PresenceUpdate{
		EndpointID: "r1", Available: true, RoleAffiliation: RoleParticipant,
		Robot: true, OriginDomain: "untrusted.example.com",
	})
	m, _ := r.Member("r1")
	if m.Robot {
		t.Errorf("Robot = true for untrusted domain, want false")
	}

	r.ProcessPresence(ctx, PresenceUpdate{
		EndpointID: "r2", Available: true, RoleAffiliation: RoleParticipant,
		Robot: true, OriginDomain: "recorder.example.com",
	})
	m2, _ := r.Member("r2")
	if !m2.Robot {
		t.Errorf("Robot = false for trusted domain, want true")
	}
}

func TestVisitorPendingWindowCountsTowardReportedTotal(t *testing.T) {
	pub := events.NewNoopPublisher()
	r := NewRoom("meeting-1", nil, pub, 30*time.Millisecond)
	defer r.Close()

	r.MarkVisitorInvited("invite-1")
	if got := r.ReportedVisitorCount(); got != 1 {
		t.Fatalf("ReportedVisitorCount() with pending invite = %d, want 1", got)
	}

	time.Sleep(60 * time.Millisecond)
	if got := r.ReportedVisitorCount(); got != 0 {
		t.Fatalf("ReportedVisitorCount() after horizon = %d, want 0", got)
	}
}

func TestJoinAppliesMetadataArrivingBeforeTimeout(t *testing.T) {
	pub := events.NewNoopPublisher()
	r := NewRoom("meeting-1", nil, pub, time.Minute)
	defer r.Close()
	ctx := context.Background()

	done := make(chan RoomConfig, 1)
	go func() {
		done <- r.Join(ctx, RoomConfig{ConferencePresetsEnabled: true, ParticipantsSoftLimit: 5})
	}()

	// Give Join a moment to start waiting before the metadata arrives.
	time.Sleep(5 * time.Millisecond)
	r.OnRoomMetadata(RoomMetadata{VisitorsEnabled: true, ParticipantsSoftLimit: 50})

	select {
	case cfg := <-done:
		if !cfg.VisitorsEnabled {
			t.Errorf("VisitorsEnabled = false after metadata, want true")
		}
		if cfg.ParticipantsSoftLimit != 50 {
			t.Errorf("ParticipantsSoftLimit = %d, want 50 (from metadata)", cfg.ParticipantsSoftLimit)
		}
	case <-time.After(time.Second):
		t.Fatal("Join did not return after metadata arrived")
	}
}

func TestJoinProceedsWithDefaultsOnTimeout(t *testing.T) {
	pub := events.NewNoopPublisher()
	r := NewRoom("meeting-1", nil, pub, time.Minute)
	defer r.Close()
	ctx := context.Background()

	orig := RoomConfigWaitTimeout
	RoomConfigWaitTimeout = 5 * time.Millisecond
	defer func() { RoomConfigWaitTimeout = orig }()

	cfg := r.Join(ctx, RoomConfig{ConferencePresetsEnabled: true, ParticipantsSoftLimit: 5})
	if cfg.ParticipantsSoftLimit != 5 {
		t.Errorf("ParticipantsSoftLimit = %d, want 5 (form default, no metadata arrived)", cfg.ParticipantsSoftLimit)
	}
}

func TestJoinWithoutPresetsDoesNotBlock(t *testing.T) {
	pub := events.NewNoopPublisher()
	r := NewRoom("meeting-1", nil, pub, time.Minute)
	defer r.Close()
	ctx := context.Background()

	start := time.Now()
	cfg := r.Join(ctx, RoomConfig{MeetingID: "m1"})
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("Join without conferencePresetsEnabled blocked for %v, want immediate return", time.Since(start))
	}
	if cfg.MeetingID != "m1" {
		t.Errorf("MeetingID = %q, want m1", cfg.MeetingID)
	}
}

func TestPresenceBuilderEmitsOnlyOnChange(t *testing.T) {
	pub := events.NewNoopPublisher()
	r := NewRoom("meeting-1", nil, pub, time.Minute)
	defer r.Close()

	if changed := r.SetPresenceExtension("region", "eu"); !changed {
		t.Errorf("first Set() reported no change")
	}
	if changed := r.SetPresenceExtension("region", "eu"); changed {
		t.Errorf("repeat Set() with same value reported change")
	}
	if got := r.OwnPresence()["region"]; got != "eu" {
		t.Errorf("OwnPresence()[region] = %q, want eu", got)
	}
}
