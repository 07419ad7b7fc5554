package chatroom

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conferencefocus/focus/internal/events"
)

// RoleChangeHook lets an implementer opt into rewriting visitor counts on
// a visitor <-> non-visitor role transition instead of refusing it (§9
// Open Question). Returning true accepts the transition.
type RoleChangeHook func(m *Member, reported Role) bool

// Room consumes presence updates addressed to the local occupant and
// derives membership/mute/visitor state (spec §4.2). All incoming
// presence is processed while r.mu is held for the duration of exactly
// one processPresence invocation, and listener dispatch happens
// synchronously inside that lock so ordering matches wire order (§4.2
// "Concurrency").
type Room struct {
	mu sync.Mutex

	meetingID string
	members   map[string]*Member

	audioSendersCount int
	videoSendersCount int
	visitorCount      int

	visitors *visitorWindow

	trustedDomains map[string]bool
	config         RoomConfig
	metadataWait   chan RoomMetadata

	lastPresence presenceBuilder

	publisher      events.Publisher
	roleChangeHook RoleChangeHook
	logger         *slog.Logger
}

// NewRoom constructs a Room for the given meeting id.
func NewRoom(meetingID string, trustedDomains []string, publisher events.Publisher, vnodeJoinLatency time.Duration) *Room {
	td := make(map[string]bool, len(trustedDomains))
	for _, d := range trustedDomains {
		td[d] = true
	}
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	return &Room{
		meetingID:      meetingID,
		members:        make(map[string]*Member),
		visitors:       newVisitorWindow(vnodeJoinLatency),
		trustedDomains: td,
		publisher:      publisher,
		logger:         slog.Default(),
	}
}

// SetRoleChangeHook installs an optional visitor role-change override.
func (r *Room) SetRoleChangeHook(hook RoleChangeHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roleChangeHook = hook
}

// Close releases resources held by the room (the visitor window's
// cleanup goroutine).
func (r *Room) Close() {
	r.visitors.Close()
}

// ProcessPresence consumes one presence update, deriving member state and
// emitting the higher-level events described in §4.2.
func (r *Room) ProcessPresence(ctx context.Context, update PresenceUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, known := r.members[update.EndpointID]

	if !update.Available {
		r.handleMemberLeft(ctx, update, existing, known)
		return
	}

	if !known {
		r.handleMemberJoined(ctx, update)
		return
	}

	r.handleMemberUpdated(ctx, update, existing)
}

func (r *Room) handleMemberJoined(ctx context.Context, update PresenceUpdate) {
	m := &Member{
		OccupantJID: update.OccupantJID,
		EndpointID:  update.EndpointID,
		Role:        update.RoleAffiliation,
		Robot:       r.deriveRobot(update),
		Caps:        update.Caps,
		Region:      update.Region,
		StatsID:     update.StatsID,
		Codecs:      update.Codecs,
		SourceInfos: update.SourceInfos,
		Available:   true,
	}
	m.EnsureDefaultCodec()
	applyMuteExtensions(m, update)

	if m.Role == RoleVisitor {
		r.visitorCount++
	}
	r.visitors.Resolve(update.EndpointID)

	r.members[update.EndpointID] = m
	r.recomputeSenderCounts()

	r.publisher.PublishAsync(&events.MemberJoinedEvent{
		BaseEvent: events.BaseEvent{EventType: events.MemberJoined, EventTime: now(), MeetingID: r.meetingID, EndpointID: m.EndpointID},
		Region:    m.Region,
		Role:      string(m.Role),
		Robot:     m.Robot,
	})
	r.publisher.PublishAsync(&events.SenderCountChangedEvent{
		BaseEvent:    events.BaseEvent{EventType: events.SenderCountChanged, EventTime: now(), MeetingID: r.meetingID},
		AudioSenders: r.audioSendersCount,
		VideoSenders: r.videoSendersCount,
	})
}

func (r *Room) handleMemberLeft(ctx context.Context, update PresenceUpdate, existing *Member, known bool) {
	if !known {
		return
	}
	if existing.Role == RoleVisitor && r.visitorCount > 0 {
		r.visitorCount--
	}
	delete(r.members, update.EndpointID)
	r.recomputeSenderCounts()

	evType := events.MemberLeft
	if update.Kicked {
		evType = events.MemberKicked
	}
	r.publisher.PublishAsync(&events.MemberLeftEvent{
		BaseEvent: events.BaseEvent{EventType: evType, EventTime: now(), MeetingID: r.meetingID, EndpointID: update.EndpointID},
		Kicked:    update.Kicked,
	})
}

func (r *Room) handleMemberUpdated(ctx context.Context, update PresenceUpdate, existing *Member) {
	oldRole := existing.Role

	accepted := true
	if update.RoleAffiliation != "" && update.RoleAffiliation != existing.Role {
		accepted = r.applyRoleChange(existing, update.RoleAffiliation)
	}

	existing.Region = update.Region
	existing.StatsID = update.StatsID
	if len(update.Codecs) > 0 {
		existing.Codecs = update.Codecs
	}
	existing.EnsureDefaultCodec()
	if update.SourceInfos != nil {
		existing.SourceInfos = update.SourceInfos
	}
	applyMuteExtensions(existing, update)

	r.recomputeSenderCounts()

	if accepted && oldRole != existing.Role {
		r.publisher.PublishAsync(&events.RoleChangedEvent{
			BaseEvent: events.BaseEvent{EventType: events.RoleChanged, EventTime: now(), MeetingID: r.meetingID, EndpointID: existing.EndpointID},
			OldRole:   string(oldRole),
			NewRole:   string(existing.Role),
		})
	}
	r.publisher.PublishAsync(&events.SenderCountChangedEvent{
		BaseEvent:    events.BaseEvent{EventType: events.SenderCountChanged, EventTime: now(), MeetingID: r.meetingID},
		AudioSenders: r.audioSendersCount,
		VideoSenders: r.videoSendersCount,
	})
}

func applyMuteExtensions(m *Member, update PresenceUpdate) {
	if update.AudioMuted != nil {
		m.AudioMuted = *update.AudioMuted
	} else if len(m.SourceInfos) == 0 {
		m.AudioMuted = true // legacy default = muted
	}
	if update.VideoMuted != nil {
		m.VideoMuted = *update.VideoMuted
	} else if len(m.SourceInfos) == 0 {
		m.VideoMuted = true
	}
}

// Member returns a copy of the member state for endpointID, if present.
func (r *Room) Member(endpointID string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[endpointID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// MarkVisitorInvited records that a visitor invite was just sent, for
// admission-control double-booking avoidance (§4.2 "Visitor accounting").
func (r *Room) MarkVisitorInvited(inviteID string) {
	r.visitors.MarkInvited(inviteID)
}

// now is indirected so tests can exercise ordering deterministically;
// production callers always use the wall clock.
var now = time.Now
