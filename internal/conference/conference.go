// Package conference implements the per-room controller of spec §4.5: one
// Conference per chat room, driving each joined participant through its
// own allocation/signaling state machine over a single ordered queue
// (§5), and owning the conference-wide source map and start/idle timers.
package conference

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/conferencefocus/focus/internal/bridge"
	"github.com/conferencefocus/focus/internal/chatroom"
	"github.com/conferencefocus/focus/internal/colibri"
	"github.com/conferencefocus/focus/internal/config"
	"github.com/conferencefocus/focus/internal/events"
	"github.com/conferencefocus/focus/internal/queue"
	"github.com/conferencefocus/focus/internal/source"
)

// SourceSignalHook is invoked once per coalesced source-signaling flush
// with the endpoint id of an Established participant and a snapshot of
// every other endpoint's sources to forward to it (§4.5 "source signaling
// delay"); the recipient's own sources are already left out. The caller
// is responsible for filtering by capability before sending.
type SourceSignalHook func(endpointID string, sources map[string]source.EndpointSourceSet)

// SessionInitiateHook is invoked once a participant's bridge allocation
// succeeds, carrying what a session-initiate offer needs (§4.5
// "Allocating → Invited").
type SessionInitiateHook func(endpointID string, sources map[string]source.EndpointSourceSet, transport colibri.IceTransport)

// Conference is the controller for a single chat room (§2, §4.5).
type Conference struct {
	MeetingID string
	RoomJID   string
	GlobalID  string

	cfg         *config.Config
	room        *chatroom.Room
	colibriMgr  *colibri.Manager
	sources     *source.ConferenceSourceMap
	queue       *queue.SerialQueue
	emitter     events.Publisher
	logger      *slog.Logger
	onDestroy   func(reason string)

	sessionInitiateHook SessionInitiateHook
	sourceSignalHook    SourceSignalHook

	mu                  sync.Mutex
	participants        map[string]*Participant
	ownerGranted         bool
	destroyed            bool
	startTimer           *time.Timer
	idleTimer            *time.Timer
	pendingSignalTimer   *time.Timer
}

// NewConference constructs a Conference for roomJID/meetingID. emitter
// receives the controller's own outward events (participant state
// changes, validation failures, destruction); onDestroy, if non-nil, is
// invoked once the conference self-destroys.
func NewConference(meetingID, roomJID, globalID string, cfg *config.Config, colibriMgr *colibri.Manager, trustedDomains []string, emitter events.Publisher, onDestroy func(reason string)) *Conference {
	if emitter == nil {
		emitter = events.NewNoopPublisher()
	}
	c := &Conference{
		MeetingID:    meetingID,
		RoomJID:      roomJID,
		GlobalID:     globalID,
		cfg:          cfg,
		colibriMgr:   colibriMgr,
		sources:      source.NewConferenceSourceMap(cfg.MaxSsrcsPerUser),
		queue:        queue.NewSerialQueue(128),
		emitter:      emitter,
		logger:       slog.Default().With("component", "conference", "meeting_id", meetingID),
		onDestroy:    onDestroy,
		participants: make(map[string]*Participant),
	}
	c.room = chatroom.NewRoom(meetingID, trustedDomains, c, cfg.VnodeJoinLatencyInterval)
	c.scheduleStartTimeout()
	return c
}

// Room returns the chat-room tracker backing this conference, e.g. so the
// caller can feed it presence updates with ProcessPresence.
func (c *Conference) Room() *chatroom.Room { return c.room }

// JoinRoom reads the room configuration form (§4.2 "Configuration form")
// the first time the local user joins this room. When the form has
// conferencePresetsEnabled set, this blocks up to
// chatroom.RoomConfigWaitTimeout for a room-metadata message delivered
// through OnRoomMetadata before returning the resulting config.
func (c *Conference) JoinRoom(ctx context.Context, cfg chatroom.RoomConfig) chatroom.RoomConfig {
	return c.room.Join(ctx, cfg)
}

// OnRoomMetadata delivers a room-metadata message (§6 "Room-metadata
// boundary (consumed)") to this conference's room.
func (c *Conference) OnRoomMetadata(md chatroom.RoomMetadata) {
	c.room.OnRoomMetadata(md)
}

// SetSessionInitiateHook installs the callback used to deliver a
// session-initiate once a participant's allocation succeeds.
func (c *Conference) SetSessionInitiateHook(hook SessionInitiateHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionInitiateHook = hook
}

// SetSourceSignalHook installs the callback used to deliver coalesced
// source-add/source-remove updates to other participants.
func (c *Conference) SetSourceSignalHook(hook SourceSignalHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sourceSignalHook = hook
}

// Publish implements events.Publisher: the conference subscribes to its
// own chat room's events this way, dispatching each onto its serial
// queue rather than acting on the room's lock (§4.2/§5 boundary).
func (c *Conference) Publish(ctx context.Context, event events.Event) error {
	c.dispatch(event)
	return nil
}

// PublishAsync implements events.Publisher.
func (c *Conference) PublishAsync(event events.Event) { c.dispatch(event) }

// Close implements events.Publisher; the conference's own shutdown is
// driven by destroyConference, not by this.
func (c *Conference) Close() error { return nil }

func (c *Conference) dispatch(event events.Event) {
	switch e := event.(type) {
	case *events.MemberJoinedEvent:
		endpointID := e.EndpointID
		c.queue.Submit(func() { c.onMemberJoined(endpointID) })
	case *events.MemberLeftEvent:
		endpointID := e.EndpointID
		kicked := e.Kicked
		c.queue.Submit(func() { c.onMemberLeft(endpointID, kicked) })
	}
}

func (c *Conference) publishParticipantState(p *Participant, from, to ParticipantState) {
	c.emitter.PublishAsync(&events.ParticipantStateChangedEvent{
		BaseEvent: events.BaseEvent{
			EventType:  events.ParticipantStateChanged,
			EventTime:  time.Now(),
			MeetingID:  c.MeetingID,
			EndpointID: p.EndpointID,
		},
		OldState: string(from),
		NewState: string(to),
	})
}

func (c *Conference) onMemberJoined(endpointID string) {
	member, ok := c.room.Member(endpointID)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	if _, exists := c.participants[endpointID]; exists {
		c.mu.Unlock()
		return
	}
	p := newParticipant(endpointID, member.OccupantJID, member.Role, member.Region, member.Codecs, member.Robot)
	c.participants[endpointID] = p
	c.mu.Unlock()

	c.maybeGrantOwner(member)

	if from, ok := p.transition(StateAllocating); ok {
		c.publishParticipantState(p, from, StateAllocating)
	}
	c.startAllocation(p)
}

// maybeGrantOwner implements §4.5 "Owner granting": the first joining
// non-visitor, non-robot member becomes owner if auto-owner is enabled
// and this conference has not granted an owner before; whether the room
// already has an owner by other means is not checked. Actually assigning the MUC affiliation is an
// external chat-room-service operation outside this core's boundary
// (§1); this records the decision and logs it for the caller to act on.
func (c *Conference) maybeGrantOwner(member chatroom.Member) {
	if !c.cfg.EnableAutoOwner || member.Role == chatroom.RoleVisitor || member.Robot {
		return
	}
	c.mu.Lock()
	already := c.ownerGranted
	if !already {
		c.ownerGranted = true
	}
	c.mu.Unlock()
	if already {
		return
	}
	c.logger.Info("granting owner affiliation", "endpoint", member.EndpointID)
}

func (c *Conference) startAllocation(p *Participant) {
	go func() {
		alloc, err := c.colibriMgr.Allocate(context.Background(), c.MeetingID, p.EndpointID, bridge.Participant{
			Region: p.Region,
		})
		c.queue.Submit(func() {
			c.onAllocationComplete(p, alloc, err)
		})
	}()
}

func (c *Conference) onAllocationComplete(p *Participant, alloc *colibri.ColibriAllocation, err error) {
	if p.State() == StateTerminated {
		return // the participant left while the allocation was in flight
	}
	if err != nil {
		c.logger.Warn("bridge allocation failed, retrying", "endpoint", p.EndpointID, "error", err)
		c.startAllocation(p)
		return
	}

	bridgeID := strings.TrimPrefix(alloc.SessionID, c.MeetingID+"/")
	p.setBridge(bridgeID, alloc)

	from, ok := p.transition(StateInvited)
	if !ok {
		return
	}
	c.publishParticipantState(p, from, StateInvited)
	c.sendSessionInitiate(p)
}

func (c *Conference) sendSessionInitiate(p *Participant) {
	c.mu.Lock()
	hook := c.sessionInitiateHook
	c.mu.Unlock()
	if hook == nil {
		return
	}
	_, alloc := p.Bridge()
	if alloc == nil {
		return
	}
	hook(p.EndpointID, c.othersSnapshot(p.EndpointID), alloc.Transport)
}

func (c *Conference) othersSnapshot(exclude string) map[string]source.EndpointSourceSet {
	snapshot := c.sources.Snapshot()
	delete(snapshot, exclude)
	return snapshot
}

// OnSessionAccept records that endpointID's session-accept arrived (§4.5
// "Invited → Established").
func (c *Conference) OnSessionAccept(endpointID string) {
	c.queue.Submit(func() {
		c.mu.Lock()
		p, ok := c.participants[endpointID]
		c.mu.Unlock()
		if !ok {
			return
		}
		from, ok := p.transition(StateEstablished)
		if !ok {
			return
		}
		c.publishParticipantState(p, from, StateEstablished)
		c.cancelStartTimeout()
		c.evaluateSingleParticipantTimeout()
	})
}

// OnTransportInfo merges late-arriving ICE candidates/credentials into an
// Established participant's stored transport (§4.5 "Established →
// Established").
func (c *Conference) OnTransportInfo(endpointID string, candidates []string, ufragPwd string) {
	c.queue.Submit(func() {
		c.mu.Lock()
		p, ok := c.participants[endpointID]
		c.mu.Unlock()
		if !ok || p.State() != StateEstablished {
			return
		}
		p.mergeTransport(candidates, ufragPwd)
	})
}

// OnSourceAdd validates and merges newly advertised sources, then
// schedules a coalesced signal to the rest of the conference (§4.5).
func (c *Conference) OnSourceAdd(endpointID string, candidates []source.Candidate, groups []source.Group) {
	c.queue.Submit(func() {
		c.mu.Lock()
		p, ok := c.participants[endpointID]
		size := len(c.participants)
		c.mu.Unlock()
		if !ok || p.State() != StateEstablished {
			return
		}

		added, err := c.sources.TryAdd(endpointID, candidates, groups)
		if err != nil {
			c.publishValidationFailed(endpointID, err)
			return
		}
		if len(added) == 0 {
			return
		}
		c.scheduleSourceSignal(size)
	})
}

// OnSourceRemove validates and removes previously advertised sources,
// then schedules a coalesced signal (§4.5).
func (c *Conference) OnSourceRemove(endpointID string, ssrcs []uint32, groups []source.Group) {
	c.queue.Submit(func() {
		c.mu.Lock()
		p, ok := c.participants[endpointID]
		size := len(c.participants)
		c.mu.Unlock()
		if !ok || p.State() != StateEstablished {
			return
		}

		removed, err := c.sources.TryRemove(endpointID, ssrcs, groups)
		if err != nil {
			c.publishValidationFailed(endpointID, err)
			return
		}
		if len(removed) == 0 {
			return
		}
		c.scheduleSourceSignal(size)
	})
}

func (c *Conference) publishValidationFailed(endpointID string, err error) {
	c.emitter.PublishAsync(&events.ValidationFailedEvent{
		BaseEvent: events.BaseEvent{
			EventType:  events.ValidationFailed,
			EventTime:  time.Now(),
			MeetingID:  c.MeetingID,
			EndpointID: endpointID,
		},
		Reason: err.Error(),
	})
}

func (c *Conference) scheduleSourceSignal(conferenceSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingSignalTimer != nil {
		return // a flush is already scheduled; it will pick up this change too
	}
	delay := c.cfg.SourceSignalingDelay(conferenceSize)
	c.pendingSignalTimer = time.AfterFunc(delay, func() {
		c.queue.Submit(c.flushSourceSignal)
	})
}

func (c *Conference) flushSourceSignal() {
	c.mu.Lock()
	c.pendingSignalTimer = nil
	hook := c.sourceSignalHook
	participants := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		participants = append(participants, p)
	}
	c.mu.Unlock()

	if hook == nil {
		return
	}
	for _, p := range participants {
		if p.State() != StateEstablished {
			continue
		}
		hook(p.EndpointID, c.othersSnapshot(p.EndpointID))
	}
}

// OnBridgeNonOperational re-invites every Established participant
// currently hosted on bridgeID onto a freshly selected bridge, preserving
// their source sets (§4.5 "Established → Reinviting"). The caller (the
// process wiring the shared colibri.Manager's bridge-health events to
// the right conferences) invokes this directly; it is not itself a chat-
// room event.
func (c *Conference) OnBridgeNonOperational(bridgeID string) {
	c.queue.Submit(func() {
		c.mu.Lock()
		var affected []*Participant
		for _, p := range c.participants {
			if pb, _ := p.Bridge(); pb == bridgeID {
				affected = append(affected, p)
			}
		}
		c.mu.Unlock()

		for _, p := range affected {
			from, ok := p.transition(StateReinviting)
			if !ok {
				continue
			}
			c.publishParticipantState(p, from, StateReinviting)
			if from2, ok := p.transition(StateAllocating); ok {
				c.publishParticipantState(p, from2, StateAllocating)
				c.startAllocation(p)
			}
		}
	})
}

// SetForceMute applies a force-mute change to a set of endpoints, run
// outside the conference's serial queue since it only reads the current
// participant→bridge mapping and then waits on a bridge round trip.
// Endpoints are grouped by bridge before calling the session manager so
// that muting many endpoints hosted on the same bridge coalesces into a
// single request, while a lone endpoint still gets an update for itself
// only (§4.4 "Force-mute propagation"). Endpoints with no bridge yet
// assigned are skipped.
func (c *Conference) SetForceMute(endpointIDs []string, muted bool) {
	c.mu.Lock()
	endpointsByBridge := make(map[string][]string)
	for _, id := range endpointIDs {
		p, ok := c.participants[id]
		if !ok {
			continue
		}
		bridgeID, _ := p.Bridge()
		if bridgeID == "" {
			continue
		}
		endpointsByBridge[bridgeID] = append(endpointsByBridge[bridgeID], id)
	}
	c.mu.Unlock()

	if len(endpointsByBridge) == 0 {
		return
	}

	go func() {
		ctx := context.Background()
		if c.cfg.ReplyTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.ReplyTimeout)
			defer cancel()
		}
		if err := c.colibriMgr.SetForceMute(ctx, c.MeetingID, endpointsByBridge, muted); err != nil {
			c.logger.Warn("force-mute request failed", "error", err, "muted", muted)
		}
	}()
}

// SetRecordingURL pushes an already-resolved recording connect URL (and
// optional transcriber connect URL) to every bridge hosting the
// conference (§6 "set recording connect URL"). Resolving the URL
// template itself is an external boundary concern, same as parsing the
// room-metadata message that carries `recording.isTranscribingEnabled`.
func (c *Conference) SetRecordingURL(recordingConnectURL, transcriberConnectURL string) {
	go func() {
		ctx := context.Background()
		if c.cfg.ReplyTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.ReplyTimeout)
			defer cancel()
		}
		if err := c.colibriMgr.SetRecordingURL(ctx, c.MeetingID, recordingConnectURL, transcriberConnectURL); err != nil {
			c.logger.Warn("set recording connect url failed", "error", err)
		}
	}()
}

func (c *Conference) onMemberLeft(endpointID string, kicked bool) {
	c.mu.Lock()
	p, ok := c.participants[endpointID]
	if ok {
		delete(c.participants, endpointID)
	}
	remainingNonVisitors := 0
	for _, other := range c.participants {
		if other.Role != chatroom.RoleVisitor {
			remainingNonVisitors++
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	from, _ := p.transition(StateTerminated)
	c.publishParticipantState(p, from, StateTerminated)
	c.terminateParticipant(p)
	c.sources.DropEndpoint(endpointID)
	c.evaluateSingleParticipantTimeout()

	if remainingNonVisitors == 0 {
		c.destroyConference("last non-visitor participant left")
	}
}

// terminateParticipant expires the participant's bridge resources exactly
// once, per §4.5's "resources on the bridge are expired exactly once".
func (c *Conference) terminateParticipant(p *Participant) {
	if !p.markTerminatedOnce() {
		return
	}
	bridgeID, _ := p.Bridge()
	if bridgeID == "" {
		return
	}
	endpointID := p.EndpointID
	go func() {
		if err := c.colibriMgr.Expire(context.Background(), c.MeetingID, endpointID, bridgeID); err != nil {
			c.logger.Warn("bridge expire failed", "endpoint", endpointID, "bridge", bridgeID, "error", err)
		}
	}()
}

// evaluateSingleParticipantTimeout implements §4.5's "single-participant
// timeout": when exactly one non-visitor, unmuted participant remains
// Established, schedule a destroy after the idle timeout; cancel it
// otherwise.
func (c *Conference) evaluateSingleParticipantTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, p := range c.participants {
		if p.State() != StateEstablished || p.Role == chatroom.RoleVisitor {
			continue
		}
		member, ok := c.room.Member(p.EndpointID)
		if ok && !member.HasUnmutedSource(source.MediaAudio) && !member.HasUnmutedSource(source.MediaVideo) {
			continue
		}
		count++
	}

	if count == 1 {
		c.scheduleIdleTimeoutLocked()
	} else {
		c.cancelIdleTimeoutLocked()
	}
}
