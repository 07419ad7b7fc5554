// Package events defines the typed events the conference controller emits
// to its listeners, and the publishing infrastructure for them.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of conference event.
type EventType string

const (
	MemberJoined      EventType = "member.joined"
	MemberLeft        EventType = "member.left"
	MemberKicked      EventType = "member.kicked"
	RoleChanged       EventType = "member.role_changed"
	SourceInfoChanged EventType = "member.source_info_changed"
	SenderCountChanged EventType = "room.sender_count_changed"
	RoomConfigReloaded EventType = "room.config_reloaded"
	RoomDestroyed      EventType = "room.destroyed"

	ParticipantStateChanged EventType = "participant.state_changed"
	ValidationFailed        EventType = "source.validation_failed"

	BridgeNonOperational EventType = "bridge.non_operational"
	BridgeSelected        EventType = "bridge.selected"
	ColibriAllocationFailed EventType = "colibri.allocation_failed"
	RelayEstablished       EventType = "cascade.relay_established"

	ConferenceStartTimeout       EventType = "conference.start_timeout"
	ConferenceSingleParticipant  EventType = "conference.single_participant_timeout"
	ConferenceDestroyed          EventType = "conference.destroyed"
)

// Event is the base interface implemented by every emitted event.
type Event interface {
	Type() EventType
	Timestamp() time.Time
	// ConferenceID returns the meeting id this event pertains to.
	ConferenceID() string
}

// BaseEvent carries the fields common to every event.
type BaseEvent struct {
	EventType    EventType `json:"event_type"`
	EventTime    time.Time `json:"event_time"`
	MeetingID    string    `json:"meeting_id"`
	EndpointID   string    `json:"endpoint_id,omitempty"`
}

func (e *BaseEvent) Type() EventType        { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time   { return e.EventTime }
func (e *BaseEvent) ConferenceID() string   { return e.MeetingID }

// MemberJoinedEvent fires when chat-room presence reveals a new occupant.
type MemberJoinedEvent struct {
	BaseEvent
	Region string `json:"region,omitempty"`
	Role   string `json:"role"`
	Robot  bool   `json:"robot,omitempty"`
}

// MemberLeftEvent fires on unavailable presence or kick.
type MemberLeftEvent struct {
	BaseEvent
	Kicked bool `json:"kicked,omitempty"`
}

// RoleChangedEvent fires on an accepted role transition.
type RoleChangedEvent struct {
	BaseEvent
	OldRole string `json:"old_role"`
	NewRole string `json:"new_role"`
}

// SenderCountChangedEvent fires when audio/video sender counts are adjusted.
type SenderCountChangedEvent struct {
	BaseEvent
	AudioSenders int `json:"audio_senders"`
	VideoSenders int `json:"video_senders"`
}

// RoomConfigReloadedEvent fires when room-metadata is applied to the
// room's configuration form, whether it arrives while Join is still
// blocked waiting for it or after the join has already proceeded (§4.2
// "Configuration form", §6 "Room-metadata boundary (consumed)").
type RoomConfigReloadedEvent struct {
	BaseEvent
}

// ParticipantStateChangedEvent fires on every FSM transition (§4.5).
type ParticipantStateChangedEvent struct {
	BaseEvent
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}

// ValidationFailedEvent fires when the source validator rejects a mutation (§7).
type ValidationFailedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

// BridgeNonOperationalEvent fires when the registry marks a bridge down (§7).
type BridgeNonOperationalEvent struct {
	BaseEvent
	BridgeID string `json:"bridge_id"`
	Restart  bool   `json:"restart"`
}

// RelayEstablishedEvent fires once a cascade edge converges (§4.4).
type RelayEstablishedEvent struct {
	BaseEvent
	FromBridge string `json:"from_bridge"`
	ToBridge   string `json:"to_bridge"`
	MeshID     string `json:"mesh_id"`
}

// ConferenceDestroyedEvent fires on final teardown.
type ConferenceDestroyedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

// MarshalEvent serializes any Event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
