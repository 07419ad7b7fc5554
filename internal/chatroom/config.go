package chatroom

import (
	"context"
	"time"

	"github.com/conferencefocus/focus/internal/events"
)

// RoomConfigWaitTimeout bounds how long the join operation blocks for
// room-metadata to arrive when conferencePresetsEnabled is set (§4.2). A
// var, not a const, so tests can shrink it instead of waiting out the real
// bound.
var RoomConfigWaitTimeout = 10 * time.Second

// RoomConfig is the recognized subset of the room configuration form read
// when the local user joins (§4.2 "Configuration form").
type RoomConfig struct {
	MeetingID                string
	IsBreakout               bool
	MainRoom                 string
	MembersOnly              bool // lobby
	VisitorsEnabled          bool
	ParticipantsSoftLimit    int
	ConferencePresetsEnabled bool
}

// RoomMetadata is the typed JSON message described in spec §6
// "Room-metadata boundary (consumed)".
type RoomMetadata struct {
	VisitorsLive          bool
	StartMutedAudio       bool
	StartMutedVideo       bool
	Moderators            []string
	Participants          []string
	IsTranscribingEnabled bool
	AsyncTranscription    bool
	ParticipantsSoftLimit int
	VisitorsEnabled       bool
}

// ApplyMetadata merges room-metadata into the config. Per §9's Open
// Question, metadata arriving after join wins over the form value ("last
// write wins, with metadata arriving after join").
func (c *RoomConfig) ApplyMetadata(md RoomMetadata) {
	c.VisitorsEnabled = md.VisitorsEnabled
	if md.ParticipantsSoftLimit != 0 {
		c.ParticipantsSoftLimit = md.ParticipantsSoftLimit
	}
}

// Config returns a copy of the room configuration form most recently
// established by Join and merged with any room-metadata applied since.
func (r *Room) Config() RoomConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// Join records the room configuration form read when the local user joins
// (§4.2 "Configuration form"). When cfg.ConferencePresetsEnabled is set it
// blocks for up to RoomConfigWaitTimeout for a room-metadata message to
// arrive via OnRoomMetadata; on timeout (or ctx cancellation) it proceeds
// with the form defaults. It returns the resulting config, merged with
// metadata if any arrived in time.
func (r *Room) Join(ctx context.Context, cfg RoomConfig) RoomConfig {
	r.mu.Lock()
	r.config = cfg
	wait := cfg.ConferencePresetsEnabled
	var metaCh chan RoomMetadata
	if wait {
		metaCh = make(chan RoomMetadata, 1)
		r.metadataWait = metaCh
	}
	r.mu.Unlock()

	if wait {
		select {
		case <-metaCh:
		case <-time.After(RoomConfigWaitTimeout):
			r.logger.Warn("[ChatRoom] timed out waiting for room metadata, proceeding with defaults",
				"meeting_id", r.meetingID, "timeout", RoomConfigWaitTimeout)
		case <-ctx.Done():
		}

		r.mu.Lock()
		if r.metadataWait == metaCh {
			r.metadataWait = nil
		}
		r.mu.Unlock()
	}

	return r.Config()
}

// OnRoomMetadata delivers a room-metadata message (§6 "Room-metadata
// boundary (consumed)") to the room. It merges the metadata into the
// config (last write wins, per §9's Open Question) and, if Join is
// currently blocked waiting for it, unblocks it immediately.
func (r *Room) OnRoomMetadata(md RoomMetadata) {
	r.mu.Lock()
	r.config.ApplyMetadata(md)
	if r.metadataWait != nil {
		select {
		case r.metadataWait <- md:
		default:
		}
	}
	r.mu.Unlock()

	r.publisher.PublishAsync(&events.RoomConfigReloadedEvent{
		BaseEvent: events.BaseEvent{EventType: events.RoomConfigReloaded, EventTime: now(), MeetingID: r.meetingID},
	})
}
