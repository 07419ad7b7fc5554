// Package chatroom implements the presence-driven membership and
// per-member state tracking of spec §4.2: it consumes a stream of
// presence updates and produces higher-level membership events.
package chatroom

import "github.com/conferencefocus/focus/internal/source"

// Role is the occupant role recognized by the chat room (spec §3, §4.2).
type Role string

const (
	RoleOwner       Role = "owner"
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleVisitor     Role = "visitor"
)

// SourceInfo is one entry of the per-source-name JSON payload described in
// spec §6 "Source-info JSON schema".
type SourceInfo struct {
	Name      string
	Muted     bool
	VideoType source.VideoType
	Media     source.MediaType
}

// Member is the per-occupant state derived from presence, per the table in
// spec §4.2.
type Member struct {
	OccupantJID string
	EndpointID  string // room-scoped stable id
	Role        Role
	Robot       bool // set only when origin domain is in the trusted-domain list
	Caps        string // XEP-0115 "node#ver"
	Region      string
	StatsID     string
	Codecs      []string // preferred video codecs, vp8 appended if absent

	SourceInfos map[string]SourceInfo

	AudioMuted bool // legacy extension fallback, default = muted
	VideoMuted bool

	Available bool
}

// HasUnmutedSource reports whether the member currently advertises at
// least one unmuted source of the given media type, consulting SourceInfo
// first and falling back to the legacy per-media mute flags when no
// SourceInfo entries exist for that media type (§4.2 "Mute accounting").
func (m *Member) HasUnmutedSource(media source.MediaType) bool {
	sawAny := false
	for _, si := range m.SourceInfos {
		if si.Media != media {
			continue
		}
		sawAny = true
		if !si.Muted {
			return true
		}
	}
	if sawAny {
		return false
	}
	if media == source.MediaAudio {
		return !m.AudioMuted
	}
	return !m.VideoMuted
}

// EnsureDefaultCodec appends vp8 to Codecs if vp8 is not already listed,
// per §4.2's derived-field table.
func (m *Member) EnsureDefaultCodec() {
	for _, c := range m.Codecs {
		if c == "vp8" {
			return
		}
	}
	m.Codecs = append(m.Codecs, "vp8")
}
