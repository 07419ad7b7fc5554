package chatroom

// PresenceUpdate is the chat-room boundary's consumed shape (spec §6): a
// presence packet typed by available/unavailable, carrying the extension
// payloads enumerated in §4.2's derivation table.
type PresenceUpdate struct {
	OccupantJID string
	EndpointID  string
	Available   bool

	OriginDomain string
	RoleAffiliation Role

	Robot bool // derived by caller from UserInfo + trusted-domain check

	Caps string

	SourceInfos map[string]SourceInfo
	AudioMuted  *bool // legacy extension, nil = absent
	VideoMuted  *bool

	Region  string
	StatsID string
	Codecs  []string

	Kicked bool
}

// deriveRobot reports whether a presence update's origin domain is on the
// trusted-domain list, gating jibri/jigasi/transcriber recognition (§4.2).
func (r *Room) deriveRobot(update PresenceUpdate) bool {
	if !update.Robot {
		return false
	}
	return r.trustedDomains[update.OriginDomain]
}
