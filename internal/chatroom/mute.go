package chatroom

import "github.com/conferencefocus/focus/internal/source"

// recomputeSenderCounts derives audioSendersCount/videoSendersCount from
// scratch over every present member (§4.2 "Mute accounting"). Called
// under r.mu after any mutation affecting mute state or membership.
func (r *Room) recomputeSenderCounts() {
	audio, video := 0, 0
	for _, m := range r.members {
		if !m.Available {
			continue
		}
		if m.HasUnmutedSource(source.MediaAudio) {
			audio++
		}
		if m.HasUnmutedSource(source.MediaVideo) {
			video++
		}
	}
	r.audioSendersCount = audio
	r.videoSendersCount = video
}

// AudioSendersCount returns the number of members with at least one
// unmuted audio source.
func (r *Room) AudioSendersCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audioSendersCount
}

// VideoSendersCount returns the number of members with at least one
// unmuted video source.
func (r *Room) VideoSendersCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.videoSendersCount
}
