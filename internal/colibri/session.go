// Package colibri implements the Colibri Session Manager of spec §4.4: one
// BridgeSession per (conference, bridge), allocate/update/expire
// directives, and inter-bridge relay (cascade) convergence.
package colibri

import (
	"sync"
	"sync/atomic"

	"github.com/conferencefocus/focus/internal/source"
)

// IceTransport is the bridge-side ICE/DTLS transport description carried
// by a ColibriAllocation (§4.4). It crosses the boundary as an already-
// parsed struct, never as SDP text (see SPEC_FULL §11 on dropping
// pion/sdp).
type IceTransport struct {
	UfragPwd        string
	Candidates      []string
	DTLSFingerprint string
	// DTLSSetup is the DTLS setup role of this transport. The manager
	// neither fills it from a bridge response nor rewrites it; relay
	// directives take their setup role from RelayRole instead.
	DTLSSetup string
	SCTPPort  *int
}

// ColibriAllocation is the successful result of Allocate (§4.4).
type ColibriAllocation struct {
	FeedbackSources []source.Source
	Transport       IceTransport
	Region          string
	SessionID       string
}

// BridgeSession is the (bridge identity, session id) pair of spec §3.
type BridgeSession struct {
	mu sync.Mutex

	BridgeID  string
	SessionID string

	participants map[string]bool
	RelayID      string
	peerBridges  map[string]bool

	feedbackSources []source.Source

	// created gates whether the next request carries a "create
	// conference" directive (§3).
	created bool

	failed atomic.Bool
}

// NewBridgeSession constructs a fresh, not-yet-created session.
func NewBridgeSession(bridgeID, sessionID string) *BridgeSession {
	return &BridgeSession{
		BridgeID:     bridgeID,
		SessionID:    sessionID,
		participants: make(map[string]bool),
		peerBridges:  make(map[string]bool),
	}
}

// MarkCreated flips the "created" gate once the bridge has confirmed the
// conference exists.
func (s *BridgeSession) MarkCreated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = true
}

// NeedsCreate reports whether the next request must carry "create
// conference" (§3 "created flag that gates whether the next request
// carries a create conference directive").
func (s *BridgeSession) NeedsCreate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.created
}

// AddParticipant registers an endpoint as hosted by this session.
func (s *BridgeSession) AddParticipant(endpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[endpointID] = true
}

// RemoveParticipant unregisters an endpoint. Returns true if the session
// now has zero participants (the caller should expire the session too,
// per §4.4 "Idempotency: expiring all endpoints of a session expires the
// session itself").
func (s *BridgeSession) RemoveParticipant(endpointID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, endpointID)
	return len(s.participants) == 0
}

// HasParticipant reports whether endpointID is registered with this
// session. Expiring an already-expired endpoint is a no-op (§4.4
// "Idempotency").
func (s *BridgeSession) HasParticipant(endpointID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants[endpointID]
}

// ParticipantCount returns the number of endpoints hosted by this session.
func (s *BridgeSession) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// Participants returns a snapshot slice of hosted endpoint ids.
func (s *BridgeSession) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.participants))
	for id := range s.participants {
		out = append(out, id)
	}
	return out
}

// AddPeer records a cascade peer bridge this session relays to.
func (s *BridgeSession) AddPeer(bridgeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerBridges[bridgeID] = true
}

// Peers returns a snapshot of peer bridge ids.
func (s *BridgeSession) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peerBridges))
	for id := range s.peerBridges {
		out = append(out, id)
	}
	return out
}

// SetFeedbackSources stores the mixed audio/video placeholder feedback
// sources this session advertises.
func (s *BridgeSession) SetFeedbackSources(srcs []source.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedbackSources = srcs
}

// FeedbackSources returns the stored feedback sources.
func (s *BridgeSession) FeedbackSources() []source.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]source.Source(nil), s.feedbackSources...)
}

// MarkFailed marks the session failed, e.g. on a bridge error response to
// an update (§8 "Bridge failure re-invite" scenario).
func (s *BridgeSession) MarkFailed() { s.failed.Store(true) }

// Failed reports whether the session has been marked failed.
func (s *BridgeSession) Failed() bool { return s.failed.Load() }
