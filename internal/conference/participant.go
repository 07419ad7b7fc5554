package conference

import (
	"sync"

	"github.com/conferencefocus/focus/internal/chatroom"
	"github.com/conferencefocus/focus/internal/colibri"
)

// Participant is the controller's per-endpoint state (§3 "Participant", §4.5
// FSM). State and the bridge allocation handle are guarded by their own
// lock rather than the owning conference's queue so a stale completion (a
// reply arriving after the participant already moved on) can be detected
// from any goroutine.
type Participant struct {
	mu sync.Mutex

	EndpointID  string
	OccupantJID string
	Region      string
	Role        chatroom.Role
	Codecs      []string
	Robot       bool

	state ParticipantState

	bridgeID   string
	allocation *colibri.ColibriAllocation

	terminatedOnce bool
}

func newParticipant(endpointID, occupantJID string, role chatroom.Role, region string, codecs []string, robot bool) *Participant {
	return &Participant{
		EndpointID:  endpointID,
		OccupantJID: occupantJID,
		Region:      region,
		Role:        role,
		Codecs:      codecs,
		Robot:       robot,
		state:       StateCreated,
	}
}

// State returns the participant's current FSM state.
func (p *Participant) State() ParticipantState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// transition applies a state change if legal from the current state,
// reporting the prior state and whether the transition took effect.
func (p *Participant) transition(to ParticipantState) (ParticipantState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	from := p.state
	if !isValidTransition(from, to) {
		return from, false
	}
	p.state = to
	return from, true
}

// setBridge records the bridge this participant's session was allocated on.
func (p *Participant) setBridge(bridgeID string, alloc *colibri.ColibriAllocation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bridgeID = bridgeID
	p.allocation = alloc
}

// Bridge returns the participant's current bridge id and allocation, if any.
func (p *Participant) Bridge() (string, *colibri.ColibriAllocation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bridgeID, p.allocation
}

// mergeTransport folds a transport-info update into the stored allocation's
// transport: candidates accumulate, ICE ufrag/pwd is overwritten (§4.5
// "Established → Established").
func (p *Participant) mergeTransport(candidates []string, ufragPwd string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocation == nil {
		return
	}
	p.allocation.Transport.Candidates = append(p.allocation.Transport.Candidates, candidates...)
	if ufragPwd != "" {
		p.allocation.Transport.UfragPwd = ufragPwd
	}
}

// markTerminatedOnce reports true the first time it is called for this
// participant, false on every subsequent call — used to expire bridge
// resources exactly once (§4.5 "Terminal is absorbing").
func (p *Participant) markTerminatedOnce() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminatedOnce {
		return false
	}
	p.terminatedOnce = true
	return true
}
