package chatroom

import (
	"time"

	"github.com/conferencefocus/focus/internal/store"
)

// visitorWindow tracks recently-invited-but-not-yet-joined visitors as a
// sliding window of timestamps expiring at a configurable horizon (§9
// "Visitor pending counter"), so that admission control does not
// double-book slots while an invite is still in flight.
type visitorWindow struct {
	pending *store.TTLStore[string, struct{}]
	horizon time.Duration
}

func newVisitorWindow(horizon time.Duration) *visitorWindow {
	if horizon <= 0 {
		horizon = 20 * time.Second
	}
	return &visitorWindow{
		pending: store.NewTTLStore[string, struct{}](horizon),
		horizon: horizon,
	}
}

// MarkInvited records a freshly-sent visitor invite, keyed by a caller-
// supplied unique invite id (e.g. the target endpoint id).
func (w *visitorWindow) MarkInvited(inviteID string) {
	w.pending.Set(inviteID, struct{}{}, w.horizon)
}

// Resolve removes an invite from the window once the invited occupant has
// actually joined (or the invite is otherwise known to be settled).
func (w *visitorWindow) Resolve(inviteID string) {
	w.pending.Delete(inviteID)
}

// Pending returns the current count of timestamps still inside the
// horizon: |{ t : now - t < horizon }|.
func (w *visitorWindow) Pending() int {
	return w.pending.Len()
}

func (w *visitorWindow) Close() {
	w.pending.Close()
}

// ReportedVisitorCount returns activeVisitorMembers + the pending window
// count, per §9's formula. The result never goes below zero because both
// terms are non-negative by construction (§8 property invariant 6).
func (r *Room) ReportedVisitorCount() int {
	r.mu.Lock()
	active := r.visitorCount
	r.mu.Unlock()
	return active + r.visitors.Pending()
}

// applyRoleChange implements the §4.2 "Role-change policy": a transition
// into or out of the visitor role is treated as inconsistent — the
// previous role is retained and the event is logged, so that downstream
// counts remain correct. RoleChangeHook, if set, is consulted first so an
// implementer can opt into count-rewriting instead (§9 Open Question).
func (r *Room) applyRoleChange(m *Member, reported Role) (accepted bool) {
	wasVisitor := m.Role == RoleVisitor
	willBeVisitor := reported == RoleVisitor

	if wasVisitor != willBeVisitor {
		if r.roleChangeHook != nil && r.roleChangeHook(m, reported) {
			r.transitionVisitorCount(wasVisitor, willBeVisitor)
			m.Role = reported
			return true
		}
		r.logger.Warn("[ChatRoom] refusing visitor role transition",
			"endpoint", m.EndpointID, "current_role", m.Role, "reported_role", reported)
		return false
	}

	m.Role = reported
	return true
}

func (r *Room) transitionVisitorCount(wasVisitor, willBeVisitor bool) {
	switch {
	case !wasVisitor && willBeVisitor:
		r.visitorCount++
	case wasVisitor && !willBeVisitor && r.visitorCount > 0:
		r.visitorCount--
	}
}
