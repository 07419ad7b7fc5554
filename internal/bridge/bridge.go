// Package bridge implements the bridge registry and selection strategies
// of spec §4.3: tracking known media relay bridges (load, region, health)
// and picking one per allocation decision.
package bridge

import "sync/atomic"

// Bridge is the registry's view of one known media relay (§3 "BridgeSession"
// keys on bridge identity; §4.3 "Bridge state").
type Bridge struct {
	ID       string
	Region   string
	RelayID  string
	Version  string
	SupportsColibri2 bool

	stress          atomic.Int32 // last-reported stress level, 0-100
	operational     atomic.Bool
	gracefulShutdown atomic.Bool
	draining        atomic.Bool

	consecutiveFailures atomic.Int32
	consecutiveSuccesses atomic.Int32
}

// NewBridge constructs a bridge that starts out operational.
func NewBridge(id, region string) *Bridge {
	b := &Bridge{ID: id, Region: region}
	b.operational.Store(true)
	return b
}

// Stress returns the last reported stress level.
func (b *Bridge) Stress() int32 { return b.stress.Load() }

// SetStress updates the last reported stress level.
func (b *Bridge) SetStress(v int32) { b.stress.Store(v) }

// Operational reports whether the bridge is currently usable for new
// allocations.
func (b *Bridge) Operational() bool { return b.operational.Load() }

// GracefulShutdown reports whether the bridge has announced it is
// shutting down gracefully (still serves existing sessions, refuses new
// ones).
func (b *Bridge) GracefulShutdown() bool { return b.gracefulShutdown.Load() }

// SetGracefulShutdown sets the graceful-shutdown flag.
func (b *Bridge) SetGracefulShutdown(v bool) { b.gracefulShutdown.Store(v) }

// Draining reports whether the bridge is draining existing sessions off.
func (b *Bridge) Draining() bool { return b.draining.Load() }

// SetDraining sets the draining flag.
func (b *Bridge) SetDraining(v bool) { b.draining.Store(v) }

// Overloaded reports whether the bridge is unsuitable for new selection
// (§4.3 "Overloaded when either the bridge is flagged overloaded by the
// source…"). stressThreshold is the configured ceiling.
func (b *Bridge) Overloaded(stressThreshold int32) bool {
	return b.stress.Load() >= stressThreshold || b.GracefulShutdown() || b.Draining() || !b.Operational()
}

const (
	// UnhealthyThreshold is the number of consecutive failed requests
	// after which a bridge is marked non-operational.
	UnhealthyThreshold = 3
	// HealthyThreshold is the number of consecutive successful requests
	// after which a bridge already marked non-operational is restored.
	HealthyThreshold = 2
)

// ReportSuccess records a successful bridge interaction, restoring the
// operational flag once HealthyThreshold consecutive successes accrue.
func (b *Bridge) ReportSuccess() {
	b.consecutiveFailures.Store(0)
	successes := b.consecutiveSuccesses.Add(1)
	if !b.operational.Load() && successes >= HealthyThreshold {
		b.operational.Store(true)
	}
}

// ReportFailure records a failed bridge interaction, marking the bridge
// non-operational once UnhealthyThreshold consecutive failures accrue.
// Returns true if this call caused the transition to non-operational.
func (b *Bridge) ReportFailure() bool {
	b.consecutiveSuccesses.Store(0)
	failures := b.consecutiveFailures.Add(1)
	if failures >= UnhealthyThreshold && b.operational.Load() {
		b.operational.Store(false)
		return true
	}
	return false
}

// MarkNonOperationalImmediately force-marks a bridge down, used when a
// bridge request fails in a way that is unambiguous (malformed response,
// unreachable transport) rather than requiring the consecutive-failure
// threshold (§4.4 "BridgeFailed(bridge, restart)").
func (b *Bridge) MarkNonOperationalImmediately() {
	b.consecutiveSuccesses.Store(0)
	b.consecutiveFailures.Store(UnhealthyThreshold)
	b.operational.Store(false)
}
