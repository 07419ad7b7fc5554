package bridge

import (
	"context"
	"sync/atomic"
)

// Participant is the subset of participant attributes the selector needs
// (spec §4.3 "select(candidates, conferenceBridges, participant)").
type Participant struct {
	Region              string
	RequiresMultiBridge bool
}

// Selector picks a bridge for a new participant allocation.
type Selector interface {
	// Select returns one bridge from candidates, or ErrNoSuitableBridge if
	// none is suitable. conferenceBridges lists the bridges already in
	// use by this conference in join order (conferenceBridges[0] is "the
	// first already-present bridge"); participantCounts gives each
	// bridge's current participant count in this conference.
	Select(ctx context.Context, candidates []*Bridge, conferenceBridges []*Bridge, participantCounts map[string]int, participant Participant) (*Bridge, error)
}

// SelectorStats holds atomically-incremented counters for each decision
// branch of the selection algorithm (§4.3 "Statistics").
type SelectorStats struct {
	FirstBridgeSameRegion   atomic.Int64
	FirstBridgeLeastLoaded  atomic.Int64
	ExistingSameRegionInUse atomic.Int64
	AnySameRegion           atomic.Int64
	LeastLoadedInConference atomic.Int64
	NoSuitableBridge        atomic.Int64
	ForbadeCascadeNoRelay   atomic.Int64
}

// Snapshot returns a point-in-time copy of every counter.
func (s *SelectorStats) Snapshot() map[string]int64 {
	return map[string]int64{
		"first_bridge_same_region":    s.FirstBridgeSameRegion.Load(),
		"first_bridge_least_loaded":   s.FirstBridgeLeastLoaded.Load(),
		"existing_same_region_in_use": s.ExistingSameRegionInUse.Load(),
		"any_same_region":             s.AnySameRegion.Load(),
		"least_loaded_in_conference":  s.LeastLoadedInConference.Load(),
		"no_suitable_bridge":          s.NoSuitableBridge.Load(),
		"forbade_cascade_no_relay":    s.ForbadeCascadeNoRelay.Load(),
	}
}

// IntraRegionSelector implements the default "intra-region" algorithm of
// §4.3.
type IntraRegionSelector struct {
	StressThreshold          int32
	MaxParticipantsPerBridge int // -1 disables the cap (§6 bridge.maxParticipantsPerBridge)
	Stats                    SelectorStats
}

// NewIntraRegionSelector constructs a selector with the given stress
// ceiling and per-bridge participant cap.
func NewIntraRegionSelector(stressThreshold int32, maxParticipantsPerBridge int) *IntraRegionSelector {
	return &IntraRegionSelector{StressThreshold: stressThreshold, MaxParticipantsPerBridge: maxParticipantsPerBridge}
}

func (s *IntraRegionSelector) atCapacity(b *Bridge, participantCounts map[string]int) bool {
	if s.MaxParticipantsPerBridge < 0 {
		return false
	}
	return participantCounts[b.ID] >= s.MaxParticipantsPerBridge
}

func (s *IntraRegionSelector) eligible(b *Bridge, participantCounts map[string]int) bool {
	return !b.Overloaded(s.StressThreshold) && !s.atCapacity(b, participantCounts)
}

func leastLoaded(candidates []*Bridge) *Bridge {
	var best *Bridge
	for _, b := range candidates {
		if best == nil || b.Stress() < best.Stress() {
			best = b
		}
	}
	return best
}

func filterRegion(candidates []*Bridge, region string) []*Bridge {
	var out []*Bridge
	for _, b := range candidates {
		if b.Region == region {
			out = append(out, b)
		}
	}
	return out
}

func filterOperational(candidates []*Bridge) []*Bridge {
	var out []*Bridge
	for _, b := range candidates {
		if b.Operational() {
			out = append(out, b)
		}
	}
	return out
}

func containsBridge(list []*Bridge, id string) bool {
	for _, b := range list {
		if b.ID == id {
			return true
		}
	}
	return false
}

// Select implements the algorithm of §4.3.
func (s *IntraRegionSelector) Select(ctx context.Context, candidates []*Bridge, conferenceBridges []*Bridge, participantCounts map[string]int, participant Participant) (*Bridge, error) {
	var chosen *Bridge

	if len(conferenceBridges) == 0 {
		chosen = s.selectFirstBridge(candidates, participant, participantCounts)
	} else {
		chosen = s.selectSubsequentBridge(candidates, conferenceBridges, participantCounts, participant)
	}

	if chosen == nil {
		s.Stats.NoSuitableBridge.Add(1)
		return nil, ErrNoSuitableBridge
	}

	// §4.3 rule 3: forbid cascading onto a bridge with no relay id when
	// the participant requires multi-bridge and we already have an
	// existing single bridge in the conference.
	if participant.RequiresMultiBridge && chosen.RelayID == "" && len(conferenceBridges) > 0 && chosen.ID != conferenceBridges[0].ID {
		s.Stats.ForbadeCascadeNoRelay.Add(1)
		return conferenceBridges[0], nil
	}

	return chosen, nil
}

func (s *IntraRegionSelector) selectFirstBridge(candidates []*Bridge, participant Participant, participantCounts map[string]int) *Bridge {
	regional := filterRegion(candidates, participant.Region)
	var eligibleRegional []*Bridge
	for _, b := range regional {
		if s.eligible(b, participantCounts) {
			eligibleRegional = append(eligibleRegional, b)
		}
	}
	if best := leastLoaded(eligibleRegional); best != nil {
		s.Stats.FirstBridgeSameRegion.Add(1)
		return best
	}

	var eligibleAny []*Bridge
	for _, b := range filterOperational(candidates) {
		if s.eligible(b, participantCounts) {
			eligibleAny = append(eligibleAny, b)
		}
	}
	if best := leastLoaded(eligibleAny); best != nil {
		s.Stats.FirstBridgeLeastLoaded.Add(1)
		return best
	}
	return nil
}

func (s *IntraRegionSelector) selectSubsequentBridge(candidates []*Bridge, conferenceBridges []*Bridge, participantCounts map[string]int, participant Participant) *Bridge {
	region := participant.Region

	// Prefer a non-overloaded bridge already in that region and already
	// in the conference.
	var inConfSameRegion []*Bridge
	for _, b := range conferenceBridges {
		if b.Region == region && s.eligible(b, participantCounts) {
			inConfSameRegion = append(inConfSameRegion, b)
		}
	}
	if best := leastLoaded(inConfSameRegion); best != nil {
		s.Stats.ExistingSameRegionInUse.Add(1)
		return best
	}

	// Else any non-overloaded bridge in that region.
	var anySameRegion []*Bridge
	for _, b := range filterRegion(candidates, region) {
		if s.eligible(b, participantCounts) {
			anySameRegion = append(anySameRegion, b)
		}
	}
	if best := leastLoaded(anySameRegion); best != nil {
		s.Stats.AnySameRegion.Add(1)
		return best
	}

	// Else the least-loaded bridge already in the conference and in that
	// region, ignoring the eligibility cap.
	var inConfRegionAny []*Bridge
	for _, b := range conferenceBridges {
		if b.Region == region {
			inConfRegionAny = append(inConfRegionAny, b)
		}
	}
	if best := leastLoaded(inConfRegionAny); best != nil {
		s.Stats.LeastLoadedInConference.Add(1)
		return best
	}

	// No bridge at all matches the participant's region: reuse whatever
	// bridge is already least loaded in the conference rather than fail
	// the allocation outright.
	if best := leastLoaded(conferenceBridges); best != nil {
		s.Stats.LeastLoadedInConference.Add(1)
		return best
	}

	return nil
}
