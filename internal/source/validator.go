package source

import "sync"

// DefaultMaxSourcesPerEndpoint is the default ceiling enforced on add
// (§4.1, configurable via conference.maxSsrcsPerUser in §6).
const DefaultMaxSourcesPerEndpoint = 50

// ConferenceSourceMap is the conference-wide mapping from endpoint id to
// EndpointSourceSet (spec §3), with the invariants of §3 enforced on every
// mutation. All operations are serialized per conference by the owning
// conference queue; the mutex here guards against accidental concurrent
// use rather than substituting for that ordering guarantee.
type ConferenceSourceMap struct {
	mu                    sync.Mutex
	endpoints             map[string]EndpointSourceSet
	ssrcOwner             map[uint32]string
	maxSourcesPerEndpoint int
}

// NewConferenceSourceMap creates an empty map with the given per-endpoint
// source ceiling. A non-positive limit falls back to the default.
func NewConferenceSourceMap(maxSourcesPerEndpoint int) *ConferenceSourceMap {
	if maxSourcesPerEndpoint <= 0 {
		maxSourcesPerEndpoint = DefaultMaxSourcesPerEndpoint
	}
	return &ConferenceSourceMap{
		endpoints:             make(map[string]EndpointSourceSet),
		ssrcOwner:             make(map[uint32]string),
		maxSourcesPerEndpoint: maxSourcesPerEndpoint,
	}
}

// TryAdd attempts to merge candidates and groups into endpoint's current
// source set. Returns exactly the subset of sources that were newly added
// (sources identical to ones already present are silently ignored, per
// §4.1). On any invariant violation the map is left completely unchanged
// and a *ValidationError is returned.
func (m *ConferenceSourceMap) TryAdd(endpoint string, candidates []Candidate, groups []Group) ([]Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.endpoints[endpoint]
	scratch := current.Clone()

	var added []Source
	for _, c := range candidates {
		if !ValidRange(c.SSRC) {
			return nil, &ValidationError{Endpoint: endpoint, Reason: ErrInvalidSsrc, SSRC: uint32(c.SSRC)}
		}
		src := c.ToSource()

		if existing, ok := scratch.Sources[src.SSRC]; ok {
			if existing == src {
				continue // identical duplicate: silently ignored
			}
			return nil, &ValidationError{Endpoint: endpoint, Reason: ErrDuplicateSsrc, SSRC: src.SSRC,
				Detail: "ssrc already present on this endpoint with different attributes"}
		}
		if owner, ok := m.ssrcOwner[src.SSRC]; ok && owner != endpoint {
			return nil, &ValidationError{Endpoint: endpoint, Reason: ErrDuplicateSsrc, SSRC: src.SSRC,
				Detail: "ssrc owned by endpoint " + owner}
		}

		scratch.Sources[src.SSRC] = src
		added = append(added, src)
	}

	if len(scratch.Sources) > m.maxSourcesPerEndpoint {
		return nil, &ValidationError{Endpoint: endpoint, Reason: ErrLimit,
			Detail: "exceeds maxSourcesPerEndpoint"}
	}

	incomingGroups := dedupeGroups(append(append([]Group(nil), scratch.Groups...), groups...))
	scratch.Groups = dedupeGroups(incomingGroups)

	if err := validateEndpoint(endpoint, scratch); err != nil {
		return nil, err
	}

	m.endpoints[endpoint] = scratch
	for _, src := range added {
		m.ssrcOwner[src.SSRC] = endpoint
	}

	return added, nil
}

// TryRemove removes the intersection of ssrcs/groups with endpoint's
// current sources and groups. Fails atomically (map left unchanged) if the
// result would violate §3 invariants, e.g. leaving a group referencing a
// source that no longer exists.
func (m *ConferenceSourceMap) TryRemove(endpoint string, ssrcs []uint32, groups []Group) ([]Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.endpoints[endpoint]
	if !ok {
		return nil, nil
	}
	scratch := current.Clone()

	removeSet := make(map[uint32]bool, len(ssrcs))
	for _, ssrc := range ssrcs {
		removeSet[ssrc] = true
	}

	var removed []Source
	for ssrc := range removeSet {
		if src, ok := scratch.Sources[ssrc]; ok {
			removed = append(removed, src)
			delete(scratch.Sources, ssrc)
		}
	}

	requestedGroups := dedupeGroups(groups)
	remainingGroups := make([]Group, 0, len(scratch.Groups))
	for _, g := range scratch.Groups {
		if groupRequested(g, requestedGroups) {
			continue
		}
		remainingGroups = append(remainingGroups, g)
	}
	scratch.Groups = remainingGroups

	// Any remaining group that references a removed SSRC leaves the state
	// inconsistent; reject atomically (spec §8 scenario: removing a lone
	// leg of a FID pair without removing the group fails).
	for _, g := range scratch.Groups {
		for _, ssrc := range g.SSRCs {
			if _, ok := scratch.Sources[ssrc]; !ok {
				return nil, &ValidationError{Endpoint: endpoint, Reason: ErrGroupedSourceMissing, SSRC: ssrc}
			}
		}
	}

	if err := validateEndpoint(endpoint, scratch); err != nil {
		return nil, err
	}

	if scratch.IsEmpty() {
		delete(m.endpoints, endpoint)
	} else {
		m.endpoints[endpoint] = scratch
	}
	for _, src := range removed {
		delete(m.ssrcOwner, src.SSRC)
	}

	return removed, nil
}

func groupRequested(g Group, requested []Group) bool {
	for _, r := range requested {
		if g.Semantics == r.Semantics && sameSSRCs(g.SSRCs, r.SSRCs) {
			return true
		}
	}
	return false
}

func sameSSRCs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of the entire conference source map.
func (m *ConferenceSourceMap) Snapshot() map[string]EndpointSourceSet {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]EndpointSourceSet, len(m.endpoints))
	for id, set := range m.endpoints {
		out[id] = set.Clone()
	}
	return out
}

// SnapshotEndpoint returns a copy of a single endpoint's source set.
func (m *ConferenceSourceMap) SnapshotEndpoint(endpoint string) EndpointSourceSet {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.endpoints[endpoint]
	if !ok {
		return NewEndpointSourceSet()
	}
	return set.Clone()
}

// DropEndpoint removes every source and group owned by endpoint, e.g. on
// participant termination.
func (m *ConferenceSourceMap) DropEndpoint(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.endpoints[endpoint]
	if !ok {
		return
	}
	for ssrc := range set.Sources {
		delete(m.ssrcOwner, ssrc)
	}
	delete(m.endpoints, endpoint)
}

// validateEndpoint checks §3 invariants 4 and 5 and group-internal
// consistency against a single endpoint's proposed state (invariant 1,
// cross-endpoint SSRC uniqueness, is enforced by the caller via the
// ssrcOwner index before this is called; invariant 2 holds because
// Sources is keyed by SSRC). Invariant 3, that sources sharing an msid
// belong to the same FID (or SIM -> FID) family, is not checked: two
// ungrouped sources may share an msid.
func validateEndpoint(endpoint string, set EndpointSourceSet) error {
	// msidToSSRCs indexes the endpoint's sources by msid.
	msidToSSRCs := make(map[string][]uint32)
	for ssrc, src := range set.Sources {
		if src.MSID == "" {
			continue
		}
		msidToSSRCs[src.MSID] = append(msidToSSRCs[src.MSID], ssrc)
	}

	// Invariant 4: no two SIM groups, and no two FID groups, share an msid.
	simMsids := make(map[string]bool)
	fidMsids := make(map[string]bool)
	for _, g := range set.Groups {
		switch g.Semantics {
		case SemanticsSIM:
			inGroup := make(map[string]bool)
			for _, ssrc := range g.SSRCs {
				if src, ok := set.Sources[ssrc]; ok && src.MSID != "" && !inGroup[src.MSID] {
					if simMsids[src.MSID] {
						return &ValidationError{Endpoint: endpoint, Reason: ErrMsidConflict, SSRC: ssrc,
							Detail: "two SIM groups share an msid"}
					}
					simMsids[src.MSID] = true
					inGroup[src.MSID] = true
				}
			}
		case SemanticsFID:
			inGroup := make(map[string]bool)
			for _, ssrc := range g.SSRCs {
				if src, ok := set.Sources[ssrc]; ok && src.MSID != "" && !inGroup[src.MSID] {
					if fidMsids[src.MSID] {
						return &ValidationError{Endpoint: endpoint, Reason: ErrMsidConflict, SSRC: ssrc,
							Detail: "two FID groups share an msid"}
					}
					fidMsids[src.MSID] = true
					inGroup[src.MSID] = true
				}
			}
		}
	}

	// Every grouped source (except FEC-FR secondaries, which inherit msid
	// from their primary) must carry an msid.
	for _, g := range set.Groups {
		for i, ssrc := range g.SSRCs {
			src, ok := set.Sources[ssrc]
			if !ok {
				return &ValidationError{Endpoint: endpoint, Reason: ErrGroupedSourceMissing, SSRC: ssrc}
			}
			if g.Semantics == SemanticsFECFR && i > 0 {
				continue
			}
			if src.MSID == "" && g.Semantics != SemanticsFECFR {
				return &ValidationError{Endpoint: endpoint, Reason: ErrMsidConflict, SSRC: ssrc,
					Detail: "grouped source missing msid"}
			}
		}
	}

	// Invariant: group-internal media-type equality, and cname consistency
	// except that a FID pair lists a primary and its retransmission, which
	// share a stream but may legitimately be separate Source entries.
	for _, g := range set.Groups {
		var media MediaType
		var cname string
		for i, ssrc := range g.SSRCs {
			src, ok := set.Sources[ssrc]
			if !ok {
				return &ValidationError{Endpoint: endpoint, Reason: ErrGroupedSourceMissing, SSRC: ssrc}
			}
			if i == 0 {
				media = src.Media
				cname = src.CName
				continue
			}
			if src.Media != media {
				return &ValidationError{Endpoint: endpoint, Reason: ErrGroupMediaMismatch, SSRC: ssrc}
			}
			if g.Semantics != SemanticsFID && cname != "" && src.CName != "" && src.CName != cname {
				return &ValidationError{Endpoint: endpoint, Reason: ErrMsidConflict, SSRC: ssrc,
					Detail: "cname mismatch within group"}
			}
		}
	}

	// Invariant 5: a SIM group's primaries must each have their own FID
	// partner.
	for _, g := range set.Groups {
		if g.Semantics != SemanticsSIM {
			continue
		}
		for _, primary := range g.SSRCs {
			hasFID := false
			for _, other := range set.Groups {
				if other.Semantics != SemanticsFID {
					continue
				}
				if len(other.SSRCs) > 0 && other.SSRCs[0] == primary {
					hasFID = true
					break
				}
			}
			if !hasFID {
				return &ValidationError{Endpoint: endpoint, Reason: ErrGroupedSourceMissing, SSRC: primary,
					Detail: "SIM primary missing its FID partner"}
			}
		}
	}

	return nil
}
