package source

// EndpointSourceSet is the set of sources and groups owned by a single
// endpoint (spec §3). Invariant: every SSRC in a group must appear in this
// same set's Sources.
type EndpointSourceSet struct {
	Sources map[uint32]Source
	Groups  []Group
}

// NewEndpointSourceSet returns an empty set.
func NewEndpointSourceSet() EndpointSourceSet {
	return EndpointSourceSet{Sources: make(map[uint32]Source)}
}

// Clone returns a deep copy, used so that tryAdd/tryRemove can mutate a
// scratch copy and only commit it once every invariant check has passed
// (§4.1 "the underlying state is unchanged" on failure).
func (s EndpointSourceSet) Clone() EndpointSourceSet {
	out := EndpointSourceSet{Sources: make(map[uint32]Source, len(s.Sources))}
	for k, v := range s.Sources {
		out.Sources[k] = v
	}
	out.Groups = append([]Group(nil), s.Groups...)
	return out
}

// IsEmpty reports whether the set has no sources and no groups.
func (s EndpointSourceSet) IsEmpty() bool {
	return len(s.Sources) == 0 && len(s.Groups) == 0
}

// groupsForSSRC returns every group referencing ssrc.
func (s EndpointSourceSet) groupsForSSRC(ssrc uint32) []Group {
	var out []Group
	for _, g := range s.Groups {
		for _, member := range g.SSRCs {
			if member == ssrc {
				out = append(out, g)
				break
			}
		}
	}
	return out
}

// msidGroupFamily returns the semantics values of every group that
// references a source carrying the given msid.
func (s EndpointSourceSet) msidGroupFamily(msid string) map[Semantics]bool {
	families := make(map[Semantics]bool)
	for _, g := range s.Groups {
		for _, ssrc := range g.SSRCs {
			src, ok := s.Sources[ssrc]
			if ok && src.MSID == msid {
				families[g.Semantics] = true
				break
			}
		}
	}
	return families
}
