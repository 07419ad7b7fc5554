package source

// Semantics identifies the RTP source-group relationship (spec GLOSSARY).
type Semantics string

const (
	SemanticsFID   Semantics = "FID"    // primary + retransmission
	SemanticsSIM   Semantics = "SIM"    // simulcast
	SemanticsFECFR Semantics = "FEC-FR" // forward-error-correction
	SemanticsRED   Semantics = "RED"    // RED payload
)

// Group is a semantic-tagged ordered list of SSRCs scoped to one media type.
type Group struct {
	Semantics Semantics
	Media     MediaType
	SSRCs     []uint32
}

// key returns a value equal for any two groups with the same semantics and
// the same ordered SSRC list, used to dedupe (§4.1 "Duplicate groups … are
// deduped").
func (g Group) key() string {
	s := string(g.Semantics) + "|"
	for _, ssrc := range g.SSRCs {
		s += uitoa(ssrc) + ","
	}
	return s
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// dedupeGroups drops empty groups (accepted by upstream parsing but
// dropped by the validator, §4.1) and duplicate groups, preserving order
// of first occurrence.
func dedupeGroups(groups []Group) []Group {
	seen := make(map[string]bool, len(groups))
	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		if len(g.SSRCs) == 0 {
			continue
		}
		k := g.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, g)
	}
	return out
}
