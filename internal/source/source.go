// Package source implements the conference-wide RTP source and source-group
// bookkeeping described in spec §3 and the validator operations of §4.1.
package source

// MediaType distinguishes audio from video sources.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// VideoType enumerates the video-specific extra attribute of a Source.
type VideoType string

const (
	VideoTypeNone    VideoType = ""
	VideoTypeCamera  VideoType = "camera"
	VideoTypeDesktop VideoType = "desktop"
)

// Source is the immutable tuple described in spec §3: a non-zero 32-bit
// SSRC, its media type, and optional semantic metadata. Two Source values
// with the same SSRC are considered the same source regardless of any
// other field.
type Source struct {
	SSRC      uint32
	Media     MediaType
	Name      string
	CName     string
	MSID      string
	VideoType VideoType
}

// Key returns the SSRC, which is the sole value used for identity/equality
// and for every cross-endpoint uniqueness check (§3 invariant 1).
func (s Source) Key() uint32 { return s.SSRC }

// Candidate is the wire-shaped intake form of a Source: the SSRC arrives as
// a wide integer so that out-of-range values (0, or >= 2^32) can be
// rejected by the validator before narrowing to the uint32 Source.SSRC,
// rather than silently wrapping.
type Candidate struct {
	SSRC      int64
	Media     MediaType
	Name      string
	CName     string
	MSID      string
	VideoType VideoType
}

// MaxSSRC is the largest legal SSRC value, 2^32-1.
const MaxSSRC = int64(1<<32) - 1

// ValidRange reports whether raw lies in [1, 2^32-1].
func ValidRange(raw int64) bool {
	return raw > 0 && raw <= MaxSSRC
}

// ToSource narrows a range-checked Candidate into a Source. Callers must
// have already confirmed ValidRange(c.SSRC).
func (c Candidate) ToSource() Source {
	return Source{
		SSRC:      uint32(c.SSRC),
		Media:     c.Media,
		Name:      c.Name,
		CName:     c.CName,
		MSID:      c.MSID,
		VideoType: c.VideoType,
	}
}
