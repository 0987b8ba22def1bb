// Package h264 provides stateless structural analysis of Annex-B H.264
// byte streams: scanning for NAL start codes, classifying NAL types, and
// detecting keyframes. It owns none of the data it inspects; every
// function operates on a borrowed buffer and never mutates it.
package h264

import "fmt"

// NAL unit types we care about (ITU-T H.264 Table 7-1). Only the types
// relevant to keyframe detection and diagnostics are named; everything
// else renders via NALTypeName's Unknown(n) fallback.
const (
	TypeSlicePSlice  = 1 // Non-IDR (P) slice
	TypeSliceBSlice  = 2 // Non-IDR (B) slice
	TypeSliceISlice  = 3 // Non-IDR (I) slice
	TypeSliceIDR     = 5 // IDR slice
	TypeSEI          = 6 // Supplemental enhancement information
	TypeSPS          = 7 // Sequence parameter set
	TypePPS          = 8 // Picture parameter set
	TypeAUD          = 9 // Access unit delimiter
)

// NALUnit is a non-owning view into a Frame's byte slice: a payload range
// plus its derived type and keyframe-membership flag. Its lifetime must
// not exceed the lifetime of the Frame it was extracted from.
type NALUnit struct {
	Type       uint8
	Payload    []byte
	IsKeyframe bool
}

// isKeyframeType reports whether a NAL type contributes to keyframe
// status: IDR slices, SPS, and PPS are all required to initialize a
// decoder without prior history.
func isKeyframeType(t uint8) bool {
	switch t {
	case TypeSliceIDR, TypeSPS, TypePPS:
		return true
	default:
		return false
	}
}

// startCodeAt reports the length (3 or 4) of an Annex-B start code
// beginning at buf[i], or 0 if none starts there.
func startCodeAt(buf []byte, i int) int {
	if i+3 <= len(buf) && buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
		return 3
	}
	if i+4 <= len(buf) && buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 0 && buf[i+3] == 1 {
		return 4
	}
	return 0
}

// nextStartCode scans buf starting at "from" for the next Annex-B start
// code, returning its position and length, or (-1, 0) if none is found.
// Overlapping candidate start codes are resolved left to right: the
// first match found while scanning forward wins.
func nextStartCode(buf []byte, from int) (pos int, length int) {
	for i := from; i+3 <= len(buf); i++ {
		if l := startCodeAt(buf, i); l > 0 {
			return i, l
		}
	}
	return -1, 0
}

// ExtractNALUnits scans buf for Annex-B start codes (00 00 01 or
// 00 00 00 01) and returns the NAL units found, in stream order. A
// start code with no following payload byte (end of buffer) yields no
// NAL unit. Buffers shorter than 4 bytes, or lacking any start code,
// yield an empty (nil) slice.
func ExtractNALUnits(buf []byte) []NALUnit {
	if len(buf) < 4 {
		return nil
	}

	var units []NALUnit
	pos, length := nextStartCode(buf, 0)
	for pos != -1 {
		payloadStart := pos + length
		if payloadStart >= len(buf) {
			break
		}

		nextPos, nextLen := nextStartCode(buf, payloadStart)
		var payload []byte
		if nextPos == -1 {
			payload = buf[payloadStart:]
		} else {
			payload = buf[payloadStart:nextPos]
		}

		if len(payload) > 0 {
			t := payload[0] & 0x1f
			units = append(units, NALUnit{
				Type:       t,
				Payload:    payload,
				IsKeyframe: isKeyframeType(t),
			})
		}

		pos, length = nextPos, nextLen
	}

	return units
}

// IsKeyframe reports whether buf contains any NAL unit classified as
// keyframe-contributing (IDR slice, SPS, or PPS).
func IsKeyframe(buf []byte) bool {
	for _, nal := range ExtractNALUnits(buf) {
		if nal.IsKeyframe {
			return true
		}
	}
	return false
}

// Validate reports whether buf is a structurally sane Annex-B buffer:
// at least 4 bytes long, containing at least one start code, and
// yielding at least one NAL unit. It never fails with an error —
// malformed input simply validates to false.
func Validate(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	pos, _ := nextStartCode(buf, 0)
	if pos == -1 {
		return false
	}
	return len(ExtractNALUnits(buf)) > 0
}

// NALTypeName renders a NAL type as a short diagnostic label. It is
// used only for logging, never on the parsing hot path.
func NALTypeName(t uint8) string {
	switch t {
	case TypeSlicePSlice:
		return "P-slice"
	case TypeSliceBSlice:
		return "B-slice"
	case TypeSliceISlice:
		return "I-slice"
	case TypeSliceIDR:
		return "IDR-slice"
	case TypeSEI:
		return "SEI"
	case TypeSPS:
		return "SPS"
	case TypePPS:
		return "PPS"
	case TypeAUD:
		return "AUD"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// TypeCounts is a diagnostic tally of NAL types seen across a series of
// CountTypes calls, reported in the gateway's stats. Parsing never
// consults it, and it carries no behavior of its own.
type TypeCounts map[uint8]int

// CountTypes extracts buf's NAL units and folds their types into counts,
// returning the updated map (a nil receiver allocates a fresh one).
func CountTypes(counts TypeCounts, buf []byte) TypeCounts {
	if counts == nil {
		counts = make(TypeCounts)
	}
	for _, nal := range ExtractNALUnits(buf) {
		counts[nal.Type]++
	}
	return counts
}

// String renders the tally as a compact diagnostic string, e.g.
// "IDR-slice=1 SPS=1 PPS=1 P-slice=42".
func (c TypeCounts) String() string {
	s := ""
	for t, n := range c {
		if s != "" {
			s += " "
		}
		s += fmt.Sprintf("%s=%d", NALTypeName(t), n)
	}
	return s
}
