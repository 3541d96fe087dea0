package playlist

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var attrRegex = regexp.MustCompile(`([A-Za-z0-9_-]+)=("([^"]*)"|[^,]*)`)

// Parse reads playlist text fetched from baseURL (the directory
// component of the fetch is used to resolve relative segment/variant
// URLs) and returns a typed Snapshot.
//
// Parsing is total: unknown tags are ignored and malformed
// EXT-X-STREAM-INF attributes simply leave the corresponding Variant
// field absent. The only failure mode is text that isn't a playlist
// at all: no "#EXTM3U" at column 1 of line 1, or a result with zero
// segments and zero variants.
func Parse(baseURL string, text string) (*Snapshot, error) {
	lines := splitLines(text)
	if len(lines) == 0 || lines[0] != "#EXTM3U" {
		return nil, &ParseError{Reason: "missing #EXTM3U header on line 1"}
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		base = &url.URL{}
	}

	snap := &Snapshot{BaseURL: baseURL}

	var (
		pendingVariant *Variant
		pendingSegment *SegmentRef
		order          int
	)
	type orderedVariant struct {
		v   Variant
		pos int
	}
	var variants []orderedVariant
	var mediaSequence uint64
	var mediaSequenceSet bool
	var nextSequence uint64
	var isLive = true

	for i := 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			snap.Kind = Master
			v := parseStreamInf(line)
			pendingVariant = &v
			pendingSegment = nil

		case strings.HasPrefix(line, "#EXTINF:"):
			seg := parseExtInf(line, nextSequence)
			pendingSegment = &seg
			pendingVariant = nil

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			if n, err := strconv.ParseUint(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64); err == nil {
				mediaSequence = n
				mediaSequenceSet = true
				nextSequence = n
				if pendingSegment != nil {
					pendingSegment.Sequence = n
				}
			}

		case line == "#EXT-X-ENDLIST":
			isLive = false

		case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
			if pendingSegment != nil {
				if br := parseByteRange(strings.TrimPrefix(line, "#EXT-X-BYTERANGE:")); br != nil {
					pendingSegment.ByteRange = br
				}
			}

		case strings.HasPrefix(line, "#"):
			// unknown/ignorable tag

		default:
			// URL line resolving a pending attribute line.
			resolved := resolveURL(base, line)
			if pendingVariant != nil {
				pendingVariant.URL = resolved
				variants = append(variants, orderedVariant{v: *pendingVariant, pos: order})
				order++
				pendingVariant = nil
			} else if pendingSegment != nil {
				pendingSegment.URL = resolved
				snap.Segments = append(snap.Segments, *pendingSegment)
				nextSequence = pendingSegment.Sequence + 1
				pendingSegment = nil
			}
			// A bare URL line with no preceding attribute line is not
			// addressed by the spec; we drop it rather than guess.
		}
	}

	if !mediaSequenceSet {
		mediaSequence = 0
	}
	snap.MediaSequence = mediaSequence

	if snap.Kind == Master {
		sort.SliceStable(variants, func(i, j int) bool {
			return variants[i].v.BitrateBPS > variants[j].v.BitrateBPS
		})
		snap.Variants = make([]Variant, 0, len(variants))
		for _, ov := range variants {
			snap.Variants = append(snap.Variants, ov.v)
		}
		snap.IsLive = false
	} else {
		snap.IsLive = isLive
	}

	if len(snap.Variants) == 0 && len(snap.Segments) == 0 {
		return nil, &ParseError{Reason: "no variants and no segments found"}
	}

	return snap, nil
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Split(text, "\n")
}

func resolveURL(base *url.URL, raw string) string {
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if ref.IsAbs() {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func parseStreamInf(line string) Variant {
	attrs := strings.TrimPrefix(line, "#EXT-X-STREAM-INF:")
	var v Variant
	for _, m := range attrRegex.FindAllStringSubmatch(attrs, -1) {
		key := strings.ToUpper(strings.TrimSpace(m[1]))
		val := m[3]
		if val == "" {
			val = strings.TrimSpace(m[2])
		}
		switch key {
		case "BANDWIDTH":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				v.BitrateBPS = n
			}
		case "RESOLUTION":
			v.Resolution = val
		case "CODECS":
			v.Codecs = val
		}
	}
	return v
}

// parseByteRange parses an "n[@o]" EXT-X-BYTERANGE value. A missing
// offset is left unresolved (start=0); it is not derived from the
// previous segment's range.
func parseByteRange(val string) *ByteRange {
	val = strings.TrimSpace(val)
	if val == "" {
		return nil
	}
	parts := strings.SplitN(val, "@", 2)
	length, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil
	}
	var start int64
	if len(parts) == 2 {
		start, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	return &ByteRange{Start: start, End: start + length}
}

func parseExtInf(line string, fallbackSeq uint64) SegmentRef {
	attrs := strings.TrimPrefix(line, "#EXTINF:")
	durPart := attrs
	if idx := strings.Index(attrs, ","); idx >= 0 {
		durPart = attrs[:idx]
	}
	dur, _ := strconv.ParseFloat(strings.TrimSpace(durPart), 64)
	return SegmentRef{
		Sequence:  fallbackSeq,
		DurationS: dur,
	}
}
