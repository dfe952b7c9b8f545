package playlist

import (
	"fmt"
	"io"
	"math"
	"strings"

	"hls-vault/internal/domain"
)

// WriteLocalManifest writes a sequential media playlist whose segment lines
// are the filenames produced by name. Per-segment durations are the ones
// originally attributed by the upstream playlist, never re-derived; the
// target duration is the ceiling of the longest segment.
func WriteLocalManifest(w io.Writer, segments []domain.SegmentDescriptor, name func(index int) string) error {
	var maxDuration float64
	for _, seg := range segments {
		if seg.Duration > maxDuration {
			maxDuration = seg.Duration
		}
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(maxDuration)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	for _, seg := range segments {
		fmt.Fprintf(&b, "#EXTINF:%f,\n", seg.Duration)
		b.WriteString(name(seg.Index))
		b.WriteByte('\n')
	}
	b.WriteString("#EXT-X-ENDLIST\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// RewriteSegmentLines maps every segment reference line of a manifest through
// rewrite, leaving tag and blank lines untouched. Used by playback to point
// segment URIs at a staging directory or the loopback origin server.
func RewriteSegmentLines(manifest string, rewrite func(ref string) string) string {
	lines := strings.Split(manifest, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines[i] = rewrite(trimmed)
	}
	return strings.Join(lines, "\n")
}
