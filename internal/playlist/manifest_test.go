package playlist

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-vault/internal/domain"
)

func TestWriteLocalManifest(t *testing.T) {
	segments := []domain.SegmentDescriptor{
		{Index: 0, URL: "http://origin/a.ts", Duration: 6.0},
		{Index: 1, URL: "http://origin/b.ts", Duration: 6.0},
		{Index: 2, URL: "http://origin/c.ts", Duration: 4.5},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteLocalManifest(&buf, segments, func(i int) string {
		return []string{"seg_00000.ts", "seg_00001.ts", "seg_00002.ts"}[i]
	}))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "#EXTM3U\n"))
	assert.Contains(t, out, "#EXT-X-TARGETDURATION:6\n")
	assert.Contains(t, out, "#EXT-X-MEDIA-SEQUENCE:0\n")
	assert.Equal(t, 2, strings.Count(out, "#EXTINF:6.000000,\n"))
	assert.Equal(t, 1, strings.Count(out, "#EXTINF:4.500000,\n"))
	assert.Contains(t, out, "seg_00001.ts\n")
	assert.True(t, strings.HasSuffix(out, "#EXT-X-ENDLIST\n"))
}

func TestWriteLocalManifestTargetDurationCeiling(t *testing.T) {
	segments := []domain.SegmentDescriptor{
		{Index: 0, Duration: 5.1},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteLocalManifest(&buf, segments, func(int) string { return "seg_00000.ts" }))
	assert.Contains(t, buf.String(), "#EXT-X-TARGETDURATION:6\n")
}

func TestRewriteSegmentLines(t *testing.T) {
	manifest := "#EXTM3U\n#EXTINF:6.000000,\nseg_00000.ts\n#EXTINF:6.000000,\nseg_00001.ts\n#EXT-X-ENDLIST\n"

	out := RewriteSegmentLines(manifest, func(ref string) string {
		return "http://127.0.0.1:9999/" + ref
	})

	assert.Contains(t, out, "http://127.0.0.1:9999/seg_00000.ts")
	assert.Contains(t, out, "http://127.0.0.1:9999/seg_00001.ts")
	// tags untouched
	assert.Contains(t, out, "#EXTINF:6.000000,")
	assert.Contains(t, out, "#EXT-X-ENDLIST")
}
