package playlist

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-vault/internal/domain"
	"hls-vault/internal/fetch"
)

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:7
#EXTINF:6.0,
seg0.ts
#EXTINF:6.5,
seg1.ts
#EXTINF:4.25,
/abs/seg2.ts
#EXT-X-ENDLIST
`

func newResolver() *Resolver {
	return NewResolver(fetch.New(nil), nil)
}

func TestResolveMediaPlaylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist)
	}))
	defer srv.Close()

	segments, err := newResolver().Resolve(context.Background(), srv.URL+"/video/index.m3u8", "", nil)
	require.NoError(t, err)
	require.Len(t, segments, 3)

	for i, seg := range segments {
		assert.Equal(t, i, seg.Index)
	}
	assert.Equal(t, 6.0, segments[0].Duration)
	assert.Equal(t, 6.5, segments[1].Duration)
	assert.Equal(t, 4.25, segments[2].Duration)

	// relative against the playlist's base path, absolute-path against the host
	assert.Equal(t, srv.URL+"/video/seg0.ts", segments[0].URL)
	assert.Equal(t, srv.URL+"/video/seg1.ts", segments[1].URL)
	assert.Equal(t, srv.URL+"/abs/seg2.ts", segments[2].URL)
}

func TestResolveMasterPicksHintedVariant(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `#EXTM3U
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=800000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=2000000,RESOLUTION=1280x720
hd/index.m3u8
`)
	})
	var served string
	mediaHandler := func(w http.ResponseWriter, r *http.Request) {
		served = r.URL.Path
		fmt.Fprint(w, mediaPlaylist)
	}
	mux.HandleFunc("/low/index.m3u8", mediaHandler)
	mux.HandleFunc("/hd/index.m3u8", mediaHandler)

	segments, err := newResolver().Resolve(context.Background(), srv.URL+"/master.m3u8", "720p", nil)
	require.NoError(t, err)
	assert.Len(t, segments, 3)
	assert.Equal(t, "/hd/index.m3u8", served)
}

func TestResolveMasterFallsBackToFirstVariant(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `#EXTM3U
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=800000,RESOLUTION=640x360
low/index.m3u8
`)
	})
	mux.HandleFunc("/low/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist)
	})

	segments, err := newResolver().Resolve(context.Background(), srv.URL+"/master.m3u8", "4k", nil)
	require.NoError(t, err)
	assert.Len(t, segments, 3)
}

func TestResolveEmptyPlaylistFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-ENDLIST\n")
	}))
	defer srv.Close()

	_, err := newResolver().Resolve(context.Background(), srv.URL+"/index.m3u8", "", nil)
	var plErr *domain.PlaylistError
	require.ErrorAs(t, err, &plErr)
}

func TestResolveRateLimitedPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newResolver().Resolve(context.Background(), srv.URL+"/index.m3u8", "", nil)
	var rlErr *domain.RateLimitedError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "3s", rlErr.RetryAfter.String())
}

func TestResolveSendsCallerHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, mediaPlaylist)
	}))
	defer srv.Close()

	_, err := newResolver().Resolve(context.Background(), srv.URL+"/index.m3u8", "", map[string]string{
		"Authorization": "Bearer token",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer token", gotAuth)
}
