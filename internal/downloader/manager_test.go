package downloader_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-vault/internal/domain"
	"hls-vault/internal/downloader"
	"hls-vault/internal/fetch"
	"hls-vault/internal/playlist"
	"hls-vault/internal/repository"
	"hls-vault/internal/repository/sqlite"
	"hls-vault/internal/store"
)

// upstream is a fake HLS origin serving one media playlist and its segments,
// recording every request and allowing per-segment interception.
type upstream struct {
	srv      *httptest.Server
	segments [][]byte

	mu        sync.Mutex
	requests  []string
	intercept func(w http.ResponseWriter, r *http.Request, index int) bool
}

func newUpstream(t *testing.T, segments [][]byte) *upstream {
	t.Helper()
	u := &upstream{segments: segments}
	u.srv = httptest.NewServer(http.HandlerFunc(u.handle))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) handle(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.requests = append(u.requests, r.URL.Path)
	intercept := u.intercept
	u.mu.Unlock()

	if r.URL.Path == "/index.m3u8" {
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:7\n")
		for i := range u.segments {
			fmt.Fprintf(&b, "#EXTINF:6.0,\nseg%d.ts\n", i)
		}
		b.WriteString("#EXT-X-ENDLIST\n")
		fmt.Fprint(w, b.String())
		return
	}

	var index int
	if _, err := fmt.Sscanf(r.URL.Path, "/seg%d.ts", &index); err != nil || index < 0 || index >= len(u.segments) {
		http.NotFound(w, r)
		return
	}
	if intercept != nil && intercept(w, r, index) {
		return
	}
	w.Write(u.segments[index])
}

func (u *upstream) playlistURL() string { return u.srv.URL + "/index.m3u8" }

func (u *upstream) requestedPaths() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.requests...)
}

func (u *upstream) setIntercept(fn func(w http.ResponseWriter, r *http.Request, index int) bool) {
	u.mu.Lock()
	u.intercept = fn
	u.mu.Unlock()
}

type fixture struct {
	manager downloader.Manager
	store   *store.Store
	resume  repository.ResumeRepository
}

// newFixture builds a manager over the given store root and database path so
// tests can simulate a process restart by constructing a second fixture on
// the same locations.
func newFixture(t *testing.T, storeRoot, dbPath string, mod func(*downloader.Config)) *fixture {
	t.Helper()

	db, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	resumeRepo := sqlite.NewResumeRepository(db)
	require.NoError(t, resumeRepo.Init(context.Background()))

	st := store.New(storeRoot, nil)
	resolver := playlist.NewResolver(fetch.New(nil), nil)

	cfg := downloader.Config{
		RetryCeiling:     4,
		BackoffBase:      time.Millisecond,
		RateLimitDefault: time.Millisecond,
		RateLimitMargin:  time.Millisecond,
		ProgressInterval: time.Millisecond,
	}
	if mod != nil {
		mod(&cfg)
	}

	m := downloader.NewManager(cfg, st, resolver, resumeRepo)
	t.Cleanup(m.Shutdown)
	return &fixture{manager: m, store: st, resume: resumeRepo}
}

func startRequest(u *upstream) downloader.StartRequest {
	return downloader.StartRequest{
		Key:         domain.ContentKey{ContentID: "v1", Quality: "720p"},
		PlaylistURL: u.playlistURL(),
		QualityHint: "720p",
	}
}

func waitStatus(t *testing.T, events <-chan domain.ProgressEvent, status domain.TaskStatus) domain.ProgressEvent {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed before observing %s", status)
			if ev.Status == status {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", status)
		}
	}
}

func TestDownloadCompletes(t *testing.T) {
	u := newUpstream(t, [][]byte{
		[]byte("segment-zero-payload"),
		[]byte("segment-one-payload!"),
		[]byte("segment-two-payload!!"),
	})
	f := newFixture(t, t.TempDir(), filepath.Join(t.TempDir(), "db"), nil)
	key := domain.ContentKey{ContentID: "v1", Quality: "720p"}

	events, cancel := f.manager.Subscribe(256)
	defer cancel()

	snap, err := f.manager.StartDownload(context.Background(), startRequest(u))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDownloading, snap.Status)

	done := waitStatus(t, events, domain.TaskStatusCompleted)
	assert.Equal(t, 3, done.DownloadedSegments)
	assert.Equal(t, 3, done.TotalSegments)
	assert.Equal(t, int64(20+20+21), done.DownloadedBytes)

	require.True(t, f.store.IsComplete(key))

	manifest, err := f.store.ReadManifest(key)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(manifest), "#EXTINF:6.000000,"))
	assert.Contains(t, string(manifest), "seg_00002.ts")

	size, err := f.store.TotalSizeBytes(key)
	require.NoError(t, err)
	assert.Equal(t, int64(20+20+21), size)

	meta, err := f.store.ReadMetadata(key)
	require.NoError(t, err)
	assert.True(t, meta.Complete)
	assert.Equal(t, 3, meta.SegmentCount)
	require.Len(t, meta.Segments, 3)
	assert.Equal(t, 6.0, meta.Segments[0].Duration)

	state, err := f.resume.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, state, "resume checkpoint must be gone after completion")

	// decrypted content matches the upstream payloads
	got, err := f.store.ReadSegment(key, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("segment-one-payload!"), got)
}

func TestPauseThenResumeAcrossRestart(t *testing.T) {
	u := newUpstream(t, [][]byte{
		[]byte("s0"), []byte("s1"), []byte("s2"), []byte("s3"),
	})
	storeRoot := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "db")
	key := domain.ContentKey{ContentID: "v1", Quality: "720p"}

	seg2Started := make(chan struct{})
	var once sync.Once
	u.setIntercept(func(w http.ResponseWriter, r *http.Request, index int) bool {
		if index != 2 {
			return false
		}
		once.Do(func() { close(seg2Started) })
		// hold the request open until the client aborts it
		<-r.Context().Done()
		return true
	})

	first := newFixture(t, storeRoot, dbPath, nil)
	events, cancelSub := first.manager.Subscribe(256)
	defer cancelSub()

	_, err := first.manager.StartDownload(context.Background(), startRequest(u))
	require.NoError(t, err)

	<-seg2Started
	require.NoError(t, first.manager.Pause(key))
	waitStatus(t, events, domain.TaskStatusPaused)

	state, err := first.resume.Get(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 1, state.LastCompletedIndex)
	assert.Equal(t, 4, state.TotalSegments)

	first.manager.Shutdown()
	u.setIntercept(nil)

	// "restart": a fresh manager over the same store and database
	second := newFixture(t, storeRoot, dbPath, nil)
	events2, cancelSub2 := second.manager.Subscribe(256)
	defer cancelSub2()

	before := len(u.requestedPaths())
	_, err = second.manager.StartDownload(context.Background(), startRequest(u))
	require.NoError(t, err)
	waitStatus(t, events2, domain.TaskStatusCompleted)

	var segPaths []string
	for _, p := range u.requestedPaths()[before:] {
		if strings.HasPrefix(p, "/seg") {
			segPaths = append(segPaths, p)
		}
	}
	assert.Equal(t, []string{"/seg2.ts", "/seg3.ts"}, segPaths, "resume must start at segment 2")
	assert.True(t, second.store.IsComplete(key))
}

func TestRateLimitedFetchHonorsRetryAfter(t *testing.T) {
	u := newUpstream(t, [][]byte{[]byte("only-segment")})

	var mu sync.Mutex
	failures := 0
	u.setIntercept(func(w http.ResponseWriter, r *http.Request, index int) bool {
		mu.Lock()
		defer mu.Unlock()
		if failures < 2 {
			failures++
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return true
		}
		return false
	})

	f := newFixture(t, t.TempDir(), filepath.Join(t.TempDir(), "db"), nil)
	events, cancel := f.manager.Subscribe(256)
	defer cancel()

	started := time.Now()
	_, err := f.manager.StartDownload(context.Background(), startRequest(u))
	require.NoError(t, err)
	waitStatus(t, events, domain.TaskStatusCompleted)

	// two 429s with Retry-After: 1 enforce at least two seconds of backoff
	assert.GreaterOrEqual(t, time.Since(started), 2*time.Second)
}

func TestTransientFailureExhaustsRetriesAndRetainsData(t *testing.T) {
	u := newUpstream(t, [][]byte{[]byte("s0"), []byte("s1")})
	u.setIntercept(func(w http.ResponseWriter, r *http.Request, index int) bool {
		if index == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return true
		}
		return false
	})

	f := newFixture(t, t.TempDir(), filepath.Join(t.TempDir(), "db"), func(cfg *downloader.Config) {
		cfg.RetryCeiling = 3
	})
	key := domain.ContentKey{ContentID: "v1", Quality: "720p"}

	events, cancel := f.manager.Subscribe(256)
	defer cancel()

	_, err := f.manager.StartDownload(context.Background(), startRequest(u))
	require.NoError(t, err)

	failed := waitStatus(t, events, domain.TaskStatusFailed)
	assert.NotEmpty(t, failed.ErrorMessage)

	// segment 0 stays on disk for a later resume
	_, statErr := os.Stat(f.store.SegmentPath(key, 0))
	assert.NoError(t, statErr)
	assert.False(t, f.store.IsComplete(key))

	snap, ok := f.manager.Snapshot(key)
	require.True(t, ok, "failed task stays visible until dismissed")
	assert.Equal(t, domain.TaskStatusFailed, snap.Status)
}

func TestCancelPurgesResidue(t *testing.T) {
	u := newUpstream(t, [][]byte{[]byte("s0"), []byte("s1"), []byte("s2")})

	seg1Started := make(chan struct{})
	var once sync.Once
	u.setIntercept(func(w http.ResponseWriter, r *http.Request, index int) bool {
		if index != 1 {
			return false
		}
		once.Do(func() { close(seg1Started) })
		<-r.Context().Done()
		return true
	})

	f := newFixture(t, t.TempDir(), filepath.Join(t.TempDir(), "db"), nil)
	key := domain.ContentKey{ContentID: "v1", Quality: "720p"}

	events, cancelSub := f.manager.Subscribe(256)
	defer cancelSub()

	_, err := f.manager.StartDownload(context.Background(), startRequest(u))
	require.NoError(t, err)

	<-seg1Started
	require.NoError(t, f.manager.Cancel(context.Background(), key))
	waitStatus(t, events, domain.TaskStatusCancelled)

	assert.False(t, f.store.IsComplete(key))
	_, statErr := os.Stat(f.store.Dir(key))
	assert.True(t, os.IsNotExist(statErr), "content directory must be removed on cancel")

	state, err := f.resume.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, state)

	_, ok := f.manager.Snapshot(key)
	assert.False(t, ok, "cancelled task leaves the registry")
}

func TestStartIsIdempotentWhileDownloading(t *testing.T) {
	u := newUpstream(t, [][]byte{[]byte("s0")})

	seg0Started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	u.setIntercept(func(w http.ResponseWriter, r *http.Request, index int) bool {
		once.Do(func() { close(seg0Started) })
		select {
		case <-release:
		case <-r.Context().Done():
		}
		return false
	})

	f := newFixture(t, t.TempDir(), filepath.Join(t.TempDir(), "db"), nil)

	events, cancelSub := f.manager.Subscribe(256)
	defer cancelSub()

	_, err := f.manager.StartDownload(context.Background(), startRequest(u))
	require.NoError(t, err)
	<-seg0Started

	playlistFetches := 0
	for _, p := range u.requestedPaths() {
		if p == "/index.m3u8" {
			playlistFetches++
		}
	}

	snap, err := f.manager.StartDownload(context.Background(), startRequest(u))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDownloading, snap.Status)

	again := 0
	for _, p := range u.requestedPaths() {
		if p == "/index.m3u8" {
			again++
		}
	}
	assert.Equal(t, playlistFetches, again, "second start must not refetch the playlist")

	close(release)
	waitStatus(t, events, domain.TaskStatusCompleted)
}

func TestStartOnCompletedStoreShortCircuits(t *testing.T) {
	u := newUpstream(t, [][]byte{[]byte("s0"), []byte("s1")})
	f := newFixture(t, t.TempDir(), filepath.Join(t.TempDir(), "db"), nil)

	events, cancelSub := f.manager.Subscribe(256)
	defer cancelSub()

	_, err := f.manager.StartDownload(context.Background(), startRequest(u))
	require.NoError(t, err)
	waitStatus(t, events, domain.TaskStatusCompleted)

	before := len(u.requestedPaths())
	snap, err := f.manager.StartDownload(context.Background(), startRequest(u))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.DownloadedSegments)
	assert.Equal(t, before, len(u.requestedPaths()), "no upstream traffic for an already-complete store")
}
