package playback

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hls-vault/internal/domain"
	"hls-vault/internal/playlist"
	"hls-vault/internal/store"
)

const stagePrefix = "stage-"

// TempStager materializes a download by decrypting every segment and the
// manifest into a uniquely named temp directory. Used where the media engine
// can open arbitrary local paths. Unlike the origin server there is no
// singleton constraint; each Materialize call stages independently.
type TempStager struct {
	store   *store.Store
	tempDir string
	logger  *logrus.Logger

	mu     sync.Mutex
	staged []string
}

func NewTempStager(st *store.Store, tempDir string, logger *logrus.Logger) *TempStager {
	if logger == nil {
		logger = logrus.New()
	}
	return &TempStager{store: st, tempDir: tempDir, logger: logger}
}

// Materialize stages the content and returns the path of the decrypted
// manifest; the media engine resolves segment URIs relative to it. Stale
// staging directories from prior sessions are purged first.
func (t *TempStager) Materialize(ctx context.Context, key domain.ContentKey) (string, error) {
	if err := verifyComplete(t.store, key); err != nil {
		return "", err
	}
	t.purgeStale()

	meta, err := t.store.ReadMetadata(key)
	if err != nil {
		return "", domain.ErrNotDownloaded
	}

	dir := filepath.Join(t.tempDir, stagePrefix+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	for i := 0; i < meta.SegmentCount; i++ {
		if err := ctx.Err(); err != nil {
			cleanup()
			return "", err
		}
		if err := t.stageSegment(key, i, dir); err != nil {
			cleanup()
			return "", err
		}
	}

	manifest, err := t.store.ReadManifest(key)
	if err != nil {
		cleanup()
		return "", fmt.Errorf("read stored manifest: %w", err)
	}
	// segment references become paths relative to the staging directory
	rewritten := playlist.RewriteSegmentLines(string(manifest), filepath.Base)

	manifestPath := filepath.Join(dir, "manifest.m3u8")
	if err := os.WriteFile(manifestPath, []byte(rewritten), 0o644); err != nil {
		cleanup()
		return "", fmt.Errorf("write staged manifest: %w", err)
	}

	t.mu.Lock()
	t.staged = append(t.staged, dir)
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"content_id": key.ContentID,
		"quality":    key.Quality,
		"dir":        dir,
	}).Info("content staged for playback")
	return manifestPath, nil
}

// stageSegment streams one segment through chunked decryption so memory use
// stays bounded regardless of segment size.
func (t *TempStager) stageSegment(key domain.ContentKey, index int, dir string) error {
	src, _, err := t.store.OpenSegment(key, index)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(dir, store.SegmentName(index)))
	if err != nil {
		return fmt.Errorf("create staged segment %d: %w", index, err)
	}

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		dst.Close()
		return fmt.Errorf("stage segment %d: %w", index, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close staged segment %d: %w", index, err)
	}
	return nil
}

// Stop removes every directory staged by this instance.
func (t *TempStager) Stop() error {
	t.mu.Lock()
	dirs := t.staged
	t.staged = nil
	t.mu.Unlock()

	var firstErr error
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// purgeStale removes leftover staging directories from prior sessions,
// leaving the ones this instance created (they may still be playing).
func (t *TempStager) purgeStale() {
	t.mu.Lock()
	own := make(map[string]struct{}, len(t.staged))
	for _, dir := range t.staged {
		own[dir] = struct{}{}
	}
	t.mu.Unlock()

	entries, err := os.ReadDir(t.tempDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), stagePrefix) {
			continue
		}
		dir := filepath.Join(t.tempDir, entry.Name())
		if _, ok := own[dir]; ok {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			t.logger.Warnf("purge stale staging dir %s: %v", entry.Name(), err)
		}
	}
}

var _ Materializer = (*TempStager)(nil)
