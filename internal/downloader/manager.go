package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hls-vault/internal/domain"
	"hls-vault/internal/fetch"
	"hls-vault/internal/playlist"
	"hls-vault/internal/repository"
	"hls-vault/internal/store"
)

// ErrNoActiveTask is returned by Pause and Cancel when no task is registered
// for the key.
var ErrNoActiveTask = errors.New("no active task for content key")

// Manager coordinates download tasks, resume checkpoints, and progress
// fan-out. Segments within one task are fetched strictly sequentially;
// independent keys run concurrently.
type Manager interface {
	StartDownload(ctx context.Context, req StartRequest) (domain.TaskSnapshot, error)
	Pause(key domain.ContentKey) error
	Cancel(ctx context.Context, key domain.ContentKey) error
	Snapshot(key domain.ContentKey) (domain.TaskSnapshot, bool)
	List() []domain.TaskSnapshot
	Subscribe(buffer int) (<-chan domain.ProgressEvent, func())
	Shutdown()
}

// StartRequest carries everything needed to begin (or resume) one download.
type StartRequest struct {
	Key         domain.ContentKey
	PlaylistURL string
	QualityHint string
	Headers     map[string]string
}

type Config struct {
	Client           *http.Client
	RetryCeiling     int           // max attempts per playlist/segment fetch
	BackoffBase      time.Duration // exponential backoff base for transient errors
	RateLimitDefault time.Duration // floor for 429 waits without a usable Retry-After
	RateLimitMargin  time.Duration // safety margin added on top of 429 waits
	ProgressInterval time.Duration // throttle for mid-download progress events
	Logger           *logrus.Logger
}

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
	stopShutdown // process shutdown checkpoints like a pause
)

type taskHandle struct {
	req    StartRequest
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	snapshot domain.TaskSnapshot
	reason   stopReason
}

func (t *taskHandle) requestStop(reason stopReason) {
	t.mu.Lock()
	if t.reason == stopNone {
		t.reason = reason
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *taskHandle) stopReason() stopReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *taskHandle) view() domain.TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

func (t *taskHandle) update(fn func(*domain.TaskSnapshot)) domain.TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.snapshot)
	return t.snapshot
}

type manager struct {
	cfg      Config
	fetch    *fetch.Client
	resolver *playlist.Resolver
	store    *store.Store
	resume   repository.ResumeRepository
	hub      *Hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[domain.ContentKey]*taskHandle
}

func NewManager(cfg Config, st *store.Store, resolver *playlist.Resolver, resume repository.ResumeRepository) Manager {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.RateLimitDefault <= 0 {
		cfg.RateLimitDefault = 5 * time.Second
	}
	if cfg.RateLimitMargin <= 0 {
		cfg.RateLimitMargin = 500 * time.Millisecond
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &manager{
		cfg:      cfg,
		fetch:    fetch.New(cfg.Client),
		resolver: resolver,
		store:    st,
		resume:   resume,
		hub:      NewHub(),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[domain.ContentKey]*taskHandle),
	}
}

func (m *manager) Subscribe(buffer int) (<-chan domain.ProgressEvent, func()) {
	return m.hub.Subscribe(buffer)
}

// StartDownload begins a download for the key, or resumes one from its
// persisted checkpoint. If a task for the key is already downloading, its
// snapshot is returned unchanged.
func (m *manager) StartDownload(ctx context.Context, req StartRequest) (domain.TaskSnapshot, error) {
	if req.Key.ContentID == "" || req.Key.Quality == "" {
		return domain.TaskSnapshot{}, errors.New("content id and quality are required")
	}
	if req.PlaylistURL == "" {
		return domain.TaskSnapshot{}, errors.New("playlist URL is required")
	}

	if m.store.IsComplete(req.Key) {
		snap := domain.TaskSnapshot{Key: req.Key, Status: domain.TaskStatusCompleted}
		if meta, err := m.store.ReadMetadata(req.Key); err == nil {
			snap.DownloadedSegments = meta.SegmentCount
			snap.TotalSegments = meta.SegmentCount
			snap.DownloadedBytes = meta.TotalBytes
			snap.TotalBytes = meta.TotalBytes
		}
		return snap, nil
	}

	m.mu.Lock()
	if existing, ok := m.active[req.Key]; ok {
		snap := existing.view()
		if snap.Status == domain.TaskStatusDownloading || snap.Status == domain.TaskStatusPending {
			m.mu.Unlock()
			return snap, nil
		}
		// paused or failed instance: replaced by a fresh one below
	}

	taskCtx, cancelTask := context.WithCancel(m.ctx)
	handle := &taskHandle{
		req:    req,
		cancel: cancelTask,
		done:   make(chan struct{}),
		snapshot: domain.TaskSnapshot{
			Key:    req.Key,
			Status: domain.TaskStatusPending,
		},
	}
	m.active[req.Key] = handle
	m.mu.Unlock()

	m.publish(handle.view())
	snap := handle.update(func(s *domain.TaskSnapshot) {
		s.Status = domain.TaskStatusDownloading
	})
	m.publish(snap)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(handle.done)
		m.run(taskCtx, handle)
	}()

	return snap, nil
}

// Pause checkpoints the task and halts further fetch attempts. Data on disk
// is retained.
func (m *manager) Pause(key domain.ContentKey) error {
	handle, ok := m.lookup(key)
	if !ok {
		return ErrNoActiveTask
	}
	if handle.view().Status.Terminal() {
		return fmt.Errorf("task %s is already %s", key, handle.view().Status)
	}
	handle.requestStop(stopPause)
	<-handle.done
	return nil
}

// Cancel stops the task, deletes its checkpoint and purges the partial
// content directory. Cancelling a task that already reached a terminal state
// only dismisses it from the registry, keeping whatever is on disk.
func (m *manager) Cancel(ctx context.Context, key domain.ContentKey) error {
	handle, ok := m.lookup(key)
	if !ok {
		return ErrNoActiveTask
	}
	if handle.view().Status.Terminal() {
		m.unregister(key)
		return nil
	}

	handle.requestStop(stopCancel)
	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *manager) Snapshot(key domain.ContentKey) (domain.TaskSnapshot, bool) {
	handle, ok := m.lookup(key)
	if !ok {
		return domain.TaskSnapshot{}, false
	}
	return handle.view(), true
}

func (m *manager) List() []domain.TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := make([]domain.TaskSnapshot, 0, len(m.active))
	for _, handle := range m.active {
		snaps = append(snaps, handle.view())
	}
	return snaps
}

// Shutdown checkpoints every running task like a pause and waits for all
// fetch loops to exit.
func (m *manager) Shutdown() {
	m.mu.Lock()
	for _, handle := range m.active {
		handle.requestStop(stopShutdown)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.hub.Close()
	m.cfg.Logger.Info("download manager stopped")
}

func (m *manager) lookup(key domain.ContentKey) (*taskHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.active[key]
	return handle, ok
}

func (m *manager) unregister(key domain.ContentKey) {
	m.mu.Lock()
	delete(m.active, key)
	m.mu.Unlock()
}

func (m *manager) publish(snap domain.TaskSnapshot) {
	m.hub.Publish(domain.EventFromSnapshot(snap))
}

// run drives one task's fetch loop from playlist resolution to a terminal
// state or checkpoint.
func (m *manager) run(ctx context.Context, t *taskHandle) {
	logger := m.cfg.Logger.WithFields(logrus.Fields{
		"content_id": t.req.Key.ContentID,
		"quality":    t.req.Key.Quality,
	})

	segments, err := m.resolveWithRetry(ctx, t, logger)
	if err != nil {
		m.finish(t, logger, err)
		return
	}

	startIndex := m.startIndex(ctx, t.req.Key, logger)
	if startIndex > len(segments) {
		startIndex = len(segments)
	}

	existingBytes, _ := m.store.TotalSizeBytes(t.req.Key)
	snap := t.update(func(s *domain.TaskSnapshot) {
		s.TotalSegments = len(segments)
		s.DownloadedSegments = startIndex
		s.DownloadedBytes = existingBytes
		s.TotalBytes = estimateTotal(existingBytes, startIndex, len(segments))
	})
	m.publish(snap)
	if startIndex > 0 {
		logger.Infof("resuming at segment %d of %d", startIndex, len(segments))
	}

	speed := newSpeedWindow()
	lastProgress := time.Now()

	for i := startIndex; i < len(segments); i++ {
		if ctx.Err() != nil {
			m.finish(t, logger, ctx.Err())
			return
		}

		data, err := m.fetchWithRetry(ctx, segments[i].URL, t.req.Headers, logger)
		if err != nil {
			m.finish(t, logger, err)
			return
		}

		written, err := m.store.WriteSegment(t.req.Key, i, data)
		if err != nil {
			m.finish(t, logger, err)
			return
		}

		rate := speed.add(written)
		snap := t.update(func(s *domain.TaskSnapshot) {
			s.DownloadedSegments = i + 1
			s.DownloadedBytes += written
			s.SpeedBytesPerSec = rate
			s.TotalBytes = estimateTotal(s.DownloadedBytes, s.DownloadedSegments, s.TotalSegments)
		})
		if time.Since(lastProgress) >= m.cfg.ProgressInterval || i == len(segments)-1 {
			m.publish(snap)
			lastProgress = time.Now()
		}
	}

	if err := m.complete(t, segments); err != nil {
		m.finish(t, logger, err)
		return
	}

	snap = t.update(func(s *domain.TaskSnapshot) {
		s.Status = domain.TaskStatusCompleted
		s.SpeedBytesPerSec = 0
		s.TotalBytes = s.DownloadedBytes
	})
	m.publish(snap)
	m.unregister(t.req.Key)
	logger.Info("download completed")
}

// startIndex picks where the fetch loop begins: the later of the persisted
// checkpoint and the unbroken run of segment files already on disk.
func (m *manager) startIndex(ctx context.Context, key domain.ContentKey, logger *logrus.Entry) int {
	start := m.store.ContiguousSegments(key)
	state, err := m.resume.Get(ctx, key)
	if err != nil {
		logger.Warnf("read resume state: %v", err)
		return start
	}
	if state != nil && state.LastCompletedIndex+1 > start {
		start = state.LastCompletedIndex + 1
	}
	return start
}

// complete regenerates the local manifest from the original per-segment
// durations, writes the completion metadata and drops the checkpoint.
func (m *manager) complete(t *taskHandle, segments []domain.SegmentDescriptor) error {
	var manifest bytes.Buffer
	if err := playlist.WriteLocalManifest(&manifest, segments, store.SegmentName); err != nil {
		return fmt.Errorf("build local manifest: %w", err)
	}
	if err := m.store.WriteManifest(t.req.Key, manifest.Bytes()); err != nil {
		return err
	}

	totalBytes, err := m.store.TotalSizeBytes(t.req.Key)
	if err != nil {
		return err
	}
	meta := &domain.StoreMetadata{
		Version:      domain.MetadataVersion,
		ContentID:    t.req.Key.ContentID,
		Quality:      t.req.Key.Quality,
		SegmentCount: len(segments),
		TotalBytes:   totalBytes,
		Complete:     true,
		DownloadedAt: time.Now().UTC(),
		Segments:     segments,
	}
	if err := m.store.WriteMetadata(t.req.Key, meta); err != nil {
		return err
	}

	if err := m.resume.Delete(context.Background(), t.req.Key); err != nil {
		m.cfg.Logger.Warnf("delete resume state for %s: %v", t.req.Key, err)
	}
	return nil
}

// finish maps a loop exit onto its terminal (or checkpointed) state. The
// resume checkpoint is persisted before the paused status is published, so a
// crash right after pause can never resume past what is actually on disk.
func (m *manager) finish(t *taskHandle, logger *logrus.Entry, cause error) {
	reason := t.stopReason()
	if reason == stopNone && errors.Is(cause, context.Canceled) {
		// parent shutdown without an explicit request
		reason = stopShutdown
	}

	switch reason {
	case stopPause, stopShutdown:
		snap := t.view()
		state := domain.ResumeState{
			ContentID:          t.req.Key.ContentID,
			Quality:            t.req.Key.Quality,
			LastCompletedIndex: snap.DownloadedSegments - 1,
			TotalSegments:      snap.TotalSegments,
			PausedAt:           time.Now().UTC(),
		}
		if err := m.resume.Save(context.Background(), state); err != nil {
			logger.Errorf("persist resume state: %v", err)
		}
		snap = t.update(func(s *domain.TaskSnapshot) {
			s.Status = domain.TaskStatusPaused
			s.SpeedBytesPerSec = 0
		})
		m.publish(snap)
		logger.Infof("paused after segment %d", state.LastCompletedIndex)

	case stopCancel:
		if err := m.resume.Delete(context.Background(), t.req.Key); err != nil {
			logger.Warnf("delete resume state: %v", err)
		}
		if err := m.store.Delete(t.req.Key); err != nil {
			logger.Warnf("purge content dir: %v", err)
		}
		snap := t.update(func(s *domain.TaskSnapshot) {
			s.Status = domain.TaskStatusCancelled
			s.SpeedBytesPerSec = 0
		})
		m.publish(snap)
		m.unregister(t.req.Key)
		logger.Info("download cancelled")

	default:
		// genuine failure: partial segments stay on disk so a later start
		// can resume instead of refetching everything
		snap := t.update(func(s *domain.TaskSnapshot) {
			s.Status = domain.TaskStatusFailed
			s.SpeedBytesPerSec = 0
			s.ErrorMessage = cause.Error()
		})
		m.publish(snap)
		logger.Errorf("download failed: %v", cause)
	}
}

// resolveWithRetry fetches and parses the playlist under the same retry
// policy as segment fetches.
func (m *manager) resolveWithRetry(ctx context.Context, t *taskHandle, logger *logrus.Entry) ([]domain.SegmentDescriptor, error) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.RetryCeiling; attempt++ {
		segments, err := m.resolver.Resolve(ctx, t.req.PlaylistURL, t.req.QualityHint, t.req.Headers)
		if err == nil {
			return segments, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if wait, retryable := m.retryDelay(err, attempt); retryable {
			logger.Warnf("playlist fetch attempt %d failed, retrying in %s: %v", attempt+1, wait, err)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// fetchWithRetry downloads one segment with bounded retries. A 429 sleeps
// max(Retry-After, default) plus the safety margin and retries the same
// request; other transient errors back off exponentially. Exhausting the
// ceiling fails the whole task.
func (m *manager) fetchWithRetry(ctx context.Context, url string, headers map[string]string, logger *logrus.Entry) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.RetryCeiling; attempt++ {
		data, err := m.fetch.Get(ctx, url, headers)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if wait, retryable := m.retryDelay(err, attempt); retryable {
			logger.Warnf("segment fetch attempt %d failed, retrying in %s: %v", attempt+1, wait, err)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// retryDelay classifies an error and returns how long to wait before the
// next attempt, or retryable=false for errors that escalate immediately.
func (m *manager) retryDelay(err error, attempt int) (time.Duration, bool) {
	var rateLimited *domain.RateLimitedError
	if errors.As(err, &rateLimited) {
		wait := rateLimited.RetryAfter
		if wait < m.cfg.RateLimitDefault {
			wait = m.cfg.RateLimitDefault
		}
		return wait + m.cfg.RateLimitMargin, true
	}
	var transient *domain.TransientFetchError
	if errors.As(err, &transient) {
		return m.cfg.BackoffBase << uint(attempt), true
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func estimateTotal(downloadedBytes int64, downloadedSegments, totalSegments int) int64 {
	if downloadedSegments == 0 {
		return 0
	}
	return downloadedBytes / int64(downloadedSegments) * int64(totalSegments)
}

// speedWindow computes instantaneous throughput over a rolling ~1 second
// window of segment completions.
type speedWindow struct {
	windowStart time.Time
	windowBytes int64
	lastRate    int64
}

func newSpeedWindow() *speedWindow {
	return &speedWindow{windowStart: time.Now()}
}

func (w *speedWindow) add(n int64) int64 {
	w.windowBytes += n
	elapsed := time.Since(w.windowStart)
	if elapsed >= time.Second {
		w.lastRate = int64(float64(w.windowBytes) / elapsed.Seconds())
		w.windowStart = time.Now()
		w.windowBytes = 0
	}
	return w.lastRate
}

var _ Manager = (*manager)(nil)
