package playback

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"hls-vault/internal/domain"
	"hls-vault/internal/playlist"
	"hls-vault/internal/store"
)

// OriginServer materializes a download as a loopback-only HTTP origin,
// decrypting the manifest and segments during response streaming. Used where
// the media engine can only open network URLs. The server owns an OS socket,
// so it is a singleton: it serves one key at a time, and materializing a
// different key tears the listener down and rebinds.
type OriginServer struct {
	store  *store.Store
	logger *logrus.Logger

	mu       sync.Mutex
	key      domain.ContentKey
	listener net.Listener
	server   *http.Server
}

func NewOriginServer(st *store.Store, logger *logrus.Logger) *OriginServer {
	if logger == nil {
		logger = logrus.New()
	}
	return &OriginServer{store: st, logger: logger}
}

// Materialize binds a loopback listener on an ephemeral port serving the
// key's manifest and segments, and returns the manifest URL.
func (o *OriginServer) Materialize(ctx context.Context, key domain.ContentKey) (string, error) {
	if err := verifyComplete(o.store, key); err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.listener != nil {
		if o.key == key {
			return o.manifestURLLocked(), nil
		}
		o.stopLocked()
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("bind loopback listener: %w", err)
	}

	o.key = key
	o.listener = listener
	o.server = &http.Server{Handler: o.router()}

	go func(srv *http.Server, l net.Listener) {
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			o.logger.Warnf("playback origin server: %v", err)
		}
	}(o.server, listener)

	url := o.manifestURLLocked()
	o.logger.WithFields(logrus.Fields{
		"content_id": key.ContentID,
		"quality":    key.Quality,
		"url":        url,
	}).Info("playback origin serving")
	return url, nil
}

// Stop closes the listener and releases the socket. Idempotent.
func (o *OriginServer) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked()
	return nil
}

func (o *OriginServer) stopLocked() {
	if o.server != nil {
		_ = o.server.Close()
	}
	o.server = nil
	o.listener = nil
	o.key = domain.ContentKey{}
}

func (o *OriginServer) manifestURLLocked() string {
	port := o.listener.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("http://127.0.0.1:%d/manifest.m3u8", port)
}

func (o *OriginServer) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())
	router.GET("/manifest.m3u8", o.handleManifest)
	router.GET("/:segment", o.handleSegment)
	return router
}

// corsMiddleware is permissive: the only consumer is the local media engine.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Range")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// handleManifest decrypts the stored manifest and rewrites every segment
// reference to an absolute loopback URL on this server's port.
func (o *OriginServer) handleManifest(c *gin.Context) {
	o.mu.Lock()
	key := o.key
	listener := o.listener
	o.mu.Unlock()
	if listener == nil {
		c.String(http.StatusServiceUnavailable, "no content bound")
		return
	}

	manifest, err := o.store.ReadManifest(key)
	if err != nil {
		c.String(http.StatusInternalServerError, "manifest unavailable")
		return
	}

	port := listener.Addr().(*net.TCPAddr).Port
	rewritten := playlist.RewriteSegmentLines(string(manifest), func(ref string) string {
		return fmt.Sprintf("http://127.0.0.1:%d/%s", port, path.Base(ref))
	})

	c.Header("Content-Type", "application/vnd.apple.mpegurl")
	c.String(http.StatusOK, rewritten)
}

// handleSegment decrypts the requested segment directly into the response
// body using fixed-size chunked streaming, so memory stays bounded no matter
// how large the segment is.
func (o *OriginServer) handleSegment(c *gin.Context) {
	o.mu.Lock()
	key := o.key
	o.mu.Unlock()

	name := path.Base(c.Param("segment"))
	index, ok := parseSegmentName(name)
	if !ok {
		c.String(http.StatusNotFound, "unknown segment")
		return
	}

	reader, size, err := o.store.OpenSegment(key, index)
	if err != nil {
		c.String(http.StatusNotFound, "segment unavailable")
		return
	}
	defer reader.Close()

	c.Header("Content-Type", "video/mp2t")
	c.Header("Content-Length", strconv.FormatInt(size, 10))
	c.Status(http.StatusOK)

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(c.Writer, reader, buf); err != nil {
		// client went away mid-stream; nothing to clean up
		o.logger.Debugf("segment stream aborted: %v", err)
	}
}

// parseSegmentName extracts the index from a stored segment filename.
func parseSegmentName(name string) (int, bool) {
	if !strings.HasPrefix(name, "seg_") || !strings.HasSuffix(name, store.SegmentExt) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "seg_"), store.SegmentExt)
	index, err := strconv.Atoi(digits)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

var _ Materializer = (*OriginServer)(nil)
