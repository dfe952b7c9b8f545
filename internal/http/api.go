package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hls-vault/internal/domain"
	"hls-vault/internal/downloader"
	"hls-vault/internal/playback"
	"hls-vault/internal/store"
)

// Handler wires HTTP routes to the download manager, the segment store and
// the playback materializers.
type Handler struct {
	manager downloader.Manager
	store   *store.Store
	stager  playback.Materializer
	origin  playback.Materializer
}

func NewHandler(manager downloader.Manager, st *store.Store, stager, origin playback.Materializer) *Handler {
	return &Handler{
		manager: manager,
		store:   st,
		stager:  stager,
		origin:  origin,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.POST("/downloads", h.startDownload)
		api.GET("/downloads", h.listDownloads)
		api.GET("/downloads/:id/:quality", h.getDownload)
		api.POST("/downloads/:id/:quality/pause", h.pauseDownload)
		api.DELETE("/downloads/:id/:quality", h.cancelDownload)
		api.GET("/library", h.listLibrary)
		api.DELETE("/library/:id/:quality", h.deleteContent)
		api.POST("/playback", h.startPlayback)
		api.DELETE("/playback", h.stopPlayback)
		api.GET("/events", h.streamEvents)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type startDownloadRequest struct {
	ContentID   string            `json:"content_id" binding:"required"`
	Quality     string            `json:"quality" binding:"required"`
	URL         string            `json:"url" binding:"required"`
	QualityHint string            `json:"quality_hint"`
	Headers     map[string]string `json:"headers"`
}

func (h *Handler) startDownload(c *gin.Context) {
	var req startDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hint := req.QualityHint
	if hint == "" {
		hint = req.Quality
	}
	snap, err := h.manager.StartDownload(c.Request.Context(), downloader.StartRequest{
		Key:         domain.ContentKey{ContentID: req.ContentID, Quality: req.Quality},
		PlaylistURL: req.URL,
		QualityHint: hint,
		Headers:     req.Headers,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, snapshotToResponse(snap))
}

func (h *Handler) listDownloads(c *gin.Context) {
	snaps := h.manager.List()
	resp := make([]TaskResponse, len(snaps))
	for i := range snaps {
		resp[i] = snapshotToResponse(snaps[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getDownload(c *gin.Context) {
	key := keyFromParams(c)
	snap, ok := h.manager.Snapshot(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no task for key"})
		return
	}
	c.JSON(http.StatusOK, snapshotToResponse(snap))
}

func (h *Handler) pauseDownload(c *gin.Context) {
	key := keyFromParams(c)
	if err := h.manager.Pause(key); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, downloader.ErrNoActiveTask) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": key.String()})
}

func (h *Handler) cancelDownload(c *gin.Context) {
	key := keyFromParams(c)
	cancelCtx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := h.manager.Cancel(cancelCtx, key); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, downloader.ErrNoActiveTask) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": key.String()})
}

func (h *Handler) listLibrary(c *gin.Context) {
	metas := h.store.List()
	resp := make([]LibraryEntryResponse, 0, len(metas))
	for _, meta := range metas {
		key := meta.Key()
		size, err := h.store.TotalSizeBytes(key)
		if err != nil {
			size = meta.TotalBytes
		}
		resp = append(resp, LibraryEntryResponse{
			ContentID:    meta.ContentID,
			Quality:      meta.Quality,
			SegmentCount: meta.SegmentCount,
			SizeBytes:    size,
			Complete:     h.store.IsComplete(key),
			DownloadedAt: meta.DownloadedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) deleteContent(c *gin.Context) {
	key := keyFromParams(c)
	if snap, ok := h.manager.Snapshot(key); ok && !snap.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "download in progress, cancel it first"})
		return
	}
	if err := h.store.Delete(key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": key.String()})
}

type startPlaybackRequest struct {
	ContentID string `json:"content_id" binding:"required"`
	Quality   string `json:"quality" binding:"required"`
	Mode      string `json:"mode"` // "stage" or "server"; default "server"
}

func (h *Handler) startPlayback(c *gin.Context) {
	var req startPlaybackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var mat playback.Materializer
	switch req.Mode {
	case "stage":
		mat = h.stager
	case "server", "":
		mat = h.origin
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown playback mode %q", req.Mode)})
		return
	}

	key := domain.ContentKey{ContentID: req.ContentID, Quality: req.Quality}
	ref, err := mat.Materialize(c.Request.Context(), key)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrNotDownloaded) || errors.Is(err, domain.ErrIncompleteStore) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reference": ref})
}

func (h *Handler) stopPlayback(c *gin.Context) {
	var errs []string
	if err := h.stager.Stop(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := h.origin.Stop(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		c.JSON(http.StatusInternalServerError, gin.H{"errors": errs})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// streamEvents bridges the progress hub onto Server-Sent Events.
func (h *Handler) streamEvents(c *gin.Context) {
	events, cancel := h.manager.Subscribe(0)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return false
			}
			c.SSEvent("progress", string(payload))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func keyFromParams(c *gin.Context) domain.ContentKey {
	return domain.ContentKey{
		ContentID: c.Param("id"),
		Quality:   c.Param("quality"),
	}
}

type TaskResponse struct {
	ContentID          string            `json:"content_id"`
	Quality            string            `json:"quality"`
	Status             domain.TaskStatus `json:"status"`
	DownloadedSegments int               `json:"downloaded_segments"`
	TotalSegments      int               `json:"total_segments"`
	DownloadedBytes    int64             `json:"downloaded_bytes"`
	TotalBytes         int64             `json:"total_bytes"`
	SpeedBytesPerSec   int64             `json:"speed_bytes_per_sec"`
	ErrorMessage       string            `json:"error_message,omitempty"`
}

type LibraryEntryResponse struct {
	ContentID    string `json:"content_id"`
	Quality      string `json:"quality"`
	SegmentCount int    `json:"segment_count"`
	SizeBytes    int64  `json:"size_bytes"`
	Complete     bool   `json:"complete"`
	DownloadedAt string `json:"downloaded_at"`
}

func snapshotToResponse(snap domain.TaskSnapshot) TaskResponse {
	return TaskResponse{
		ContentID:          snap.Key.ContentID,
		Quality:            snap.Key.Quality,
		Status:             snap.Status,
		DownloadedSegments: snap.DownloadedSegments,
		TotalSegments:      snap.TotalSegments,
		DownloadedBytes:    snap.DownloadedBytes,
		TotalBytes:         snap.TotalBytes,
		SpeedBytesPerSec:   snap.SpeedBytesPerSec,
		ErrorMessage:       snap.ErrorMessage,
	}
}
