package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"hls-vault/internal/config"
	"hls-vault/internal/downloader"
	"hls-vault/internal/fetch"
	apphttp "hls-vault/internal/http"
	"hls-vault/internal/playback"
	"hls-vault/internal/playlist"
	"hls-vault/internal/repository/sqlite"
	"hls-vault/internal/store"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	resumeRepo := sqlite.NewResumeRepository(db)
	if err := resumeRepo.Init(ctx); err != nil {
		logger.Fatalf("init resume repository: %v", err)
	}

	if err := os.MkdirAll(cfg.Store.Dir, 0o755); err != nil {
		logger.Fatalf("create store dir: %v", err)
	}
	contentStore := store.New(cfg.Store.Dir, logger)

	upstream := &http.Client{Timeout: cfg.Download.UpstreamTimeout}
	resolver := playlist.NewResolver(fetch.New(upstream), logger)

	manager := downloader.NewManager(downloader.Config{
		Client:           upstream,
		RetryCeiling:     cfg.Download.RetryCeiling,
		BackoffBase:      cfg.Download.BackoffBase,
		RateLimitDefault: cfg.Download.RateLimitDefault,
		RateLimitMargin:  cfg.Download.RateLimitMargin,
		ProgressInterval: cfg.Download.ProgressInterval,
		Logger:           logger,
	}, contentStore, resolver, resumeRepo)

	stager := playback.NewTempStager(contentStore, cfg.Playback.TempDir, logger)
	origin := playback.NewOriginServer(contentStore, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(manager, contentStore, stager, origin)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	if err := origin.Stop(); err != nil {
		logger.Warnf("stop playback origin: %v", err)
	}
	if err := stager.Stop(); err != nil {
		logger.Warnf("clean staging dirs: %v", err)
	}
	manager.Shutdown()

	logger.Info("bye")
}
