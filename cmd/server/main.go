// WSI viewer server
//
// Serves a lazily indexed browsing tree of whole-slide image directories
// and their Deep Zoom pyramids, thumbnails and metadata, behind a
// cache-fronted, concurrency-governed core.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/KatherLab/wsi-viewer/internal/api"
	"github.com/KatherLab/wsi-viewer/internal/cache"
	"github.com/KatherLab/wsi-viewer/internal/config"
	"github.com/KatherLab/wsi-viewer/internal/fsindex"
	"github.com/KatherLab/wsi-viewer/internal/governor"
	"github.com/KatherLab/wsi-viewer/internal/logging"
	"github.com/KatherLab/wsi-viewer/internal/metrics"
	"github.com/KatherLab/wsi-viewer/internal/resolver"
	"github.com/KatherLab/wsi-viewer/internal/slide/openslide"
	"github.com/KatherLab/wsi-viewer/internal/tiles"
)

func main() {
	configPath := flag.String("config", "", "path to config.yml")
	flag.Parse()

	cfg, err := config.Load(config.Path(*configPath))
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("WSI viewer starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.Int("roots", len(cfg.Roots)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cache backend: Redis when configured and reachable, else no-op.
	// The cache is always optional; unreachable backends only cost latency.
	var backend cache.Backend = cache.Noop{}
	var redisBackend *cache.RedisBackend
	if cfg.Cache.Enabled && cfg.Cache.RedisURL != "" {
		rb, err := cache.NewRedis(ctx, cfg.Cache.RedisURL)
		if err != nil {
			logging.Warn("cache backend unreachable, continuing without cache", zap.Error(err))
		} else {
			redisBackend = rb
			backend = rb
			logging.Info("cache backend connected", zap.String("url", cfg.Cache.RedisURL))
		}
	}
	facade := cache.NewFacade(backend, cfg.Cache.TTL)
	defer facade.Close()

	// Resolver: acceleration table shares the Redis connection when there
	// is one; otherwise it snapshots to disk across restarts.
	var table *resolver.Table
	if redisBackend != nil {
		table = resolver.NewTable(cfg.Resolver.TableSize, redisBackend.Client())
	} else {
		table = resolver.NewTable(cfg.Resolver.TableSize, nil)
		if err := table.LoadSnapshot(cfg.Resolver.SnapshotPath); err != nil {
			logging.Warn("path table snapshot load failed", zap.Error(err))
		} else if table.Len() > 0 {
			logging.Info("path table snapshot loaded", zap.Int("entries", table.Len()))
		}
	}
	res := resolver.New(table, cfg.RootPaths(), cfg.Extensions, cfg.Resolver.FallbackWalk)

	// Indexer feeds the table opportunistically from every scan.
	indexer := fsindex.New(cfg.Extensions, cfg.Exclude)
	indexer.SetObserver(res.Observer())

	gov := governor.New(governor.Config{
		Workers:        cfg.Governor.Workers,
		ThumbnailSlots: cfg.Governor.ThumbnailSlots,
		TileSlots:      cfg.Governor.TileSlots,
	})
	defer gov.Stop()

	registry := governor.NewRegistry()

	tileServer := tiles.NewServer(openslide.New(), res, facade, tiles.Config{
		ThumbMaxPx:       cfg.Thumbnails.MaxPx,
		PreferAssociated: cfg.Thumbnails.PreferAssociated,
	})

	srv := api.NewServer(cfg, indexer, facade, gov, registry, tileServer)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()

		if redisBackend == nil {
			if err := table.SaveSnapshot(cfg.Resolver.SnapshotPath); err != nil {
				logging.Warn("path table snapshot save failed", zap.Error(err))
			} else if cfg.Resolver.SnapshotPath != "" {
				logging.Info("path table snapshot saved",
					zap.String("path", cfg.Resolver.SnapshotPath),
					zap.Int("entries", table.Len()))
			}
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
