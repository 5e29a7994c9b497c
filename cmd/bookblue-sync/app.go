package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"github.com/bookblue/bookblue-sync/internal/blobcache"
	"github.com/bookblue/bookblue-sync/internal/catalog"
	"github.com/bookblue/bookblue-sync/internal/config"
	"github.com/bookblue/bookblue-sync/internal/dropbox"
	"github.com/bookblue/bookblue-sync/internal/ledger"
	"github.com/bookblue/bookblue-sync/internal/logger"
	"github.com/bookblue/bookblue-sync/internal/reader"
	"github.com/bookblue/bookblue-sync/internal/server"
	"github.com/bookblue/bookblue-sync/internal/storage"
	syncsvc "github.com/bookblue/bookblue-sync/internal/sync"
)

// services holds the wired component graph for one process.
type services struct {
	cfg    *config.Config
	log    *logger.Logger
	store  *storage.SQLiteStore
	cache  *blobcache.Cache
	cat    *catalog.Catalog
	led    *ledger.Ledger
	coord  *syncsvc.Coordinator
	reader *reader.Service
}

// buildServices constructs every component and wires the change
// notifications into the sync coordinator.
func buildServices(cfg *config.Config, log *logger.Logger) (*services, error) {
	store, err := storage.Open(cfg.StorePath(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	cache, err := blobcache.Open(cfg.CachePath(), blobcache.Config{
		BookBudget:  cfg.Cache.MaxBookBytes,
		CoverBudget: cfg.Cache.MaxCoverBytes,
		BookExpiry:  time.Duration(cfg.Cache.BookExpiryDays) * 24 * time.Hour,
		CoverExpiry: time.Duration(cfg.Cache.CoverExpiryDays) * 24 * time.Hour,
	}, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open blob cache: %w", err)
	}

	remote := dropbox.NewClient(cfg.Dropbox.Token, cfg.Dropbox.Timeout)
	cat := catalog.New(store, log)
	led := ledger.New(store, log)

	coord, err := syncsvc.New(cat, led, store, remote, syncsvc.Options{
		SnapshotPath: cfg.Dropbox.SnapshotPath,
		StatePath:    cfg.SyncStatePath(),
		Debounce:     cfg.Sync.DebounceWindow,
	}, log)
	if err != nil {
		cache.Close()
		store.Close()
		return nil, err
	}

	cat.OnChange(coord.MarkBookChanged)
	led.OnChange(coord.MarkActivityChanged)

	svc := reader.New(cat, led, cache, store, remote, coord, reader.Options{
		MinDwell: cfg.Reading.MinDwell,
		MaxEvent: cfg.Reading.MaxEvent,
	}, log)

	return &services{
		cfg:    cfg,
		log:    log,
		store:  store,
		cache:  cache,
		cat:    cat,
		led:    led,
		coord:  coord,
		reader: svc,
	}, nil
}

func (s *services) close() {
	s.coord.Close()
	if err := s.cache.Close(); err != nil {
		s.log.Error("Failed to close blob cache", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := s.store.Close(); err != nil {
		s.log.Error("Failed to close record store", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func runServe(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}

	log.Info("Starting bookblue-sync", map[string]interface{}{
		"version":    version,
		"log_level":  cfg.Logging.Level,
		"log_format": cfg.Logging.Format,
	})

	svcs, err := buildServices(cfg, log)
	if err != nil {
		return err
	}
	defer svcs.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Merge the remote snapshot before anything can mutate local state.
	loadCtx, cancel := context.WithTimeout(ctx, cfg.Dropbox.Timeout)
	err = svcs.coord.Load(loadCtx)
	cancel()
	if err != nil {
		// The service still works locally; the next flush overwrites remote.
		log.Error("Initial snapshot merge failed, continuing with local state", map[string]interface{}{
			"error": err.Error(),
		})
	}

	svcs.reader.MigrateLegacyData()

	// Scheduled maintenance: cache sweeps on the configured cadence, ledger
	// retention daily.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Cache.CleanupSchedule, func() {
		svcs.cache.CleanupExpired()
		svcs.cache.Reconcile()
	}); err != nil {
		return fmt.Errorf("invalid cache cleanup schedule %q: %w", cfg.Cache.CleanupSchedule, err)
	}
	if _, err := scheduler.AddFunc("@daily", func() {
		svcs.led.CleanupOldData(cfg.Reading.RetentionMonths)
	}); err != nil {
		return fmt.Errorf("failed to schedule ledger cleanup: %w", err)
	}
	scheduler.Start()

	srv := server.New(":"+cfg.Server.Port, svcs.reader, svcs.coord, svcs.cache, log)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down", nil)
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Final flush so nothing dirty is lost across the restart.
	if svcs.coord.HasPendingChanges() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Dropbox.Timeout)
		defer cancel()
		if err := svcs.coord.Flush(flushCtx); err != nil {
			log.Error("Final flush failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return nil
}

func runSyncOnce(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}

	svcs, err := buildServices(cfg, log)
	if err != nil {
		return err
	}
	defer svcs.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Dropbox.Timeout)
	defer cancel()

	if err := svcs.coord.Load(ctx); err != nil {
		return err
	}
	svcs.reader.MigrateLegacyData()
	if err := svcs.coord.Flush(ctx); err != nil {
		return err
	}

	log.Info("One-time sync complete", map[string]interface{}{
		"last_sync": svcs.coord.LastSyncTime(),
	})
	return nil
}

func runCleanup(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}

	svcs, err := buildServices(cfg, log)
	if err != nil {
		return err
	}
	defer svcs.close()

	result := svcs.cache.CleanupExpired()
	svcs.cache.Reconcile()
	removed := svcs.led.CleanupOldData(cfg.Reading.RetentionMonths)

	log.Info("Maintenance complete", map[string]interface{}{
		"cache_books_removed":  result.BooksRemoved,
		"cache_covers_removed": result.CoversRemoved,
		"cache_bytes_freed":    result.BytesFreed,
		"ledger_days_removed":  removed,
	})
	return nil
}
