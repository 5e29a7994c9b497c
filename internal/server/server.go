// Package server exposes the small local admin surface: health, an
// immediate-flush trigger, and read-only stats.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bookblue/bookblue-sync/internal/blobcache"
	"github.com/bookblue/bookblue-sync/internal/logger"
	"github.com/bookblue/bookblue-sync/internal/reader"
	syncsvc "github.com/bookblue/bookblue-sync/internal/sync"
)

// Server represents the HTTP server
type Server struct {
	server      *http.Server
	reader      *reader.Service
	coordinator *syncsvc.Coordinator
	cache       *blobcache.Cache
	logger      *logger.Logger
}

// New creates a new HTTP server
func New(addr string, svc *reader.Service, coord *syncsvc.Coordinator, cache *blobcache.Cache, log *logger.Logger) *Server {
	s := &Server{
		server: &http.Server{
			Addr: addr,
		},
		reader:      svc,
		coordinator: coord,
		cache:       cache,
		logger:      log,
	}

	handler := http.NewServeMux()
	handler.HandleFunc("/healthz", s.handleHealthCheck)
	handler.HandleFunc("/sync", s.handleSync)
	handler.HandleFunc("/stats", s.handleStats)
	s.server.Handler = handler

	s.server.ReadTimeout = 10 * time.Second
	s.server.WriteTimeout = 30 * time.Second
	s.server.IdleTimeout = 120 * time.Second

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", map[string]interface{}{
		"addr": s.server.Addr,
	})

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server", nil)
	return s.server.Shutdown(ctx)
}

// handleHealthCheck handles health check requests
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleSync triggers an immediate snapshot flush, bypassing the debounce.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.coordinator.Flush(r.Context()); err != nil {
		s.logger.Error("Manual flush failed", map[string]interface{}{
			"error": err.Error(),
		})
		http.Error(w, "Sync failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"synced"}`)
}

// handleStats reports reading statistics, cache accounting, and sync state.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cacheStats := s.cache.GetStats()
	payload := map[string]interface{}{
		"reading": s.reader.GetStats(),
		"cache": map[string]interface{}{
			"bookCount":  cacheStats.BookCount,
			"bookBytes":  cacheStats.BookBytes,
			"coverCount": cacheStats.CoverCount,
			"coverBytes": cacheStats.CoverBytes,
		},
		"sync": map[string]interface{}{
			"pending":  s.coordinator.HasPendingChanges(),
			"lastSync": s.coordinator.LastSyncTime(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode stats response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
