// Package server provides the diagnostics HTTP surface of the media cache:
// resolve, stats, self test, clear and metadata snapshot, plus health and
// Prometheus metrics endpoints.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/engine"
	"github.com/wolfeidau/media-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Logger for the server
	Logger *slog.Logger
}

// Server serves the diagnostics HTTP API over a cache engine. The engine's
// lifecycle belongs to the caller; the server only drives requests into it.
type Server struct {
	config     Config
	engine     *engine.Engine
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a server over the given engine.
func New(cfg Config, eng *engine.Engine) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		engine: eng,
		logger: cfg.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long timeout for large video downloads
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Resolve an asset and serve the cached file
	mux.HandleFunc("GET /media", s.handleMedia)
	mux.HandleFunc("HEAD /media", s.handleMedia)

	// Diagnostics operations
	mux.HandleFunc("POST /selftest", s.handleSelfTest)
	mux.HandleFunc("POST /clear", s.handleClear)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats returns the engine's aggregated per-class stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.engine.Stats(r.Context())); err != nil {
		s.logger.Warn("failed to encode stats", "error", err)
	}
}

// handleMedia resolves ?uri=&class= and serves the cached file. A resolve
// failure answers 502 with the error state so the caller can fall back to
// the source URI.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "media")

	sourceURI := r.URL.Query().Get("uri")
	if sourceURI == "" {
		http.Error(w, "missing uri parameter", http.StatusBadRequest)
		return
	}

	class, err := mediacache.ParseAssetClass(r.URL.Query().Get("class"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	telemetry.SetAssetClass(r, string(class))

	res := s.engine.Resolve(r.Context(), sourceURI, class)
	telemetry.SetCacheResult(r, cacheResultFor(res))

	if res.State != engine.StateReady {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		if err := json.NewEncoder(w).Encode(res); err != nil {
			s.logger.Warn("failed to encode resolution", "error", err)
		}
		return
	}

	w.Header().Set("X-Cache-Key", res.Key.String())
	w.Header().Set("X-Cache-Source", res.Source)
	http.ServeFile(w, r, res.LocalPath)
}

// handleSelfTest runs the engine self test.
func (s *Server) handleSelfTest(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "selftest")

	w.Header().Set("Content-Type", "application/json")
	if err := s.engine.SelfTest(r.Context()); err != nil {
		s.logger.Error("self test failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "fail",
			"error":  err.Error(),
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "pass"})
}

// handleClear empties every cache tier.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear")

	if err := s.engine.ClearAll(r.Context()); err != nil {
		s.logger.Error("clear failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"cleared"}`))
}

// handleSnapshot streams a compressed metadata snapshot.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "snapshot")

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", `attachment; filename="media-cache-snapshot.json.zst"`)
	if err := s.engine.WriteSnapshot(r.Context(), w); err != nil {
		// Headers are gone already, all we can do is log.
		s.logger.Error("snapshot export failed", "error", err)
	}
}

// cacheResultFor maps a resolution back onto the request tag vocabulary.
func cacheResultFor(res engine.Resolution) telemetry.CacheResult {
	switch res.Source {
	case "memory":
		return telemetry.CacheMemoryHit
	case "disk":
		return telemetry.CacheDiskHit
	case "download":
		return telemetry.CacheMiss
	default:
		return telemetry.CacheError
	}
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set class, cache_result, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.AssetClass != "" {
			attrs = append(attrs, "class", tags.AssetClass)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the full middleware-wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
