package server

import (
	"log/slog"
	"net/http"
	"strings"
)

// Relative URL prefixes returned in batch submission responses. They must
// match the route patterns registered below.
const (
	jobStatusPath   = "/api/videoconverter/status/"
	batchStatusPath = "/api/videoconverter/batch-status/"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string

	// StaticDir, when non-empty, is served read-only under StaticPrefix so
	// URLs minted by the local object store resolve against this server.
	StaticDir string
	// StaticPrefix is the URL path StaticDir is mounted on. Empty means
	// "/files".
	StaticPrefix string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /api/videoconverter/to-mp3", h.ConvertBatch)
	mux.HandleFunc("GET /api/videoconverter/status/{jobId}", h.JobStatus)
	mux.HandleFunc("GET /api/videoconverter/batch-status/{batchId}", h.BatchStatus)
	mux.HandleFunc("GET /api/videoconverter/jobs", h.ListJobs)
	mux.HandleFunc("POST /api/videoconverter/recovery/force", h.ForceRecovery)
	mux.HandleFunc("GET /api/videoconverter/diagnostics", h.Diagnostics)

	if cfg.StaticDir != "" {
		prefix := strings.TrimSuffix(cfg.StaticPrefix, "/")
		if prefix == "" {
			prefix = "/files"
		}
		mux.Handle("GET "+prefix+"/", http.StripPrefix(prefix+"/", http.FileServer(http.Dir(cfg.StaticDir))))
	}

	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
