// Package api exposes the orchestration layer over a JSON HTTP API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kragentic/orchestrator/internal/agent"
	"github.com/kragentic/orchestrator/internal/conversation"
	"github.com/kragentic/orchestrator/internal/knowledge"
	"github.com/kragentic/orchestrator/internal/synthesis"
)

// Conversationalist runs one conversational turn.
type Conversationalist interface {
	Converse(ctx context.Context, key, message, customerID string) (*agent.Result, error)
}

// HistoryStore reads and clears stored conversation transcripts.
type HistoryStore interface {
	Load(ctx context.Context, key string) ([]conversation.Message, error)
	Clear(ctx context.Context, key string) (bool, error)
}

// KnowledgeBase manages the retrieval index.
type KnowledgeBase interface {
	Ingest(ctx context.Context, doc knowledge.Document) (string, int, error)
	IngestBatch(ctx context.Context, docs []knowledge.Document) []knowledge.BatchResult
	Search(ctx context.Context, query string, topK int, filter map[string]string) ([]knowledge.SearchResult, bool, error)
	Delete(ctx context.Context, documentID string) (int, error)
	Stats(ctx context.Context) (*knowledge.Stats, error)
}

// Synthesizer produces speech audio and reports provider health.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, provider, voice string) (*synthesis.Result, error)
	HealthCheck(ctx context.Context) *synthesis.Health
}

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger      *slog.Logger
	Loop        Conversationalist // Required
	History     HistoryStore      // Required
	Knowledge   KnowledgeBase     // Optional: nil disables document and search routes
	Synthesizer Synthesizer       // Optional: nil disables synthesis routes
	Pool        *pgxpool.Pool     // Optional: nil disables pool ping in /ready
	TrustProxy  bool              // Trust X-Real-IP/X-Forwarded-For headers (behind reverse proxy)
	RateBurst   int               // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Loop == nil {
		return nil, errors.New("conversation loop is required")
	}
	if cfg.History == nil {
		return nil, errors.New("history store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	ch := &converseHandler{loop: cfg.Loop, history: cfg.History, logger: logger}
	mux.HandleFunc("POST /api/v1/converse", ch.converse)
	mux.HandleFunc("GET /api/v1/conversations/{key}", ch.getConversation)
	mux.HandleFunc("DELETE /api/v1/conversations/{key}", ch.deleteConversation)

	if cfg.Knowledge != nil {
		kh := &knowledgeHandler{pipeline: cfg.Knowledge, logger: logger}
		mux.HandleFunc("POST /api/v1/documents", kh.ingest)
		mux.HandleFunc("POST /api/v1/documents/batch", kh.ingestBatch)
		mux.HandleFunc("DELETE /api/v1/documents/{id}", kh.deleteDocument)
		mux.HandleFunc("POST /api/v1/search", kh.search)
		mux.HandleFunc("GET /api/v1/knowledge/stats", kh.stats)
	}

	if cfg.Synthesizer != nil {
		sh := &synthesisHandler{chain: cfg.Synthesizer, logger: logger}
		mux.HandleFunc("POST /api/v1/synthesize", sh.synthesize)
		mux.HandleFunc("GET /api/v1/synthesis/health", sh.health)
	}

	// Rate limiter: per-IP token bucket (1 token/sec refill)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → RateLimit → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Top-level mux keeps health probes outside the middleware stack so
	// orchestrators never get rate limited.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// health is a simple liveness endpoint for container probes.
func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readiness reports whether the server can reach its database. With a nil
// pool the endpoint degrades to a liveness check.
func readiness(pool *pgxpool.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pool == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  "database unreachable",
			})
			return
		}

		stat := pool.Stat()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ready",
			"total_conns":    stat.TotalConns(),
			"idle_conns":     stat.IdleConns(),
			"acquired_conns": stat.AcquiredConns(),
			"max_conns":      stat.MaxConns(),
		})
	})
}
