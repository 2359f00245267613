package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"trash-upload/internal/relay"
)

// BuildInfo identifies the running binary in health output and logs.
type BuildInfo struct {
	Version string
	Commit  string
}

type Config struct {
	Addr  string // e.g. ":8080"
	Build BuildInfo

	// BaseURL overrides the host used when constructing download URLs.
	// Empty means derive it from the incoming request.
	BaseURL string

	Relay *relay.Manager

	// RateLimit requests per RateWindow per client IP. Zero disables
	// the limiter.
	RateLimit  int
	RateWindow time.Duration
}

type Server struct {
	cfg        Config
	relay      *relay.Manager
	httpServer *http.Server
	startedAt  time.Time
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:       cfg,
		relay:     cfg.Relay,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.uploadHandler)
	mux.HandleFunc("GET /download/{id}", s.downloadHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /quota", s.quotaHandler)
	mux.HandleFunc("GET /metrics", s.metricsTextHandler)
	mux.HandleFunc("GET /metrics.json", s.metricsJSONHandler)

	// Wrap middleware: requestID -> logging -> ratelimit -> headers -> mux
	var handler http.Handler = mux
	handler = securityHeadersMiddleware(handler)
	if cfg.RateLimit > 0 {
		rl := newRateLimiter(cfg.RateLimit, cfg.RateWindow)
		handler = rl.middleware(handler)
	}
	handler = loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler exposes the middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
