package predictor

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Options configure the server beyond its handlers.
type Options struct {
	RateLimit float64
	RateBurst int
	// MetricsHandler is mounted on GET /metrics when set.
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// Server is the HTTP server for a prediction service.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a prediction server listening on addr.
func NewServer(addr string, h *Handlers, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      Routes(h, opts),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Routes builds the server's handler tree.
func Routes(h *Handlers, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := RateLimitMiddleware(opts.RateLimit, opts.RateBurst)

	mux := http.NewServeMux()

	// Probes are never rate limited.
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)

	mux.Handle("POST /invocations", limit(http.HandlerFunc(h.Invocations)))

	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}

	return LoggingMiddleware(logger)(mux)
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
