package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/wecom-gw/internal/wxcrypt"
)

// Server is the callback HTTP server.
type Server struct {
	config   Config
	crypter  *wxcrypt.Crypter
	handlers Dispatcher
	ledger   Ledger
	creds    CredentialAdmin
	events   EventFeed
	logger   *slog.Logger
	server   *http.Server

	started time.Time
	now     func() time.Time
}

// New creates a callback server. ledger, creds and feed may be nil; the
// corresponding features are then skipped.
func New(config Config, crypter *wxcrypt.Crypter, handlers Dispatcher, ledger Ledger, creds CredentialAdmin, feed EventFeed, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = DefaultHandlerTimeout
	}
	if config.Name == "" {
		config.Name = "wecom-gw"
	}
	return &Server{
		config:   config,
		crypter:  crypter,
		handlers: handlers,
		ledger:   ledger,
		creds:    creds,
		events:   feed,
		logger:   logger,
		started:  time.Now(),
		now:      time.Now,
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      s.config.HandlerTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("callback server starting", "listen", s.config.Listen, "admin", s.adminEnabled())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("callback server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("callback server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("callback server error: %w", err)
	}
}

// Handler returns the routed handler, for Start and for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleInfo)
	r.Get("/health", s.handleHealth)

	r.Get("/wechat/verify", s.handleVerify)
	// The console configures a single URL, so the handshake is accepted on
	// the callback path too.
	r.Get("/wechat/callback", s.handleVerify)
	r.Post("/wechat/callback", s.handleCallback)

	if s.adminEnabled() {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/events", s.handleEvents)
			r.Get("/ledger", s.handleLedger)
			r.Get("/credential", s.handleCredential)
			r.Post("/credential/invalidate", s.handleInvalidate)
		})
	}

	return r
}

func (s *Server) adminEnabled() bool {
	return s.config.AdminEnabled && s.config.AdminAPIKey != ""
}

// loggingMiddleware logs HTTP requests. Bodies and query strings carry
// ciphertext and signatures, so only the path is logged.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	routes := []string{"GET /wechat/verify", "POST /wechat/callback", "GET /health"}
	if s.adminEnabled() {
		routes = append(routes, "GET /admin/events", "GET /admin/ledger", "GET /admin/credential", "POST /admin/credential/invalidate")
	}
	s.respondJSON(w, http.StatusOK, InfoResponse{
		Service: s.config.Name,
		Version: s.config.Version,
		Status:  "running",
		Routes:  routes,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, HealthResponse{
		Status: "healthy",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}

// forbid answers a failed verification. The body is always empty.
func forbid(w http.ResponseWriter) {
	w.WriteHeader(http.StatusForbidden)
}

// ack answers a callback with an empty 200, which the platform treats as
// delivered.
func ack(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
}
