// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"

	"section-notifier/pkg/notifier"
	"section-notifier/poll"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

const emailCookieName = "section_notifier_email"

// Store interface for subscription management.
type Store interface {
	Subscribe(ctx context.Context, item notifier.ItemID, address string) (bool, error)
	Unsubscribe(ctx context.Context, item notifier.ItemID, address string) error
}

// Emailer interface for sending welcome emails.
type Emailer interface {
	SendWelcome(ctx context.Context, address string, items []notifier.ItemID) error
}

// Poller interface for triggering checks.
type Poller interface {
	RunCycle(ctx context.Context) *poll.CycleReport
	State() poll.State
}

// Tokens signs and verifies unsubscribe tokens.
type Tokens interface {
	TokenFromEmail(email string) string
	Verify(email, token string) bool
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	store      Store
	emailer    Emailer
	poller     Poller
	tokens     Tokens
	metrics    http.Handler
	logger     *slog.Logger
	isNotFound IsNotFound
	cfg        *Config
}

// Config holds server configuration.
type Config struct {
	Store      Store
	Emailer    Emailer
	Poller     Poller
	Tokens     Tokens
	Metrics    http.Handler // served at /metrics when set
	Logger     *slog.Logger
	IsNotFound IsNotFound
	BaseURL    string

	CORSAllowOrigins  []string
	RateLimitRequests int // per RateLimitWindow per client IP; 0 disables
	RateLimitWindow   time.Duration
	TrustProxyHeaders bool // rewrite RemoteAddr from X-Forwarded-For / X-Real-IP
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	isNotFound := cfg.IsNotFound
	if isNotFound == nil {
		isNotFound = func(error) bool { return false }
	}
	return &Server{
		store:      cfg.Store,
		emailer:    cfg.Emailer,
		poller:     cfg.Poller,
		tokens:     cfg.Tokens,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		isNotFound: isNotFound,
		cfg:        cfg,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if s.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	if len(s.cfg.CORSAllowOrigins) > 0 {
		c := corslib.New(corslib.Options{
			AllowedOrigins: s.cfg.CORSAllowOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		})
		r.Use(c.Handler)
	}

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Post("/pollz", s.handlePoll)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimitRequests > 0 {
			r.Use(rateLimit(s.cfg.RateLimitRequests, s.cfg.RateLimitWindow, s.logger))
		}
		r.Post("/subscribe", s.handleSubscribe)
		r.Get("/unsubscribe", s.handleUnsubscribeForm)
		r.Post("/unsubscribe", s.handleUnsubscribe)
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // /pollz runs a whole cycle
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)
	data := map[string]string{
		"SavedEmail": emailCookie(r),
	}
	s.render(w, http.StatusOK, "index.tmpl", data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := "unknown"
	if s.poller != nil {
		state = s.poller.State().String()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "poll_state": state}, s.logger)
}

// pollResponse is the JSON form of a cycle report.
type pollResponse struct {
	Status            string `json:"status"`
	Error             string `json:"error,omitempty"`
	Window            string `json:"window"`
	DurationMS        int64  `json:"duration_ms"`
	Items             int    `json:"items"`
	Open              int    `json:"open"`
	QueryFailures     int    `json:"query_failures"`
	Invalid           int    `json:"invalid_addresses"`
	EligiblePairs     int    `json:"eligible_pairs"`
	Messages          int    `json:"messages"`
	TransportFailures int    `json:"transport_failures"`
	Accepted          int    `json:"accepted"`
	Rejected          int    `json:"rejected"`
	Written           int    `json:"acknowledged"`
	WriteFailures     int    `json:"acknowledge_failures"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	rep := s.poller.RunCycle(r.Context())
	resp := pollResponse{
		Status:            "completed",
		Window:            rep.Window.String(),
		DurationMS:        rep.Duration.Milliseconds(),
		Items:             rep.Items,
		Open:              rep.Open,
		QueryFailures:     rep.QueryFailures,
		Invalid:           rep.Invalid,
		EligiblePairs:     rep.EligiblePairs,
		Messages:          rep.Messages,
		TransportFailures: rep.TransportFailures,
		Accepted:          rep.Accepted,
		Rejected:          rep.Rejected,
		Written:           rep.Written,
		WriteFailures:     rep.WriteFailures,
	}
	status := http.StatusOK
	if rep.Abandoned {
		s.logger.Error("Poll check failed", "error", rep.Err)
		resp.Status = "abandoned"
		if rep.Err != nil {
			resp.Error = rep.Err.Error()
		}
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp, s.logger)
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("Failed to render template", "template", name, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write JSON response", "error", err)
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
}

func setEmailCookie(w http.ResponseWriter, email string) {
	cookie := &http.Cookie{
		Name:     emailCookieName,
		Value:    email,
		Path:     "/",
		MaxAge:   365 * 24 * 60 * 60, // 1 year
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
	http.SetCookie(w, cookie)
}

func emailCookie(r *http.Request) string {
	cookie, err := r.Cookie(emailCookieName)
	if err != nil {
		return ""
	}
	// Validate the email from cookie before using it
	if !notifier.ValidAddress(cookie.Value) {
		return ""
	}
	return cookie.Value
}
