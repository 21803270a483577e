// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"time"

	"iaai-notifier/pkg/tracker"
	"iaai-notifier/poll"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Store interface for account management.
type Store interface {
	TokenFromEmail(email string) string
	LoadByEmail(ctx context.Context, email string) (*tracker.Account, error)
	LoadByToken(ctx context.Context, token string) (*tracker.Account, error)
	Save(ctx context.Context, acct *tracker.Account) error
	SetContinuous(ctx context.Context, email string, enabled bool) error
	Delete(ctx context.Context, email string) error
}

// Poller interface for the per-user polling engine.
type Poller interface {
	RunOnce(ctx context.Context, email string) (*poll.RunResult, error)
	StartContinuous(ctx context.Context, email string) error
	StopContinuous(email string)
	Running(email string) bool
	ResetSeen(email string)
	NoteContinuousPreference(email string, enabled bool)
	Status(ctx context.Context, email string, debug bool, ifNoneMatch string) (*poll.Status, error)
	Settings(ctx context.Context, email string) (continuousEnabled, filtersSet bool, err error)
	Interval() time.Duration
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	store       Store
	poller      Poller
	logger      *slog.Logger
	isNotFound  IsNotFound
	rateLimiter *rateLimiter
}

// Config holds server configuration.
type Config struct {
	Store      Store
	Poller     Poller
	Logger     *slog.Logger
	IsNotFound IsNotFound
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		store:       cfg.Store,
		poller:      cfg.Poller,
		logger:      cfg.Logger,
		isNotFound:  cfg.IsNotFound,
		rateLimiter: newRateLimiter(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/bot/status", s.handleBotStatus)
	mux.HandleFunc("/api/bot/settings", s.handleBotSettings)
	mux.HandleFunc("/api/bot/run", s.handleBotRun)
	mux.HandleFunc("/api/filters", s.handleFilters)
	mux.HandleFunc("/api/subscribe", s.handleSubscribe)
	mux.HandleFunc("/api/unsubscribe", s.handleUnsubscribe)
	return mux
}

// ListenAndServe starts the server with timeouts to prevent resource
// exhaustion.
func (s *Server) ListenAndServe(port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"ok": false, "msg": msg})
}

// requestEmail pulls the acting user's email from the request. Authentication
// is handled upstream of this service; here the identity is taken at face
// value and validated for shape only.
func (s *Server) requestEmail(w http.ResponseWriter, r *http.Request) (string, bool) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if !isValidEmail(email) {
		s.writeError(w, http.StatusBadRequest, "Invalid or missing email")
		return "", false
	}
	return strings.ToLower(email), true
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	// Use mail.ParseAddress for robust validation
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}

// Rate limiter for account mutations (max 5 per IP per hour).
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string][]time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		clients: make(map[string][]time.Time),
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Hour)

	timestamps := rl.clients[ip]
	var recent []time.Time
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= 5 {
		return false
	}

	recent = append(recent, now)
	rl.clients[ip] = recent
	return true
}

func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header (Cloud Run)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	// Fallback to RemoteAddr
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
