package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"iaai-notifier/pkg/tracker"
)

// Whitelists for the enumerated filter fields. Values outside these lists are
// silently dropped, matching what the upstream search form offers.
var (
	allowedInventoryTypes = []string{"Automobiles", "Motorcycles"}
	allowedFuelTypes      = []string{"Electric", "Other"}
)

// handleFilters serves GET and POST /api/filters. Saving filters resets the
// user's seen state: listings matched under the old filters are not
// comparable under the new ones.
func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleFiltersGet(w, r)
	case http.MethodPost:
		s.handleFiltersPost(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFiltersGet(w http.ResponseWriter, r *http.Request) {
	email, ok := s.requestEmail(w, r)
	if !ok {
		return
	}

	acct, err := s.store.LoadByEmail(r.Context(), email)
	if err != nil {
		if s.isNotFound != nil && s.isNotFound(err) {
			s.writeError(w, http.StatusNotFound, "Unknown account")
			return
		}
		s.logger.Error("Failed to load account", "email", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "filters": acct.Filters})
}

func (s *Server) handleFiltersPost(w http.ResponseWriter, r *http.Request) {
	email, ok := s.requestEmail(w, r)
	if !ok {
		return
	}

	var filters tracker.FilterSet
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&filters); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid filter payload")
		return
	}

	acct, err := s.store.LoadByEmail(r.Context(), email)
	if err != nil {
		if s.isNotFound != nil && s.isNotFound(err) {
			s.writeError(w, http.StatusNotFound, "Unknown account")
			return
		}
		s.logger.Error("Failed to load account", "email", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	acct.Filters = normalizeFilters(&filters)
	if err := s.store.Save(r.Context(), acct); err != nil {
		s.logger.Error("Failed to save filters", "email", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to save filters")
		return
	}

	// Old listings are not comparable under new filters.
	s.poller.ResetSeen(email)

	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "filters": acct.Filters})
}

// handleSubscribe serves POST /api/subscribe: registers a new account, with
// optional initial filters.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if !s.rateLimiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		s.writeError(w, http.StatusTooManyRequests, "Too many requests, try again later")
		return
	}

	var req struct {
		Email   string             `json:"email"`
		Filters *tracker.FilterSet `json:"filters"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !isValidEmail(email) {
		s.writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}

	if existing, err := s.store.LoadByEmail(r.Context(), email); err == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "token": existing.Token, "existing": true})
		return
	} else if s.isNotFound != nil && !s.isNotFound(err) {
		s.logger.Error("Failed to check existing account", "email", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	acct := &tracker.Account{
		Email:     email,
		Token:     s.store.TokenFromEmail(email),
		Filters:   normalizeFilters(req.Filters),
		CreatedAt: time.Now(),
	}
	if err := s.store.Save(r.Context(), acct); err != nil {
		s.logger.Error("Failed to save account", "email", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to save account")
		return
	}

	s.logger.Info("Account created", "email", email, "ip", ip)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "token": acct.Token})
}

// handleUnsubscribe serves GET /api/unsubscribe?token=... from email footers.
// The schedule is stopped and the account removed.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		s.writeError(w, http.StatusBadRequest, "Missing token")
		return
	}

	acct, err := s.store.LoadByToken(r.Context(), token)
	if err != nil {
		if s.isNotFound != nil && s.isNotFound(err) {
			s.writeError(w, http.StatusNotFound, "Unknown token")
			return
		}
		s.logger.Error("Failed to load account by token", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	s.poller.StopContinuous(acct.Email)
	if err := s.store.Delete(r.Context(), acct.Email); err != nil {
		s.logger.Error("Failed to delete account", "email", acct.Email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to unsubscribe")
		return
	}

	s.logger.Info("Account unsubscribed", "email", acct.Email)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// normalizeFilters trims free-text fields and reduces enumerated fields to
// their whitelists. Never returns nil.
func normalizeFilters(f *tracker.FilterSet) *tracker.FilterSet {
	if f == nil {
		return &tracker.FilterSet{}
	}

	out := *f
	out.Name = strings.TrimSpace(f.Name)
	out.FullSearch = strings.TrimSpace(f.FullSearch)
	out.AuctionType = strings.TrimSpace(f.AuctionType)
	out.InventoryTypes = intersect(f.InventoryTypes, allowedInventoryTypes)
	out.FuelTypes = intersect(f.FuelTypes, allowedFuelTypes)
	return &out
}

// intersect keeps allowed values in their canonical order, dropping unknowns
// and duplicates.
func intersect(values, allowed []string) []string {
	var out []string
	for _, want := range allowed {
		for _, v := range values {
			if strings.EqualFold(strings.TrimSpace(v), want) {
				out = append(out, want)
				break
			}
		}
	}
	return out
}
