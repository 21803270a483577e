package server

import (
	"errors"
	"net/http"

	"iaai-notifier/poll"
)

// handleBotStatus serves GET /api/bot/status. Responses carry an ETag and are
// coalesced inside the poller; a matching If-None-Match collapses to 304.
func (s *Server) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	email, ok := s.requestEmail(w, r)
	if !ok {
		return
	}
	debug := r.URL.Query().Get("debug") == "1"

	status, err := s.poller.Status(r.Context(), email, debug, r.Header.Get("If-None-Match"))
	if err != nil {
		s.logger.Error("Status render failed", "email", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	w.Header().Set("ETag", status.ETag)
	w.Header().Set("Cache-Control", "private, max-age=0, must-revalidate")

	if status.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(status.JSON); err != nil {
		s.logger.Warn("Failed to write status response", "error", err)
	}
}

// handleBotSettings serves GET /api/bot/settings: the persisted preferences
// the UI needs to reflect auto-resume state after a restart.
func (s *Server) handleBotSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	email, ok := s.requestEmail(w, r)
	if !ok {
		return
	}

	continuousEnabled, filtersSet, err := s.poller.Settings(r.Context(), email)
	if err != nil {
		if s.isNotFound != nil && s.isNotFound(err) {
			s.writeError(w, http.StatusNotFound, "Unknown account")
			return
		}
		s.logger.Error("Settings read failed", "email", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"bot": map[string]any{
			"continuousEnabled": continuousEnabled,
			"filtersSet":        filtersSet,
		},
	})
}

// handleBotRun serves POST /api/bot/run?mode=once|start|stop. Start and stop
// persist the continuous flag before touching the schedule, so the durable
// intent survives a crash between the two steps.
func (s *Server) handleBotRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	email, ok := s.requestEmail(w, r)
	if !ok {
		return
	}

	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "once"
	}

	switch mode {
	case "once":
		run, err := s.poller.RunOnce(r.Context(), email)
		if err != nil {
			s.logger.Error("Manual poll failed", "email", email, "error", err)
			s.writeError(w, http.StatusInternalServerError, "IAAI error: "+err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "iaai": run.Response, "output": run.Output})

	case "start":
		if err := s.store.SetContinuous(r.Context(), email, true); err != nil {
			s.logger.Error("Failed to persist continuous flag", "email", email, "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to save preference")
			return
		}
		s.poller.NoteContinuousPreference(email, true)

		alreadyRunning := s.poller.Running(email)
		if err := s.poller.StartContinuous(r.Context(), email); err != nil {
			if errors.Is(err, poll.ErrNoFilters) {
				s.writeJSON(w, http.StatusOK, map[string]any{
					"ok":  false,
					"msg": "Not started: no filters saved for this user",
				})
				return
			}
			s.logger.Error("Failed to start continuous polling", "email", email, "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to start")
			return
		}

		s.writeJSON(w, http.StatusOK, map[string]any{
			"ok":             true,
			"pollMs":         s.poller.Interval().Milliseconds(),
			"alreadyRunning": alreadyRunning,
		})

	case "stop":
		if err := s.store.SetContinuous(r.Context(), email, false); err != nil {
			s.logger.Error("Failed to persist continuous flag", "email", email, "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to save preference")
			return
		}
		s.poller.NoteContinuousPreference(email, false)
		s.poller.StopContinuous(email)
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		s.writeError(w, http.StatusBadRequest, "Invalid mode. Use once|start|stop")
	}
}
