package poll

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"iaai-notifier/pkg/tracker"
)

// botStatus is the user-facing half of the status payload.
type botStatus struct {
	Running           bool               `json:"running"`
	ContinuousEnabled *bool              `json:"continuousEnabled"`
	LastOutput        string             `json:"lastOutput"`
	LastRunAt         *int64             `json:"lastRunAt"` // unix millis, null when never run
	LastUserFilters   *tracker.FilterSet `json:"lastUserFilters,omitempty"`
	LastRequest       *requestDebug      `json:"lastIaaiRequest,omitempty"`
	LastResponse      *responseDebug     `json:"lastIaaiResponse,omitempty"`
}

type statusPayload struct {
	OK  bool      `json:"ok"`
	Bot botStatus `json:"bot"`
}

// Status is a rendered status snapshot ready for the HTTP layer.
type Status struct {
	JSON        []byte
	ETag        string
	NotModified bool
}

// Status renders the user's poll status. Snapshots are coalesced: within the
// configured window repeat calls get the cached JSON, and a matching
// If-None-Match collapses to a 304 with no body. The persisted continuous
// flag is read through a short-lived cache so status traffic does not hammer
// storage; a storage failure falls back to the cached value rather than
// failing the status read.
func (m *Monitor) Status(ctx context.Context, email string, debug bool, ifNoneMatch string) (*Status, error) {
	st := m.state(email)
	now := time.Now()

	// Debug requests bypass the snapshot cache, it never carries debug fields.
	if !debug {
		st.mu.Lock()
		if st.statusJSON != nil && now.Sub(st.statusAt) < m.statusMinInterval {
			cached := &Status{JSON: st.statusJSON, ETag: st.statusETag}
			if ifNoneMatch != "" && ifNoneMatch == st.statusETag {
				cached.NotModified = true
				cached.JSON = nil
			}
			st.mu.Unlock()
			return cached, nil
		}
		st.mu.Unlock()
	}

	continuous := m.refreshContinuous(ctx, email, st)

	st.mu.Lock()
	bot := botStatus{
		Running:           st.running,
		ContinuousEnabled: continuous,
		LastOutput:        st.lastOutput,
	}
	if !st.lastRunAt.IsZero() {
		millis := st.lastRunAt.UnixMilli()
		bot.LastRunAt = &millis
	}
	if debug {
		bot.LastUserFilters = st.lastFilters
		bot.LastRequest = st.lastRequest
		bot.LastResponse = st.lastResponse
	}
	st.mu.Unlock()

	data, err := json.Marshal(statusPayload{OK: true, Bot: bot})
	if err != nil {
		return nil, fmt.Errorf("marshal status: %w", err)
	}

	sum := sha256.Sum256(data)
	etag := hex.EncodeToString(sum[:])

	if !debug {
		st.mu.Lock()
		st.statusJSON = data
		st.statusAt = now
		st.statusETag = etag
		st.mu.Unlock()
	}

	status := &Status{JSON: data, ETag: etag}
	if ifNoneMatch != "" && ifNoneMatch == etag {
		status.NotModified = true
		status.JSON = nil
	}
	return status, nil
}

// refreshContinuous returns the persisted continuous flag, reading storage at
// most once per cache window. Returns nil when the flag has never been read
// and storage is unreachable.
func (m *Monitor) refreshContinuous(ctx context.Context, email string, st *state) *bool {
	now := time.Now()

	st.mu.Lock()
	if st.continuousKnown && now.Sub(st.continuousAt) < m.settingsMaxAge {
		enabled := st.continuousEnabled
		st.mu.Unlock()
		return &enabled
	}
	st.mu.Unlock()

	acct, err := m.store.LoadByEmail(ctx, email)
	if err != nil {
		m.logger.Warn("Failed to read continuous flag for status", "email", email, "error", err)
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.continuousKnown {
			enabled := st.continuousEnabled
			return &enabled
		}
		return nil
	}

	st.mu.Lock()
	st.continuousKnown = true
	st.continuousEnabled = acct.ContinuousEnabled
	st.continuousAt = now
	enabled := acct.ContinuousEnabled
	st.mu.Unlock()
	return &enabled
}

// Settings reports the persisted preferences the UI needs to reflect
// auto-resume state after a restart.
func (m *Monitor) Settings(ctx context.Context, email string) (continuousEnabled, filtersSet bool, err error) {
	acct, err := m.store.LoadByEmail(ctx, email)
	if err != nil {
		return false, false, fmt.Errorf("load account: %w", err)
	}

	st := m.state(email)
	st.mu.Lock()
	st.continuousKnown = true
	st.continuousEnabled = acct.ContinuousEnabled
	st.continuousAt = time.Now()
	st.mu.Unlock()

	return acct.ContinuousEnabled, acct.Filters.HasAnyFilterSet(), nil
}
