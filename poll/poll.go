// Package poll runs the per-user polling loop: build payload, call upstream,
// extract listings, diff against the last poll, and email changes.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"iaai-notifier/diff"
	"iaai-notifier/payload"
	"iaai-notifier/pkg/tracker"
	"iaai-notifier/scraper"
)

// ErrNoFilters is returned by StartContinuous when the user has no filters
// saved. An unconstrained query must never be scheduled.
var ErrNoFilters = errors.New("no filters saved for this user")

// maxDebugResponseChars caps how much of an upstream body the status surface
// retains.
const maxDebugResponseChars = 8000

// Searcher performs the upstream search call.
type Searcher interface {
	Search(ctx context.Context, body []byte) (*scraper.Result, error)
}

// Extractor pulls listings out of a response body.
type Extractor interface {
	Extract(body string, limit int) []*tracker.Listing
}

// Store provides account persistence.
type Store interface {
	LoadByEmail(ctx context.Context, email string) (*tracker.Account, error)
	List(ctx context.Context) ([]*tracker.Account, error)
}

// Emailer sends change digests.
type Emailer interface {
	SendChanges(ctx context.Context, acct *tracker.Account, changes []*tracker.Change) error
}

// requestDebug captures the last upstream request for the debug status view.
type requestDebug struct {
	URL     string `json:"url,omitempty"`
	Payload string `json:"payload"`
}

// responseDebug captures the last upstream response for the debug status view.
type responseDebug struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Text        string `json:"text"`
}

// state is one user's polling state. All fields are guarded by mu.
type state struct {
	mu sync.Mutex

	running  bool
	inFlight bool
	entryID  cron.EntryID

	lastOutput string
	lastRunAt  time.Time
	lastSeen   diff.SeenState
	lastCount  int

	// read-through cache of the persisted continuous flag
	continuousKnown   bool
	continuousEnabled bool
	continuousAt      time.Time

	// status response coalescing
	statusAt   time.Time
	statusJSON []byte
	statusETag string

	lastFilters  *tracker.FilterSet
	lastRequest  *requestDebug
	lastResponse *responseDebug
}

// Monitor owns the per-user polling state machines and their schedule.
type Monitor struct {
	searcher  Searcher
	extractor Extractor
	store     Store
	emailer   Emailer
	logger    *slog.Logger
	cron      *cron.Cron

	interval          time.Duration
	extractLimit      int
	statusMinInterval time.Duration
	settingsMaxAge    time.Duration

	mu     sync.Mutex
	states map[string]*state
}

// Options tune the monitor's timing knobs.
type Options struct {
	Interval          time.Duration // poll interval in continuous mode
	ExtractLimit      int           // max listings per extraction
	StatusMinInterval time.Duration // status snapshot coalescing window
	SettingsMaxAge    time.Duration // continuous-flag cache window
}

// New creates a poll monitor. Call Start to begin dispatching scheduled polls.
func New(searcher Searcher, extractor Extractor, store Store, emailer Emailer, logger *slog.Logger, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.ExtractLimit <= 0 {
		opts.ExtractLimit = 200
	}
	if opts.StatusMinInterval <= 0 {
		opts.StatusMinInterval = time.Second
	}
	if opts.SettingsMaxAge <= 0 {
		opts.SettingsMaxAge = 5 * time.Second
	}

	return &Monitor{
		searcher:          searcher,
		extractor:         extractor,
		store:             store,
		emailer:           emailer,
		logger:            logger,
		cron:              cron.New(),
		interval:          opts.Interval,
		extractLimit:      opts.ExtractLimit,
		statusMinInterval: opts.StatusMinInterval,
		settingsMaxAge:    opts.SettingsMaxAge,
		states:            make(map[string]*state),
	}
}

// Start begins dispatching scheduled polls.
func (m *Monitor) Start() {
	m.cron.Start()
}

// Stop cancels the schedule and waits for running jobs to finish.
func (m *Monitor) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// Interval reports the continuous-mode poll interval.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

func (m *Monitor) state(email string) *state {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[email]
	if !ok {
		st = &state{lastSeen: diff.SeenState{}}
		m.states[email] = st
	}
	return st
}

// RunResult is what a single poll leaves behind for the caller.
type RunResult struct {
	Output   string
	Response *responseDebug
}

// RunOnce executes one poll for the user. Overlapping calls are guarded: if a
// poll is already in flight the call returns immediately with a skip
// diagnostic and no upstream request is made. Transport errors are recorded
// in the diagnostic and returned; the seen state is untouched by them.
func (m *Monitor) RunOnce(ctx context.Context, email string) (*RunResult, error) {
	st := m.state(email)

	st.mu.Lock()
	if st.inFlight {
		st.lastOutput = "IAAI poll skipped (previous poll still running)"
		result := &RunResult{Output: st.lastOutput, Response: st.lastResponse}
		st.mu.Unlock()
		m.logger.Info("Poll skipped, previous still in flight", "email", email)
		return result, nil
	}
	st.inFlight = true
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.inFlight = false
		st.statusJSON = nil
		st.mu.Unlock()
	}()

	acct, err := m.store.LoadByEmail(ctx, email)
	if err != nil {
		m.recordError(st, fmt.Errorf("load account: %w", err))
		return nil, fmt.Errorf("load account: %w", err)
	}

	body, err := payload.MarshalBody(payload.Build(acct.Filters))
	if err != nil {
		m.recordError(st, fmt.Errorf("marshal payload: %w", err))
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	st.mu.Lock()
	st.lastFilters = acct.Filters
	st.lastRequest = &requestDebug{Payload: string(body)}
	st.mu.Unlock()

	result, err := m.searcher.Search(ctx, body)
	if err != nil {
		m.recordError(st, err)
		return nil, fmt.Errorf("upstream search: %w", err)
	}

	output := result.Summary()
	var vehicles []*tracker.Listing
	var changes []*tracker.Change

	if result.IsHTML() {
		vehicles = m.extractor.Extract(result.Body, m.extractLimit)

		st.mu.Lock()
		prevSeen := st.lastSeen
		changes, st.lastSeen = diff.Diff(prevSeen, vehicles)
		st.lastCount = len(vehicles)
		st.mu.Unlock()

		switch {
		case len(changes) == 0:
			output += " | no changes detected"
		case acct.Email == "":
			output += " | user has no email set"
		default:
			if sendErr := m.emailer.SendChanges(ctx, acct, changes); sendErr != nil {
				m.logger.Error("Failed to send change digest", "email", acct.Email, "error", sendErr)
				output += fmt.Sprintf(" | email failed: %v", sendErr)
			} else {
				output += fmt.Sprintf(" | emailed %d update(s)", len(changes))
			}
		}
	}

	st.mu.Lock()
	st.lastRunAt = time.Now()
	st.lastOutput = output
	st.lastResponse = &responseDebug{
		Status:      result.Status,
		ContentType: result.ContentType,
		Text:        truncateText(result.Body, maxDebugResponseChars),
	}
	run := &RunResult{Output: st.lastOutput, Response: st.lastResponse}
	st.mu.Unlock()

	m.logger.Info("Poll completed",
		"email", email,
		"status", result.Status,
		"listings", len(vehicles),
		"changes", len(changes))

	return run, nil
}

// recordError stores a poll failure in the diagnostic surface so the status
// endpoint can distinguish it from "no changes".
func (m *Monitor) recordError(st *state, err error) {
	st.mu.Lock()
	st.lastRunAt = time.Now()
	st.lastOutput = fmt.Sprintf("IAAI error: %v", err)
	st.lastResponse = &responseDebug{ContentType: "error", Text: st.lastOutput}
	st.mu.Unlock()
}

// StartContinuous schedules recurring polls for the user. It is idempotent:
// a second call while running does nothing. The user must have at least one
// filter saved, otherwise ErrNoFilters is returned and nothing is scheduled.
// One poll runs immediately; its transport errors do not prevent scheduling.
func (m *Monitor) StartContinuous(ctx context.Context, email string) error {
	st := m.state(email)

	st.mu.Lock()
	if st.running && st.entryID != 0 {
		st.mu.Unlock()
		m.logger.Info("Continuous polling already running", "email", email)
		return nil
	}
	st.mu.Unlock()

	acct, err := m.store.LoadByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	if !acct.Filters.HasAnyFilterSet() {
		st.mu.Lock()
		st.running = false
		if st.entryID != 0 {
			m.cron.Remove(st.entryID)
			st.entryID = 0
		}
		st.lastRunAt = time.Now()
		st.lastOutput = "Not started: no filters saved for this user"
		st.statusJSON = nil
		st.mu.Unlock()
		return ErrNoFilters
	}

	st.mu.Lock()
	if st.entryID != 0 {
		m.cron.Remove(st.entryID)
		st.entryID = 0
	}
	st.running = true
	st.statusJSON = nil
	st.mu.Unlock()

	if _, err := m.RunOnce(ctx, email); err != nil {
		m.logger.Warn("Initial poll failed, continuing with schedule", "email", email, "error", err)
	}

	entryID, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.interval), func() {
		if _, runErr := m.RunOnce(context.Background(), email); runErr != nil {
			// Recorded in the diagnostic already; the schedule keeps ticking.
			m.logger.Warn("Scheduled poll failed", "email", email, "error", runErr)
		}
	})
	if err != nil {
		st.mu.Lock()
		st.running = false
		st.mu.Unlock()
		return fmt.Errorf("schedule poll: %w", err)
	}

	st.mu.Lock()
	st.entryID = entryID
	st.mu.Unlock()

	m.logger.Info("Continuous polling started", "email", email, "interval", m.interval)
	return nil
}

// StopContinuous cancels the user's schedule. Idempotent.
func (m *Monitor) StopContinuous(email string) {
	st := m.state(email)

	st.mu.Lock()
	st.running = false
	if st.entryID != 0 {
		m.cron.Remove(st.entryID)
		st.entryID = 0
	}
	st.statusJSON = nil
	st.mu.Unlock()

	m.logger.Info("Continuous polling stopped", "email", email)
}

// Running reports whether the user has an active schedule.
func (m *Monitor) Running(email string) bool {
	st := m.state(email)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.running && st.entryID != 0
}

// ResetSeen clears the user's seen state so the next poll reports everything
// as new. Called when filters change, since old listings are not comparable
// across filter sets.
func (m *Monitor) ResetSeen(email string) {
	st := m.state(email)
	st.mu.Lock()
	st.lastSeen = diff.SeenState{}
	st.statusJSON = nil
	st.mu.Unlock()

	m.logger.Info("Seen state reset", "email", email)
}

// NoteContinuousPreference updates the cached persisted flag after the caller
// has written it to storage, and invalidates the status snapshot.
func (m *Monitor) NoteContinuousPreference(email string, enabled bool) {
	st := m.state(email)
	st.mu.Lock()
	st.continuousKnown = true
	st.continuousEnabled = enabled
	st.continuousAt = time.Now()
	st.statusJSON = nil
	st.mu.Unlock()
}

// ResumeAll restarts continuous polling for every account whose persisted
// flag is set. Called once at boot. Per-user failures are recorded in that
// user's diagnostic and do not stop the sweep.
func (m *Monitor) ResumeAll(ctx context.Context) (resumed int, err error) {
	accts, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	for _, acct := range accts {
		if !acct.ContinuousEnabled {
			continue
		}

		if startErr := m.StartContinuous(ctx, acct.Email); startErr != nil {
			m.logger.Error("Failed to resume continuous polling", "email", acct.Email, "error", startErr)
			if !errors.Is(startErr, ErrNoFilters) {
				st := m.state(acct.Email)
				st.mu.Lock()
				st.lastRunAt = time.Now()
				st.lastOutput = fmt.Sprintf("Resume failed: %v", startErr)
				st.mu.Unlock()
			}
			continue
		}

		if m.Running(acct.Email) {
			resumed++
		}
	}

	m.logger.Info("Continuous polling resumed", "resumed", resumed, "interval", m.interval)
	return resumed, nil
}

func truncateText(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
