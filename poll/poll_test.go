package poll

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"iaai-notifier/pkg/tracker"
	"iaai-notifier/scraper"
)

type fakeSearcher struct {
	mu      sync.Mutex
	calls   int
	result  *scraper.Result
	err     error
	started chan struct{} // closed-ish signal per call, optional
	release chan struct{} // blocks the call until closed, optional
}

func (f *fakeSearcher) Search(_ context.Context, _ []byte) (*scraper.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeExtractor struct {
	listings []*tracker.Listing
}

func (f *fakeExtractor) Extract(_ string, _ int) []*tracker.Listing {
	return f.listings
}

type fakeStore struct {
	mu    sync.Mutex
	accts map[string]*tracker.Account
	err   error
}

func (f *fakeStore) LoadByEmail(_ context.Context, email string) (*tracker.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	acct, ok := f.accts[email]
	if !ok {
		return nil, errors.New("storage: object doesn't exist")
	}
	return acct, nil
}

func (f *fakeStore) List(_ context.Context) ([]*tracker.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*tracker.Account
	for _, acct := range f.accts {
		out = append(out, acct)
	}
	return out, nil
}

type fakeEmailer struct {
	mu   sync.Mutex
	sent [][]*tracker.Change
	err  error
}

func (f *fakeEmailer) SendChanges(_ context.Context, _ *tracker.Account, changes []*tracker.Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, changes)
	return nil
}

func (f *fakeEmailer) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func htmlResult(body string) *scraper.Result {
	return &scraper.Result{Status: 200, ContentType: "text/html; charset=utf-8", Body: body}
}

func accountWithFilters(email string) *tracker.Account {
	return &tracker.Account{
		Email:   email,
		Filters: &tracker.FilterSet{FuelTypes: []string{"Electric"}},
	}
}

func newTestMonitor(s Searcher, e Extractor, store Store, mail Emailer) *Monitor {
	return New(s, e, store, mail, slog.Default(), Options{
		Interval:          time.Hour,
		StatusMinInterval: time.Hour,
		SettingsMaxAge:    time.Hour,
	})
}

func TestRunOnceEmailsChangesThenGoesQuiet(t *testing.T) {
	const email = "user@example.com"

	searcher := &fakeSearcher{result: htmlResult("<html>listings</html>")}
	extractor := &fakeExtractor{listings: []*tracker.Listing{{StockID: "31415926", Price: "$500"}}}
	store := &fakeStore{accts: map[string]*tracker.Account{email: accountWithFilters(email)}}
	mail := &fakeEmailer{}
	m := newTestMonitor(searcher, extractor, store, mail)

	run, err := m.RunOnce(context.Background(), email)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !strings.Contains(run.Output, "emailed 1 update(s)") {
		t.Errorf("first run output = %q", run.Output)
	}
	if mail.sendCount() != 1 {
		t.Fatalf("emailer called %d times, want 1", mail.sendCount())
	}
	if mail.sent[0][0].Type != tracker.ChangeNew {
		t.Errorf("change type = %q, want NEW", mail.sent[0][0].Type)
	}

	// Same listings again: the seen state was committed, so nothing fires.
	run, err = m.RunOnce(context.Background(), email)
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if !strings.Contains(run.Output, "no changes detected") {
		t.Errorf("second run output = %q", run.Output)
	}
	if mail.sendCount() != 1 {
		t.Errorf("emailer called %d times after second run, want still 1", mail.sendCount())
	}
}

func TestRunOnceOverlapGuard(t *testing.T) {
	const email = "user@example.com"

	searcher := &fakeSearcher{
		result:  htmlResult("<html></html>"),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	store := &fakeStore{accts: map[string]*tracker.Account{email: accountWithFilters(email)}}
	m := newTestMonitor(searcher, &fakeExtractor{}, store, &fakeEmailer{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := m.RunOnce(context.Background(), email); err != nil {
			t.Errorf("blocked RunOnce: %v", err)
		}
	}()

	<-searcher.started // the first poll is now inside the upstream call

	run, err := m.RunOnce(context.Background(), email)
	if err != nil {
		t.Fatalf("overlapping RunOnce: %v", err)
	}
	if !strings.Contains(run.Output, "skipped (previous poll still running)") {
		t.Errorf("overlap output = %q", run.Output)
	}
	if searcher.callCount() != 1 {
		t.Errorf("upstream called %d times, want 1", searcher.callCount())
	}

	close(searcher.release)
	<-done
}

func TestRunOnceTransportErrorRecorded(t *testing.T) {
	const email = "user@example.com"

	searcher := &fakeSearcher{err: errors.New("connection refused")}
	store := &fakeStore{accts: map[string]*tracker.Account{email: accountWithFilters(email)}}
	m := newTestMonitor(searcher, &fakeExtractor{}, store, &fakeEmailer{})

	if _, err := m.RunOnce(context.Background(), email); err == nil {
		t.Fatal("RunOnce should surface the transport error")
	}

	status, err := m.Status(context.Background(), email, false, "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !strings.Contains(string(status.JSON), "IAAI error") {
		t.Errorf("status JSON missing diagnostic: %s", status.JSON)
	}
}

func TestRunOnceEmailFailureStillCommitsSeen(t *testing.T) {
	const email = "user@example.com"

	searcher := &fakeSearcher{result: htmlResult("<html></html>")}
	extractor := &fakeExtractor{listings: []*tracker.Listing{{StockID: "31415926", Price: "$500"}}}
	store := &fakeStore{accts: map[string]*tracker.Account{email: accountWithFilters(email)}}
	m := newTestMonitor(searcher, extractor, store, &fakeEmailer{err: errors.New("smtp down")})

	run, err := m.RunOnce(context.Background(), email)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !strings.Contains(run.Output, "email failed: smtp down") {
		t.Errorf("output = %q", run.Output)
	}

	// The digest was lost, but the listing still counts as seen.
	run, err = m.RunOnce(context.Background(), email)
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if !strings.Contains(run.Output, "no changes detected") {
		t.Errorf("second output = %q", run.Output)
	}
}

func TestRunOncePersistenceErrorSurfaced(t *testing.T) {
	store := &fakeStore{err: errors.New("bucket unavailable")}
	m := newTestMonitor(&fakeSearcher{}, &fakeExtractor{}, store, &fakeEmailer{})

	if _, err := m.RunOnce(context.Background(), "user@example.com"); err == nil {
		t.Fatal("RunOnce should fail when the account cannot be loaded")
	}
}

func TestStartContinuousRequiresFilters(t *testing.T) {
	const email = "user@example.com"

	store := &fakeStore{accts: map[string]*tracker.Account{email: {Email: email}}}
	m := newTestMonitor(&fakeSearcher{}, &fakeExtractor{}, store, &fakeEmailer{})

	err := m.StartContinuous(context.Background(), email)
	if !errors.Is(err, ErrNoFilters) {
		t.Fatalf("StartContinuous = %v, want ErrNoFilters", err)
	}
	if m.Running(email) {
		t.Error("monitor should not be running without filters")
	}

	status, statusErr := m.Status(context.Background(), email, false, "")
	if statusErr != nil {
		t.Fatalf("Status: %v", statusErr)
	}
	if !strings.Contains(string(status.JSON), "Not started: no filters saved for this user") {
		t.Errorf("status JSON = %s", status.JSON)
	}
}

func TestStartContinuousIdempotent(t *testing.T) {
	const email = "user@example.com"

	searcher := &fakeSearcher{result: htmlResult("<html></html>")}
	store := &fakeStore{accts: map[string]*tracker.Account{email: accountWithFilters(email)}}
	m := newTestMonitor(searcher, &fakeExtractor{}, store, &fakeEmailer{})

	if err := m.StartContinuous(context.Background(), email); err != nil {
		t.Fatalf("StartContinuous: %v", err)
	}
	if err := m.StartContinuous(context.Background(), email); err != nil {
		t.Fatalf("second StartContinuous: %v", err)
	}

	if !m.Running(email) {
		t.Error("monitor should be running")
	}
	// Exactly one immediate poll: the second start is a no-op.
	if searcher.callCount() != 1 {
		t.Errorf("upstream called %d times, want 1", searcher.callCount())
	}
}

func TestStopContinuousIdempotent(t *testing.T) {
	const email = "user@example.com"

	searcher := &fakeSearcher{result: htmlResult("<html></html>")}
	store := &fakeStore{accts: map[string]*tracker.Account{email: accountWithFilters(email)}}
	m := newTestMonitor(searcher, &fakeExtractor{}, store, &fakeEmailer{})

	if err := m.StartContinuous(context.Background(), email); err != nil {
		t.Fatalf("StartContinuous: %v", err)
	}

	m.StopContinuous(email)
	m.StopContinuous(email)

	if m.Running(email) {
		t.Error("monitor still running after stop")
	}
}

func TestResumeAll(t *testing.T) {
	searcher := &fakeSearcher{result: htmlResult("<html></html>")}
	store := &fakeStore{accts: map[string]*tracker.Account{
		"on@example.com": {
			Email:             "on@example.com",
			Filters:           &tracker.FilterSet{FuelTypes: []string{"Electric"}},
			ContinuousEnabled: true,
		},
		"off@example.com":    accountWithFilters("off@example.com"),
		"broken@example.com": {Email: "broken@example.com", ContinuousEnabled: true},
	}}
	m := newTestMonitor(searcher, &fakeExtractor{}, store, &fakeEmailer{})

	resumed, err := m.ResumeAll(context.Background())
	if err != nil {
		t.Fatalf("ResumeAll: %v", err)
	}
	if resumed != 1 {
		t.Errorf("resumed = %d, want 1", resumed)
	}
	if !m.Running("on@example.com") {
		t.Error("flagged account should be running")
	}
	if m.Running("off@example.com") || m.Running("broken@example.com") {
		t.Error("unflagged or filterless accounts should not be running")
	}
}

func TestStatusCoalescingAndETag(t *testing.T) {
	const email = "user@example.com"

	store := &fakeStore{accts: map[string]*tracker.Account{email: accountWithFilters(email)}}
	m := newTestMonitor(&fakeSearcher{}, &fakeExtractor{}, store, &fakeEmailer{})

	first, err := m.Status(context.Background(), email, false, "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if first.ETag == "" || len(first.JSON) == 0 {
		t.Fatalf("first status = %+v", first)
	}

	// Within the coalescing window a matching ETag collapses to 304.
	second, err := m.Status(context.Background(), email, false, first.ETag)
	if err != nil {
		t.Fatalf("second Status: %v", err)
	}
	if !second.NotModified {
		t.Error("expected NotModified for matching ETag")
	}
	if len(second.JSON) != 0 {
		t.Error("304 responses must carry no body")
	}

	// A stale ETag still gets the cached body.
	third, err := m.Status(context.Background(), email, false, "stale")
	if err != nil {
		t.Fatalf("third Status: %v", err)
	}
	if third.NotModified || string(third.JSON) != string(first.JSON) {
		t.Errorf("third status = %+v", third)
	}
}

func TestStatusDebugIncludesRequestAndResponse(t *testing.T) {
	const email = "user@example.com"

	searcher := &fakeSearcher{result: htmlResult("<html>raw body</html>")}
	store := &fakeStore{accts: map[string]*tracker.Account{email: accountWithFilters(email)}}
	m := newTestMonitor(searcher, &fakeExtractor{}, store, &fakeEmailer{})

	if _, err := m.RunOnce(context.Background(), email); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	plain, err := m.Status(context.Background(), email, false, "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if strings.Contains(string(plain.JSON), "lastIaaiRequest") {
		t.Error("plain status should omit debug fields")
	}

	debug, err := m.Status(context.Background(), email, true, "")
	if err != nil {
		t.Fatalf("debug Status: %v", err)
	}
	for _, want := range []string{"lastIaaiRequest", "lastIaaiResponse", "raw body"} {
		if !strings.Contains(string(debug.JSON), want) {
			t.Errorf("debug status missing %q: %s", want, debug.JSON)
		}
	}
}

func TestResetSeenReplaysListingsAsNew(t *testing.T) {
	const email = "user@example.com"

	searcher := &fakeSearcher{result: htmlResult("<html></html>")}
	extractor := &fakeExtractor{listings: []*tracker.Listing{{StockID: "31415926", Price: "$500"}}}
	store := &fakeStore{accts: map[string]*tracker.Account{email: accountWithFilters(email)}}
	mail := &fakeEmailer{}
	m := newTestMonitor(searcher, extractor, store, mail)

	if _, err := m.RunOnce(context.Background(), email); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	m.ResetSeen(email)
	if _, err := m.RunOnce(context.Background(), email); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}

	if mail.sendCount() != 2 {
		t.Errorf("emailer called %d times, want 2 (reset replays as NEW)", mail.sendCount())
	}
}
