package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voiceagent/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeTimer struct {
	sched   *fakeScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{sched: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fire runs every pending timer as if its duration had elapsed.
func (s *fakeScheduler) fire() int {
	s.mu.Lock()
	var due []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t.f()
	}
	return len(due)
}

func (s *fakeScheduler) all() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*fakeTimer, len(s.timers))
	copy(out, s.timers)
	return out
}

type fakeExchanger struct {
	mu        sync.Mutex
	histories map[string][][]models.Exchange

	// When set, NextReply signals started and waits for release.
	started chan string
	release chan struct{}

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func newFakeExchanger() *fakeExchanger {
	return &fakeExchanger{histories: make(map[string][][]models.Exchange)}
}

func (e *fakeExchanger) NextReply(ctx context.Context, history []models.Exchange, utterance string) string {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		cur := e.maxInFlight.Load()
		if n <= cur || e.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	e.mu.Lock()
	e.histories[utterance] = append(e.histories[utterance], history)
	e.mu.Unlock()

	if e.started != nil {
		e.started <- utterance
	}
	if e.release != nil {
		<-e.release
	}
	return "reply to " + utterance
}

func (e *fakeExchanger) historyFor(utterance string) []models.Exchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.histories[utterance]
	if len(h) == 0 {
		return nil
	}
	return h[len(h)-1]
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string]models.TranscriptRecord
	saves   map[string]int
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]models.TranscriptRecord),
		saves:   make(map[string]int),
	}
}

func (s *fakeStore) Save(ctx context.Context, rec models.TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves[rec.CallSID]++
	if s.err != nil {
		return s.err
	}
	s.records[rec.CallSID] = rec
	return nil
}

func (s *fakeStore) get(callID string) (models.TranscriptRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	return rec, ok
}

func (s *fakeStore) saveCount(callID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[callID]
}

type fakeTerminator struct {
	mu    sync.Mutex
	calls map[string]string
}

func (t *fakeTerminator) Terminate(ctx context.Context, callID, farewell string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls == nil {
		t.calls = make(map[string]string)
	}
	t.calls[callID] = farewell
	return nil
}

func (t *fakeTerminator) farewellFor(callID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.calls[callID]
	return f, ok
}

type fakeSpool struct {
	mu      sync.Mutex
	records []models.TranscriptRecord
}

func (s *fakeSpool) Put(rec models.TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

type fakeAlerter struct {
	mu      sync.Mutex
	details []string
}

func (a *fakeAlerter) Alert(ctx context.Context, title, detail string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.details = append(a.details, detail)
	return nil
}

func (a *fakeAlerter) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.details...)
}

type fakeObserver struct {
	started atomic.Int64
	ended   atomic.Int64
}

func (o *fakeObserver) CallStarted(models.ActiveCall)     { o.started.Add(1) }
func (o *fakeObserver) CallEnded(models.TranscriptRecord) { o.ended.Add(1) }

var errStoreDown = errors.New("store down")

type harness struct {
	mgr        *Manager
	clock      *fakeClock
	sched      *fakeScheduler
	exchanger  *fakeExchanger
	store      *fakeStore
	terminator *fakeTerminator
	observer   *fakeObserver
}

func testConfig() Config {
	return Config{
		Greeting:        "Hi, How can I help you today?",
		TimeoutFarewell: "Thanks for calling! Have a great day!",
		FallbackReply:   "Sorry, could you say that again?",
		SilenceTimeout:  15 * time.Second,
		StoreTimeout:    time.Second,
		EndedRetention:  10 * time.Minute,
	}
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()

	policy, err := NewFarewellPolicy(MatchSubstring, DefaultFarewellTokens)
	require.NoError(t, err)

	h := &harness{
		clock:      newFakeClock(),
		sched:      &fakeScheduler{},
		exchanger:  newFakeExchanger(),
		store:      newFakeStore(),
		terminator: &fakeTerminator{},
		observer:   &fakeObserver{},
	}
	cfg := testConfig()
	deps := Deps{
		Exchanger:  h.exchanger,
		Store:      h.store,
		Policy:     policy,
		Scheduler:  h.sched,
		Terminator: h.terminator,
		Observer:   h.observer,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        h.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	h.mgr, err = NewManager(cfg, deps)
	require.NoError(t, err)
	return h
}

// session returns the registered session for callID, if any.
func (h *harness) session(callID string) (*Session, bool) {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	s, ok := h.mgr.sessions[callID]
	return s, ok
}
