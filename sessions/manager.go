package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"voiceagent/models"
)

const maxCallIDLength = 64

// Exchanger produces the assistant's next utterance. Implementations must
// recover from backend failures themselves and always return something
// speakable.
type Exchanger interface {
	NextReply(ctx context.Context, history []models.Exchange, utterance string) string
}

// Store persists finalized transcripts.
type Store interface {
	Save(ctx context.Context, rec models.TranscriptRecord) error
}

// Terminator speaks a farewell on a live call and hangs it up. It is used
// when the server, not the caller, decides the call is over.
type Terminator interface {
	Terminate(ctx context.Context, callID, farewell string) error
}

// Spooler keeps records whose persistence failed so they can be replayed.
type Spooler interface {
	Put(rec models.TranscriptRecord) error
}

// Alerter notifies operators.
type Alerter interface {
	Alert(ctx context.Context, title, detail string) error
}

// Observer receives lifecycle notifications. Calls must not block.
type Observer interface {
	CallStarted(call models.ActiveCall)
	CallEnded(rec models.TranscriptRecord)
}

type Config struct {
	Greeting        string
	TimeoutFarewell string
	FallbackReply   string
	SilenceTimeout  time.Duration
	// SilenceGrace extends the server-side silence timer past the
	// provider's own gather window.
	SilenceGrace time.Duration
	// ResponseBudget bounds the time a webhook spends inside the manager,
	// including the transcript save on a farewell turn. Zero disables it.
	ResponseBudget time.Duration
	StoreTimeout   time.Duration
	// EndedRetention is how long a finalized call id is remembered so late
	// webhooks cannot revive it. Zero disables the memory.
	EndedRetention time.Duration
	// StrictSessions rejects utterances for unknown calls instead of
	// creating the session lazily.
	StrictSessions bool
}

type Deps struct {
	Exchanger  Exchanger
	Store      Store
	Policy     *FarewellPolicy
	Scheduler  Scheduler
	Terminator Terminator
	Spool      Spooler
	Alerter    Alerter
	Observer   Observer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Turn is the outcome of one user utterance.
type Turn struct {
	Reply   string
	EndCall bool
}

// Manager is the registry of active calls and the only producer of
// transcript records.
type Manager struct {
	cfg        Config
	exchanger  Exchanger
	store      Store
	policy     *FarewellPolicy
	sched      Scheduler
	terminator Terminator
	spool      Spooler
	alerter    Alerter
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	ended    map[string]time.Time

	alerts sync.WaitGroup
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Exchanger == nil {
		return nil, errors.New("sessions: exchanger is required")
	}
	if deps.Store == nil {
		return nil, errors.New("sessions: store is required")
	}
	if deps.Policy == nil {
		return nil, errors.New("sessions: farewell policy is required")
	}
	if deps.Scheduler == nil {
		deps.Scheduler = RealScheduler
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Manager{
		cfg:        cfg,
		exchanger:  deps.Exchanger,
		store:      deps.Store,
		policy:     deps.Policy,
		sched:      deps.Scheduler,
		terminator: deps.Terminator,
		spool:      deps.Spool,
		alerter:    deps.Alerter,
		observer:   deps.Observer,
		logger:     deps.Logger,
		now:        deps.Now,
		sessions:   make(map[string]*Session),
		ended:      make(map[string]time.Time),
	}, nil
}

// HandleCallStarted registers the call if it is new and returns the greeting.
func (m *Manager) HandleCallStarted(ctx context.Context, callID string) (string, error) {
	callID, err := normalizeCallID(callID)
	if err != nil {
		return "", err
	}

	s, created, err := m.lookup(callID, true)
	if err != nil {
		return "", err
	}
	if created {
		m.logger.InfoContext(ctx, "call started", "call_sid", callID)
		m.notifyStarted(s)
	} else {
		if s.Status() == StatusEnded {
			return "", ErrSessionEnded
		}
		m.logger.DebugContext(ctx, "call start replayed", "call_sid", callID)
	}
	return m.cfg.Greeting, nil
}

// HandleUtterance records one user utterance and the assistant's reply.
// Utterances for the same call are processed one at a time; a second one
// waits until the first exchange completes or ctx is done.
func (m *Manager) HandleUtterance(ctx context.Context, callID, text string) (Turn, error) {
	began := m.now()
	callID, err := normalizeCallID(callID)
	if err != nil {
		return Turn{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, ErrEmptyUtterance
	}

	s, created, err := m.lookup(callID, !m.cfg.StrictSessions)
	if err != nil {
		return Turn{}, err
	}
	if created {
		m.logger.WarnContext(ctx, "utterance for untracked call, session created lazily", "call_sid", callID)
		m.notifyStarted(s)
	}

	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return Turn{}, ctx.Err()
	}
	defer func() { <-s.turn }()

	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return Turn{}, ErrSessionEnded
	}
	history := s.historyLocked()
	saidAt := m.now()
	s.lastActivity = saidAt
	s.inFlight = true
	m.armTimerLocked(s, m.silenceWindow(""))
	s.mu.Unlock()

	reply := m.exchanger.NextReply(ctx, history, text)
	if strings.TrimSpace(reply) == "" {
		reply = m.cfg.FallbackReply
	}

	s.mu.Lock()
	s.inFlight = false
	if err := s.appendLocked(text, reply, saidAt); err != nil {
		s.mu.Unlock()
		m.logger.InfoContext(ctx, "call ended while reply was pending, turn dropped", "call_sid", callID)
		return Turn{}, err
	}
	count := len(s.exchanges)
	if !m.policy.IsFarewell(text) {
		// The caller cannot answer before the reply has been spoken.
		m.armTimerLocked(s, m.silenceWindow(reply))
		s.mu.Unlock()
		m.logger.InfoContext(ctx, "exchange recorded", "call_sid", callID, "exchanges", count)
		return Turn{Reply: reply}, nil
	}
	s.endLocked(m.now())
	rec := s.recordLocked(models.StatusCompleted, models.EndReasonFarewell)
	s.mu.Unlock()

	m.logger.InfoContext(ctx, "farewell detected", "call_sid", callID, "exchanges", count)
	m.complete(ctx, s, rec, m.remainingBudget(began))
	return Turn{Reply: reply, EndCall: true}, nil
}

// HandleSilenceTimeout finalizes a call whose caller has gone quiet and
// returns the farewell to speak. Already finalized calls are a no-op.
func (m *Manager) HandleSilenceTimeout(ctx context.Context, callID string) (string, error) {
	began := m.now()
	callID, err := normalizeCallID(callID)
	if err != nil {
		return "", err
	}

	s, _, err := m.lookup(callID, false)
	switch {
	case errors.Is(err, ErrSessionEnded):
		return m.cfg.TimeoutFarewell, nil
	case err != nil:
		return m.cfg.TimeoutFarewell, err
	}

	if rec, ok := m.end(s, models.StatusCompleted, models.EndReasonSilenceTimeout); ok {
		m.logger.InfoContext(ctx, "silence reported by provider", "call_sid", callID)
		m.complete(ctx, s, rec, m.remainingBudget(began))
	}
	return m.cfg.TimeoutFarewell, nil
}

// HandleCallEnded finalizes a call the provider reports as over. Calls that
// were never tracked or are already finalized are ignored.
func (m *Manager) HandleCallEnded(ctx context.Context, callID string, status models.TranscriptStatus) error {
	callID, err := normalizeCallID(callID)
	if err != nil {
		return err
	}

	s, _, err := m.lookup(callID, false)
	if err != nil {
		m.logger.DebugContext(ctx, "call end for finalized or untracked call", "call_sid", callID, "reason", err)
		return nil
	}

	if rec, ok := m.end(s, status, models.EndReasonHangup); ok {
		m.complete(ctx, s, rec, 0)
	}
	return nil
}

// Shutdown finalizes every active call as incomplete and reports how many
// were drained.
func (m *Manager) Shutdown(ctx context.Context) int {
	m.mu.Lock()
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()

	drained := 0
	for _, s := range active {
		if rec, ok := m.end(s, models.StatusIncomplete, models.EndReasonShutdown); ok {
			m.complete(ctx, s, rec, 0)
			drained++
		}
	}

	done := make(chan struct{})
	go func() {
		m.alerts.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached with operator alerts in flight")
	}
	return drained
}

// Active returns a snapshot of unfinalized calls ordered by start time.
func (m *Manager) Active() []models.ActiveCall {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]models.ActiveCall, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		if s.status == StatusActive {
			out = append(out, s.snapshotLocked())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].CallSID < out[j].CallSID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func (m *Manager) lookup(callID string, create bool) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[callID]; ok {
		return s, false, nil
	}
	if endedAt, ok := m.ended[callID]; ok && m.now().Sub(endedAt) < m.cfg.EndedRetention {
		return nil, false, ErrSessionEnded
	}
	if !create {
		return nil, false, ErrUnknownSession
	}

	s := newSession(callID, m.now())
	s.mu.Lock()
	m.armTimerLocked(s, m.silenceWindow(m.cfg.Greeting))
	s.mu.Unlock()
	m.sessions[callID] = s
	return s, true, nil
}

// spokenPerWord approximates text-to-speech pace, about 150 words a minute.
const spokenPerWord = 400 * time.Millisecond

// silenceWindow is how long the server waits for the caller once spoken
// text is handed to the provider. The provider's gather timeout only starts
// after the text has been spoken.
func (m *Manager) silenceWindow(spoken string) time.Duration {
	speaking := time.Duration(len(strings.Fields(spoken))) * spokenPerWord
	return speaking + m.cfg.SilenceTimeout + m.cfg.SilenceGrace
}

func (m *Manager) remainingBudget(began time.Time) time.Duration {
	if m.cfg.ResponseBudget <= 0 {
		return 0
	}
	left := m.cfg.ResponseBudget - m.now().Sub(began)
	if left < minStoreBudget {
		left = minStoreBudget
	}
	return left
}

// minStoreBudget keeps a late farewell turn from skipping the save outright.
const minStoreBudget = 250 * time.Millisecond

// armTimerLocked cancels the pending silence timer and schedules a new one
// after d. The generation check makes callbacks of canceled timers no-ops
// even if they already started running.
func (m *Manager) armTimerLocked(s *Session, d time.Duration) {
	s.stopTimerLocked()
	if m.cfg.SilenceTimeout <= 0 {
		return
	}
	gen := s.timerGen
	s.timer = m.sched.AfterFunc(d, func() { m.onSilence(s, gen) })
}

func (m *Manager) onSilence(s *Session, gen uint64) {
	s.mu.Lock()
	if s.timerGen != gen || s.status != StatusActive {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.inFlight {
		// The caller spoke; the reply is still being produced.
		m.armTimerLocked(s, m.silenceWindow(""))
		s.mu.Unlock()
		return
	}
	s.endLocked(m.now())
	rec := s.recordLocked(models.StatusCompleted, models.EndReasonSilenceTimeout)
	s.mu.Unlock()

	ctx := context.Background()
	m.logger.Info("silence timeout", "call_sid", s.callID, "timeout", m.cfg.SilenceTimeout)
	m.complete(ctx, s, rec, 0)

	if m.terminator == nil {
		return
	}
	if err := m.terminator.Terminate(ctx, s.callID, m.cfg.TimeoutFarewell); err != nil {
		m.logger.Warn("hangup after silence timeout failed", "call_sid", s.callID, "err", err)
	}
}

func (m *Manager) end(s *Session, status models.TranscriptStatus, reason models.EndReason) (models.TranscriptRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endLocked(m.now()) {
		return models.TranscriptRecord{}, false
	}
	return s.recordLocked(status, reason), true
}

// complete hands an ended session's record to the store and drops the
// session from the registry. It runs once per session. A positive budget
// caps the save below the store timeout.
func (m *Manager) complete(ctx context.Context, s *Session, rec models.TranscriptRecord, budget time.Duration) {
	m.persist(ctx, rec, budget)

	m.mu.Lock()
	if m.sessions[s.callID] == s {
		delete(m.sessions, s.callID)
	}
	if m.cfg.EndedRetention > 0 {
		m.ended[s.callID] = rec.EndTime
		m.pruneEndedLocked(rec.EndTime)
	}
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "call finalized",
		"call_sid", rec.CallSID,
		"status", rec.Status,
		"end_reason", rec.EndReason,
		"exchanges", len(rec.Exchanges),
		"duration", rec.EndTime.Sub(rec.StartTime),
	)
	if m.observer != nil {
		m.observer.CallEnded(rec)
	}
}

func (m *Manager) persist(ctx context.Context, rec models.TranscriptRecord, budget time.Duration) {
	timeout := m.cfg.StoreTimeout
	if budget > 0 && (timeout <= 0 || budget < timeout) {
		timeout = budget
	}
	// The webhook that triggered the end may already be gone.
	sctx := context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(sctx, timeout)
		defer cancel()
	}

	err := m.store.Save(sctx, rec)
	if err == nil {
		return
	}

	m.logger.ErrorContext(ctx, "transcript persistence failed", "call_sid", rec.CallSID, "exchanges", len(rec.Exchanges), "err", err)
	if m.spool != nil {
		if serr := m.spool.Put(rec); serr != nil {
			m.logger.ErrorContext(ctx, "transcript spool failed, record lost", "call_sid", rec.CallSID, "err", serr)
		} else {
			m.logger.WarnContext(ctx, "transcript spooled for replay", "call_sid", rec.CallSID)
		}
	}
	if m.alerter != nil {
		detail := fmt.Sprintf("call %s (%d exchanges): %v", rec.CallSID, len(rec.Exchanges), err)
		m.alerts.Add(1)
		go m.alert(context.WithoutCancel(ctx), rec.CallSID, detail)
	}
}

// alert runs off the webhook path; Shutdown waits for it.
func (m *Manager) alert(ctx context.Context, callID, detail string) {
	defer m.alerts.Done()
	if err := m.alerter.Alert(ctx, "Transcript persistence failed", detail); err != nil {
		m.logger.ErrorContext(ctx, "operator alert failed", "call_sid", callID, "err", err)
	}
}

func (m *Manager) pruneEndedLocked(now time.Time) {
	for id, at := range m.ended {
		if now.Sub(at) >= m.cfg.EndedRetention {
			delete(m.ended, id)
		}
	}
}

func (m *Manager) notifyStarted(s *Session) {
	if m.observer == nil {
		return
	}
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	m.observer.CallStarted(snap)
}

func normalizeCallID(callID string) (string, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCallID)
	}
	if len(callID) > maxCallIDLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidCallID, maxCallIDLength)
	}
	for _, r := range callID {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return "", fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidCallID)
		}
	}
	return callID, nil
}
