package sessions

import (
	"sync"
	"time"

	"voiceagent/models"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Session is the in-memory state of one call. The state fields are guarded
// by mu; turn serializes utterances so only one exchange per call is in
// flight at a time.
type Session struct {
	callID    string
	startTime time.Time

	mu           sync.Mutex
	status       Status
	endTime      time.Time
	exchanges    []models.Exchange
	lastActivity time.Time
	inFlight     bool

	timer    Timer
	timerGen uint64

	turn chan struct{}
}

func newSession(callID string, now time.Time) *Session {
	return &Session{
		callID:       callID,
		startTime:    now,
		status:       StatusActive,
		exchanges:    make([]models.Exchange, 0, 8),
		lastActivity: now,
		turn:         make(chan struct{}, 1),
	}
}

func (s *Session) CallID() string       { return s.callID }
func (s *Session) StartTime() time.Time { return s.startTime }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Exchanges() []models.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked()
}

func (s *Session) historyLocked() []models.Exchange {
	out := make([]models.Exchange, len(s.exchanges))
	copy(out, s.exchanges)
	return out
}

func (s *Session) appendLocked(user, ai string, at time.Time) error {
	if s.status != StatusActive {
		return ErrSessionEnded
	}
	s.exchanges = append(s.exchanges, models.Exchange{User: user, AI: ai, Timestamp: at})
	return nil
}

// endLocked performs the single active -> ended transition. It reports
// false when the session had already ended.
func (s *Session) endLocked(at time.Time) bool {
	if s.status == StatusEnded {
		return false
	}
	s.status = StatusEnded
	s.endTime = at
	s.stopTimerLocked()
	return true
}

func (s *Session) stopTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) recordLocked(status models.TranscriptStatus, reason models.EndReason) models.TranscriptRecord {
	return models.NewTranscriptRecord(s.callID, s.startTime, s.endTime, s.exchanges, status, reason)
}

func (s *Session) snapshotLocked() models.ActiveCall {
	return models.ActiveCall{
		CallSID:       s.callID,
		StartTime:     s.startTime,
		LastActivity:  s.lastActivity,
		ExchangeCount: len(s.exchanges),
	}
}
