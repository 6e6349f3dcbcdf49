package services

import (
	"context"
	"sync"

	"voiceagent/models"
)

// MemoryStore keeps transcripts in process memory. It backs tests and
// local runs without cloud credentials.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.TranscriptRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.TranscriptRecord)}
}

func (s *MemoryStore) Save(ctx context.Context, rec models.TranscriptRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.Exchanges = append([]models.Exchange(nil), rec.Exchanges...)

	s.mu.Lock()
	s.records[rec.CallSID] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, callSID string) (models.TranscriptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[callSID]
	if !ok {
		return models.TranscriptRecord{}, ErrTranscriptNotFound
	}
	return rec, nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]models.TranscriptRecord, error) {
	s.mu.RLock()
	out := make([]models.TranscriptRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sortByEndTimeDesc(out)
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
