package store

import (
	"context"
	"sync"
)

// MemoryStore is the in-process Store used by tests and the demo binary.
type MemoryStore struct {
	mu        sync.RWMutex
	timers    map[string]TimerRecord
	events    []EventRecord
	presences map[string]PresenceRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		timers:    make(map[string]TimerRecord),
		presences: make(map[string]PresenceRecord),
	}
}

func (s *MemoryStore) SaveTimer(_ context.Context, rec TimerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[rec.ID] = rec
	return nil
}

func (s *MemoryStore) LogTimerEvent(_ context.Context, rec EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, rec)
	return nil
}

func (s *MemoryStore) SavePresence(_ context.Context, rec PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presences[rec.UserID] = rec
	return nil
}

func (s *MemoryStore) FetchPresences(_ context.Context, userIDs []string) ([]PresenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PresenceRecord, 0, len(userIDs))
	for _, id := range userIDs {
		if rec, ok := s.presences[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Timer returns the saved record for a timer id, for inspection in tests.
func (s *MemoryStore) Timer(id string) (TimerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.timers[id]
	return rec, ok
}

// Events returns a copy of all logged events.
func (s *MemoryStore) Events() []EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EventRecord, len(s.events))
	copy(out, s.events)
	return out
}
