// Package memory stores durable facts about a subject (user or session)
// across turns.
//
// Write policy is last-write-wins per (subject, key): no versioning or
// history. Reads reflect every write that completed before the read began
// for the same subject; there is no cross-subject visibility.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/luminara-labs/deskflow/core"
)

// FactStore is the memory capability consumed by the orchestrator.
type FactStore interface {
	// Facts returns the live key/value facts for the subject. Unknown
	// subjects yield an empty map, not an error.
	Facts(ctx context.Context, subjectID string) (map[string]string, error)

	// SetFact upserts one fact; a later write overwrites an earlier one.
	SetFact(ctx context.Context, subjectID, key, value string) error

	// Close releases resources.
	Close() error
}

// InMemoryStore is a volatile FactStore for tests and demos.
type InMemoryStore struct {
	mu    sync.RWMutex
	facts map[string]map[string]core.MemoryFact
}

// NewInMemoryStore constructs an empty fact store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{facts: make(map[string]map[string]core.MemoryFact)}
}

func (s *InMemoryStore) Facts(ctx context.Context, subjectID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.facts[subjectID]))
	for k, fact := range s.facts[subjectID] {
		out[k] = fact.Value
	}
	return out, nil
}

func (s *InMemoryStore) SetFact(ctx context.Context, subjectID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.facts[subjectID] == nil {
		s.facts[subjectID] = make(map[string]core.MemoryFact)
	}
	s.facts[subjectID][key] = core.MemoryFact{
		SubjectID: subjectID,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
