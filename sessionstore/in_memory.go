package sessionstore

import (
	"context"
	"sync"
	"time"

	"github.com/luminara-labs/deskflow/core"
)

// InMemoryStore is a volatile Store implementation backed by process-local
// maps. It is safe for concurrent use and intended for tests and ephemeral
// demo servers. Returned records are copies, so callers cannot mutate
// internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]core.Session
	turns    map[string][]core.Turn // by session ID, ascending Seq
	seen     map[string]bool        // persisted turn IDs
	nextSeq  int64
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]core.Session),
		turns:    make(map[string][]core.Turn),
		seen:     make(map[string]bool),
	}
}

func (s *InMemoryStore) CreateSession(ctx context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		s.sessions[sess.ID] = *sess
	}
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	clone := sess
	return &clone, nil
}

func (s *InMemoryStore) AppendPair(ctx context.Context, sessionID string, user, assistant *core.Turn, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[user.ID] {
		return nil
	}

	for _, turn := range []*core.Turn{user, assistant} {
		s.nextSeq++
		t := *turn
		t.Seq = s.nextSeq
		t.SessionID = sessionID
		s.turns[sessionID] = append(s.turns[sessionID], t)
		s.seen[turn.ID] = true
	}

	if sess, ok := s.sessions[sessionID]; ok {
		sess.UpdatedAt = at
		s.sessions[sessionID] = sess
	}
	return nil
}

func (s *InMemoryStore) ReadRecent(ctx context.Context, sessionID string, limit int) ([]core.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.turns[sessionID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	window := all[len(all)-limit:]
	out := make([]core.Turn, len(window))
	copy(out, window)
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
