package responder

import (
	"context"
	"fmt"
	"sync"
)

// Scripted is a deterministic responder for tests and local development.
// It replays queued replies in order; once the script is exhausted it
// echoes the user text.
type Scripted struct {
	mu      sync.Mutex
	replies []*Reply
	errs    []error

	// Prompts records every prompt seen, for assertions.
	Prompts []*Prompt
}

// NewScripted constructs an empty scripted responder.
func NewScripted() *Scripted {
	return &Scripted{}
}

// Queue appends a scripted reply.
func (s *Scripted) Queue(reply *Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, reply)
	s.errs = append(s.errs, nil)
	return s
}

// QueueError appends a scripted failure.
func (s *Scripted) QueueError(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, nil)
	s.errs = append(s.errs, err)
	return s
}

func (s *Scripted) Respond(ctx context.Context, prompt *Prompt) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Prompts = append(s.Prompts, prompt)

	if len(s.replies) == 0 {
		return &Reply{Text: fmt.Sprintf("You said: %s", prompt.UserText)}, nil
	}
	reply, err := s.replies[0], s.errs[0]
	s.replies = s.replies[1:]
	s.errs = s.errs[1:]
	if err != nil {
		return nil, err
	}
	return reply, nil
}
