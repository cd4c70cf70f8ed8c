// Package responder produces the assistant reply for a turn from the
// assembled conversation context.
//
// A Responder sees only what the orchestrator hands it: history, the user
// text, extracted attachment text, remembered facts, and knowledge-base
// citations. It never reaches into storage itself, which keeps adapters
// swappable and the orchestrator testable.
package responder

import (
	"context"

	"github.com/luminara-labs/deskflow/core"
)

// Prompt is the full per-turn context for reply generation.
type Prompt struct {
	// History is the recent conversation window, oldest first.
	History []core.Turn

	// UserText is the current user message.
	UserText string

	// AttachmentText holds extracted text for each successfully processed
	// attachment, in submission order.
	AttachmentText []string

	// MemoryFacts are the remembered facts for the user, key to value.
	MemoryFacts map[string]string

	// Citations are the knowledge-base passages retrieved for this turn,
	// most relevant first.
	Citations []core.SourceCitation
}

// Reply is the responder output for one turn.
type Reply struct {
	// Text is the assistant message to show the user.
	Text string

	// Facts holds facts the responder asked to remember. The orchestrator
	// persists them before acknowledging the turn.
	Facts map[string]string

	// RequestEscalation is set when the responder itself signalled that a
	// human should take over.
	RequestEscalation bool
}

// Responder generates one reply per call.
type Responder interface {
	Respond(ctx context.Context, prompt *Prompt) (*Reply, error)
}

// Func adapts a function to the Responder interface.
type Func func(ctx context.Context, prompt *Prompt) (*Reply, error)

func (f Func) Respond(ctx context.Context, prompt *Prompt) (*Reply, error) {
	return f(ctx, prompt)
}

// FallbackText is the canned reply used when the responder is unavailable.
// The turn still persists; the degradation is recorded on the result.
const FallbackText = "I apologize, but I ran into a problem generating a " +
	"response. Please try again, or ask to speak with a human agent."
