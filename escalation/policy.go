// Package escalation decides when a conversation must be handed to a
// human agent and records that decision as a ticket.
//
// The policy is a state machine over a single turn's signals: NORMAL until
// any trigger fires, then ESCALATED (terminal for the turn). It is a pure
// function of the signals; identical signals always produce the identical
// decision.
package escalation

import (
	"strings"
	"time"

	"github.com/luminara-labs/deskflow/core"
)

// Signals are the per-turn inputs to the policy. Nothing here persists
// across turns except through the conversation history the orchestrator
// derives them from.
type Signals struct {
	// UserText is the raw text of the user turn.
	UserText string

	// ConsecutiveRetrievalMisses counts trailing turns (including this
	// one) whose retrieval produced zero citations.
	ConsecutiveRetrievalMisses int

	// ResponderRequested is set when the reasoning capability itself
	// signalled it cannot help (explicit tool invocation).
	ResponderRequested bool
}

// Decision is the policy outcome for one turn.
type Decision struct {
	Escalate bool
	Reason   core.EscalationReason
}

// Config holds the trigger thresholds. These are deployment configuration,
// not fixed behavior.
type Config struct {
	// RequestPhrases escalate when found (case-insensitive) in the user
	// text.
	RequestPhrases []string

	// SentimentMarkers escalate on matching negative-sentiment wording.
	SentimentMarkers []string

	// MissThreshold escalates after this many consecutive zero-citation
	// retrievals. Zero disables the trigger.
	MissThreshold int

	// EstimatedWait is the deterministic wait hint put on records; live
	// queue state belongs to the external ticketing system.
	EstimatedWait time.Duration
}

// DefaultConfig returns the stock trigger configuration.
func DefaultConfig() Config {
	return Config{
		RequestPhrases: []string{
			"human", "real person", "live agent", "speak to someone",
			"representative", "talk to support",
		},
		SentimentMarkers: []string{
			"terrible", "awful", "useless", "furious", "worst", "fed up",
		},
		MissThreshold: 3,
		EstimatedWait: 15 * time.Minute,
	}
}

// Policy evaluates escalation signals.
type Policy struct {
	cfg Config
}

// NewPolicy constructs a policy; zero-value config fields fall back to
// defaults.
func NewPolicy(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.RequestPhrases == nil {
		cfg.RequestPhrases = def.RequestPhrases
	}
	if cfg.SentimentMarkers == nil {
		cfg.SentimentMarkers = def.SentimentMarkers
	}
	if cfg.EstimatedWait <= 0 {
		cfg.EstimatedWait = def.EstimatedWait
	}
	return &Policy{cfg: cfg}
}

// EstimatedWait returns the configured wait hint.
func (p *Policy) EstimatedWait() time.Duration {
	return p.cfg.EstimatedWait
}

// Decide maps signals to a decision. Trigger precedence: explicit request,
// responder request, repeated misses, negative sentiment.
func (p *Policy) Decide(sig Signals) Decision {
	text := strings.ToLower(sig.UserText)

	for _, phrase := range p.cfg.RequestPhrases {
		if strings.Contains(text, phrase) {
			return Decision{Escalate: true, Reason: core.ReasonExplicitRequest}
		}
	}
	if sig.ResponderRequested {
		return Decision{Escalate: true, Reason: core.ReasonModelRequest}
	}
	if p.cfg.MissThreshold > 0 && sig.ConsecutiveRetrievalMisses >= p.cfg.MissThreshold {
		return Decision{Escalate: true, Reason: core.ReasonRepeatedMisses}
	}
	for _, marker := range p.cfg.SentimentMarkers {
		if strings.Contains(text, marker) {
			return Decision{Escalate: true, Reason: core.ReasonNegativeSentiment}
		}
	}
	return Decision{}
}
