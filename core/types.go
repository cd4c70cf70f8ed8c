package core

import "time"

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is one support conversation. Sessions are created on the first
// turn (or explicitly via CreateSession) and touched on every turn. The
// core never deletes them; retention is an external concern.
type Session struct {
	ID        string
	UserID    string // optional; empty for anonymous sessions
	CreatedAt time.Time
	UpdatedAt time.Time
	Active    bool
}

// Turn is a single persisted message. Turns are immutable once stored and
// strictly ordered within their session by Seq, which the session store
// assigns at append time.
type Turn struct {
	ID          string
	SessionID   string
	Role        Role
	Content     string
	CreatedAt   time.Time
	Seq         int64
	Attachments []Attachment
	Sources     []SourceCitation
	Escalated   bool

	// Degradations are the sub-system failures recorded while producing
	// this turn (assistant turns only).
	Degradations []Degradation
}

// Attachment is a file submitted with a user turn. ExtractedText is filled
// by the attachment processor; extraction is a pure function of
// (Data, ContentType), so re-processing the same bytes yields the same text.
type Attachment struct {
	ID            string
	Filename      string
	ContentType   string
	Data          []byte
	ExtractedText string
}

// SourceCitation is one ranked knowledge-base snippet. Produced only by the
// retriever; lower Distance means more relevant.
type SourceCitation struct {
	ID         string
	Snippet    string
	DocumentID string
	Location   string
	Distance   float64
}

// EscalationReason tags why a conversation was handed to a human.
type EscalationReason string

const (
	ReasonExplicitRequest   EscalationReason = "explicit_request"
	ReasonRepeatedMisses    EscalationReason = "repeated_misses"
	ReasonNegativeSentiment EscalationReason = "negative_sentiment"
	ReasonModelRequest      EscalationReason = "model_request"
)

// EscalationRecord is created exactly once per escalation decision. The
// core never mutates it afterwards; assignment and resolution live in the
// external ticketing system.
type EscalationRecord struct {
	ID            string
	SessionID     string
	Reason        EscalationReason
	CreatedAt     time.Time
	EstimatedWait time.Duration
	TicketID      string // set when the sink accepted the record
}

// MemoryFact is one durable key/value fact about a subject (user or
// session). At most one live value exists per (subject, key); later writes
// overwrite earlier ones.
type MemoryFact struct {
	SubjectID string
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Subsystem names used in degradation metadata.
const (
	SubsystemAttachment = "attachment"
	SubsystemMemory     = "memory"
	SubsystemRetrieval  = "retrieval"
	SubsystemEscalation = "escalation"
	SubsystemResponder  = "responder"
)

// Degradation records a non-fatal sub-system failure during a turn, so
// callers can tell "no relevant docs" apart from "retrieval unavailable".
type Degradation struct {
	Subsystem string
	Reason    string
}

// TurnRequest is one inbound user turn.
//
// TurnID is optional and client-supplied; when set, retries of the same
// logical turn are idempotent at the persistence layer. When empty the
// orchestrator mints one.
type TurnRequest struct {
	SessionID   string
	TurnID      string
	UserID      string
	Text        string
	Attachments []Attachment
}

// TurnResult is the orchestrator's answer for one turn.
type TurnResult struct {
	SessionID    string
	Response     string
	Sources      []SourceCitation
	Escalation   *EscalationRecord
	Degradations []Degradation
}

// Degraded reports whether any sub-system failed during the turn.
func (r *TurnResult) Degraded() bool {
	return len(r.Degradations) > 0
}
