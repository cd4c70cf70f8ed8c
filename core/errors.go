package core

import "errors"

// Error taxonomy. Sub-component errors are converted to these at the
// orchestrator boundary; raw underlying errors never reach the caller
// unwrapped.
var (
	// ErrInvalidInput rejects a turn with no usable content. User error,
	// not retried.
	ErrInvalidInput = errors.New("invalid input: empty text and no attachments")

	// ErrSessionNotFound is returned by history reads for unknown sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRetrievalUnavailable marks the knowledge index as unreachable.
	// Non-fatal: the turn proceeds with empty sources.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrMemoryUnavailable marks the fact store as unreachable. Non-fatal.
	ErrMemoryUnavailable = errors.New("memory unavailable")

	// ErrUnsupportedAttachmentType rejects a content type outside the
	// allow-list. Per-attachment, non-fatal to the turn.
	ErrUnsupportedAttachmentType = errors.New("unsupported attachment type")

	// ErrAttachmentTooLarge rejects an attachment before processing.
	// Per-attachment, non-fatal to the turn.
	ErrAttachmentTooLarge = errors.New("attachment too large")

	// ErrAttachmentProcessing covers extraction failures for supported
	// types. Per-attachment, non-fatal.
	ErrAttachmentProcessing = errors.New("attachment processing failed")

	// ErrPersistenceFailure is fatal for the turn: no response is
	// delivered and the caller should retry the whole turn with the same
	// TurnID.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrResponderUnavailable marks the reasoning capability as failed or
	// timed out.
	ErrResponderUnavailable = errors.New("responder unavailable")
)
