package escalation

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luminara-labs/deskflow/core"
)

// Sink hands a finished escalation record to the external ticketing
// system. Assignment and resolution happen out there; the core only
// creates the ticket.
type Sink interface {
	CreateTicket(ctx context.Context, record *core.EscalationRecord) (ticketID string, err error)
}

// LogSink is the built-in sink for deployments without a ticketing
// integration: it mints a ticket ID and logs the handoff.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs a LogSink. logger may be nil.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) CreateTicket(ctx context.Context, record *core.EscalationRecord) (string, error) {
	ticketID := uuid.New().String()
	s.logger.Warn("conversation escalated to human agent",
		zap.String("ticket_id", ticketID),
		zap.String("session_id", record.SessionID),
		zap.String("reason", string(record.Reason)),
		zap.Duration("estimated_wait", record.EstimatedWait),
	)
	return ticketID, nil
}
