// Package orchestrator runs the per-turn pipeline: context assembly,
// reply generation, escalation, and persistence.
//
// Turns within one session are strictly serialized; sessions never block
// each other. Context-assembly failures (attachments, memory, retrieval,
// escalation sink, responder) degrade the turn instead of failing it; only
// invalid input and persistence failures are fatal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luminara-labs/deskflow/attachment"
	"github.com/luminara-labs/deskflow/core"
	"github.com/luminara-labs/deskflow/escalation"
	"github.com/luminara-labs/deskflow/memory"
	"github.com/luminara-labs/deskflow/responder"
	"github.com/luminara-labs/deskflow/sessionstore"
)

// Retriever is the knowledge-base capability consumed per turn. topK 0
// means the retriever's configured default.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]core.SourceCitation, error)
}

// Config holds per-turn tunables.
type Config struct {
	// HistoryWindow is how many recent turns feed context assembly.
	HistoryWindow int

	// Per-subsystem deadlines. Zero keeps the default.
	AttachmentTimeout time.Duration
	MemoryTimeout     time.Duration
	RetrievalTimeout  time.Duration
	ResponderTimeout  time.Duration
	SinkTimeout       time.Duration
}

// DefaultConfig returns the stock orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		HistoryWindow:     20,
		AttachmentTimeout: 10 * time.Second,
		MemoryTimeout:     5 * time.Second,
		RetrievalTimeout:  10 * time.Second,
		ResponderTimeout:  60 * time.Second,
		SinkTimeout:       10 * time.Second,
	}
}

// Deps are the orchestrator's collaborators. All are required except
// Logger.
type Deps struct {
	Store       sessionstore.Store
	Memory      memory.FactStore
	Attachments *attachment.Processor
	Retriever   Retriever
	Policy      *escalation.Policy
	Sink        escalation.Sink
	Responder   responder.Responder
	Logger      *zap.Logger
}

// Orchestrator coordinates one turn at a time per session.
type Orchestrator struct {
	deps Deps
	cfg  Config

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// New constructs an orchestrator. Zero-value config fields fall back to
// defaults.
func New(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.AttachmentTimeout <= 0 {
		cfg.AttachmentTimeout = def.AttachmentTimeout
	}
	if cfg.MemoryTimeout <= 0 {
		cfg.MemoryTimeout = def.MemoryTimeout
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = def.RetrievalTimeout
	}
	if cfg.ResponderTimeout <= 0 {
		cfg.ResponderTimeout = def.ResponderTimeout
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:         deps,
		cfg:          cfg,
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

// CreateSession creates a session explicitly. An empty id mints one.
func (o *Orchestrator) CreateSession(ctx context.Context, id, userID string) (*core.Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	session := &core.Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		Active:    true,
	}
	if err := o.deps.Store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// GetSession returns the session or core.ErrSessionNotFound.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (*core.Session, error) {
	return o.deps.Store.GetSession(ctx, id)
}

// History returns up to limit recent turns, oldest first.
func (o *Orchestrator) History(ctx context.Context, sessionID string, limit int) ([]core.Turn, error) {
	if limit <= 0 {
		limit = o.cfg.HistoryWindow
	}
	if _, err := o.deps.Store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.deps.Store.ReadRecent(ctx, sessionID, limit)
}

// turnContext is the assembled per-turn context.
type turnContext struct {
	attachTexts  []string
	facts        map[string]string
	citations    []core.SourceCitation
	retrievalOK  bool
	degradations []core.Degradation
}

// SubmitTurn runs one user turn through the full pipeline and returns the
// assistant response. The session is created on first use when absent.
func (o *Orchestrator) SubmitTurn(ctx context.Context, req *core.TurnRequest) (*core.TurnResult, error) {
	if req == nil || (strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0) {
		return nil, fmt.Errorf("%w: turn needs text or attachments", core.ErrInvalidInput)
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", core.ErrInvalidInput)
	}

	// One turn at a time per session; other sessions proceed concurrently.
	lock := o.sessionLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := o.ensureSession(ctx, req); err != nil {
		return nil, err
	}

	history, err := o.deps.Store.ReadRecent(ctx, req.SessionID, o.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("%w: read history: %v", core.ErrPersistenceFailure, err)
	}

	tc := o.assembleContext(ctx, req, history)

	misses := trailingMisses(history)
	if tc.retrievalOK && len(tc.citations) == 0 {
		misses++
	}

	reply := o.generate(ctx, req, history, tc)

	decision := o.deps.Policy.Decide(escalation.Signals{
		UserText:                   req.Text,
		ConsecutiveRetrievalMisses: misses,
		ResponderRequested:         reply.RequestEscalation,
	})

	responseText := reply.Text
	var record *core.EscalationRecord
	if decision.Escalate {
		record = o.escalate(ctx, req.SessionID, decision.Reason, tc)
		responseText = appendEscalationNotice(responseText, record)
	}

	// Facts the responder asked to remember land before the turn is
	// acknowledged, so the next turn's recall sees them.
	o.writeFacts(ctx, req, reply.Facts, tc)

	if err := o.persistPair(ctx, req, responseText, tc, record != nil); err != nil {
		return nil, err
	}

	result := &core.TurnResult{
		SessionID:    req.SessionID,
		Response:     responseText,
		Sources:      tc.citations,
		Escalation:   record,
		Degradations: tc.degradations,
	}
	o.deps.Logger.Info("turn completed",
		zap.String("session_id", req.SessionID),
		zap.Int("sources", len(tc.citations)),
		zap.Bool("escalated", record != nil),
		zap.Bool("degraded", result.Degraded()))
	return result, nil
}

func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.sessionLocks[sessionID] = lock
	}
	return lock
}

func (o *Orchestrator) ensureSession(ctx context.Context, req *core.TurnRequest) error {
	_, err := o.deps.Store.GetSession(ctx, req.SessionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, core.ErrSessionNotFound) {
		return fmt.Errorf("%w: get session: %v", core.ErrPersistenceFailure, err)
	}
	_, err = o.CreateSession(ctx, req.SessionID, req.UserID)
	return err
}

// assembleContext fans out attachment processing, memory recall, and
// knowledge retrieval. Failures degrade; they never fail the turn.
func (o *Orchestrator) assembleContext(ctx context.Context, req *core.TurnRequest, history []core.Turn) *turnContext {
	tc := &turnContext{facts: map[string]string{}}

	var (
		attachDegradations []core.Degradation
		memoryDegradation  *core.Degradation
		retrievalErr       error
	)

	var g errgroup.Group

	g.Go(func() error {
		actx, cancel := context.WithTimeout(ctx, o.cfg.AttachmentTimeout)
		defer cancel()
		tc.attachTexts, attachDegradations = o.processAttachments(actx, req)
		return nil
	})

	g.Go(func() error {
		mctx, cancel := context.WithTimeout(ctx, o.cfg.MemoryTimeout)
		defer cancel()
		facts, err := o.deps.Memory.Facts(mctx, subjectID(req))
		if err != nil {
			memoryDegradation = &core.Degradation{Subsystem: core.SubsystemMemory, Reason: err.Error()}
			return nil
		}
		tc.facts = facts
		return nil
	})

	// An attachment-only turn has no query to search for.
	hasQuery := strings.TrimSpace(req.Text) != ""
	if hasQuery {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
			defer cancel()
			tc.citations, retrievalErr = o.deps.Retriever.Retrieve(rctx, req.Text, 0)
			return nil
		})
	}

	// The goroutines above only report through their result slots.
	_ = g.Wait()

	tc.degradations = append(tc.degradations, attachDegradations...)
	if memoryDegradation != nil {
		tc.degradations = append(tc.degradations, *memoryDegradation)
		o.deps.Logger.Warn("memory recall degraded", zap.Error(errors.New(memoryDegradation.Reason)))
	}
	switch {
	case !hasQuery:
		// neither a miss nor a degradation
	case retrievalErr != nil:
		tc.citations = nil
		tc.degradations = append(tc.degradations, core.Degradation{
			Subsystem: core.SubsystemRetrieval,
			Reason:    retrievalErr.Error(),
		})
		o.deps.Logger.Warn("retrieval degraded", zap.Error(retrievalErr))
	default:
		tc.retrievalOK = true
	}
	return tc
}

// processAttachments extracts text per attachment. Each failure degrades
// only that attachment; extracted text is stored back on the request's
// attachment so persistence carries it.
func (o *Orchestrator) processAttachments(ctx context.Context, req *core.TurnRequest) ([]string, []core.Degradation) {
	var texts []string
	var degradations []core.Degradation
	for i := range req.Attachments {
		att := &req.Attachments[i]
		if att.ID == "" {
			att.ID = uuid.New().String()
		}
		if err := ctx.Err(); err != nil {
			degradations = append(degradations, core.Degradation{
				Subsystem: core.SubsystemAttachment,
				Reason:    fmt.Sprintf("%s: %v", att.Filename, err),
			})
			continue
		}
		text, err := o.deps.Attachments.ExtractText(att.Data, att.ContentType)
		if err != nil {
			degradations = append(degradations, core.Degradation{
				Subsystem: core.SubsystemAttachment,
				Reason:    fmt.Sprintf("%s: %v", att.Filename, err),
			})
			o.deps.Logger.Warn("attachment processing degraded",
				zap.String("filename", att.Filename), zap.Error(err))
			continue
		}
		att.ExtractedText = text
		texts = append(texts, text)
	}
	return texts, degradations
}

// generate calls the responder; failure falls back to the canned reply and
// degrades the turn.
func (o *Orchestrator) generate(ctx context.Context, req *core.TurnRequest, history []core.Turn, tc *turnContext) *responder.Reply {
	rctx, cancel := context.WithTimeout(ctx, o.cfg.ResponderTimeout)
	defer cancel()

	reply, err := o.deps.Responder.Respond(rctx, &responder.Prompt{
		History:        history,
		UserText:       req.Text,
		AttachmentText: tc.attachTexts,
		MemoryFacts:    tc.facts,
		Citations:      tc.citations,
	})
	if err != nil {
		tc.degradations = append(tc.degradations, core.Degradation{
			Subsystem: core.SubsystemResponder,
			Reason:    err.Error(),
		})
		o.deps.Logger.Warn("responder degraded", zap.Error(err))
		return &responder.Reply{Text: responder.FallbackText}
	}
	return reply
}

// escalate mints the record and offers it to the ticketing sink. A sink
// failure keeps the record (the decision stands) and degrades the turn.
func (o *Orchestrator) escalate(ctx context.Context, sessionID string, reason core.EscalationReason, tc *turnContext) *core.EscalationRecord {
	record := &core.EscalationRecord{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
		EstimatedWait: o.deps.Policy.EstimatedWait(),
	}
	sctx, cancel := context.WithTimeout(ctx, o.cfg.SinkTimeout)
	defer cancel()
	ticketID, err := o.deps.Sink.CreateTicket(sctx, record)
	if err != nil {
		tc.degradations = append(tc.degradations, core.Degradation{
			Subsystem: core.SubsystemEscalation,
			Reason:    err.Error(),
		})
		o.deps.Logger.Warn("escalation sink degraded", zap.Error(err))
		return record
	}
	record.TicketID = ticketID
	return record
}

func (o *Orchestrator) writeFacts(ctx context.Context, req *core.TurnRequest, facts map[string]string, tc *turnContext) {
	if len(facts) == 0 {
		return
	}
	mctx, cancel := context.WithTimeout(ctx, o.cfg.MemoryTimeout)
	defer cancel()
	subject := subjectID(req)
	for key, value := range facts {
		if err := o.deps.Memory.SetFact(mctx, subject, key, value); err != nil {
			tc.degradations = append(tc.degradations, core.Degradation{
				Subsystem: core.SubsystemMemory,
				Reason:    fmt.Sprintf("set fact %s: %v", key, err),
			})
			o.deps.Logger.Warn("memory write degraded", zap.String("key", key), zap.Error(err))
		}
	}
}

func (o *Orchestrator) persistPair(ctx context.Context, req *core.TurnRequest, responseText string, tc *turnContext, escalated bool) error {
	now := time.Now().UTC()
	turnID := req.TurnID
	if turnID == "" {
		turnID = uuid.New().String()
	}
	user := &core.Turn{
		ID:          turnID,
		SessionID:   req.SessionID,
		Role:        core.RoleUser,
		Content:     req.Text,
		Attachments: req.Attachments,
		CreatedAt:   now,
	}
	assistant := &core.Turn{
		ID:           uuid.New().String(),
		SessionID:    req.SessionID,
		Role:         core.RoleAssistant,
		Content:      responseText,
		Sources:      tc.citations,
		Escalated:    escalated,
		Degradations: tc.degradations,
		CreatedAt:    now,
	}
	if err := o.deps.Store.AppendPair(ctx, req.SessionID, user, assistant, now); err != nil {
		if errors.Is(err, core.ErrPersistenceFailure) {
			return err
		}
		return fmt.Errorf("%w: %v", core.ErrPersistenceFailure, err)
	}
	return nil
}

// trailingMisses counts consecutive assistant turns, newest first, whose
// retrieval produced zero citations. An assistant turn with citations or a
// completed escalation resets the streak. Turns where retrieval was
// unavailable, and turns whose user message carried no query text, are
// neither misses nor resets.
func trailingMisses(history []core.Turn) int {
	misses := 0
	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		if turn.Role != core.RoleAssistant {
			continue
		}
		if len(turn.Sources) > 0 || turn.Escalated {
			break
		}
		if retrievalDegraded(turn) {
			continue
		}
		if i > 0 && history[i-1].Role == core.RoleUser && strings.TrimSpace(history[i-1].Content) == "" {
			continue
		}
		misses++
	}
	return misses
}

func retrievalDegraded(turn core.Turn) bool {
	for _, d := range turn.Degradations {
		if d.Subsystem == core.SubsystemRetrieval {
			return true
		}
	}
	return false
}

func subjectID(req *core.TurnRequest) string {
	if req.UserID != "" {
		return req.UserID
	}
	return req.SessionID
}

func appendEscalationNotice(text string, record *core.EscalationRecord) string {
	notice := fmt.Sprintf(
		"I've escalated this conversation to our support team. A human agent will follow up within approximately %d minutes.",
		int(record.EstimatedWait.Minutes()))
	if record.TicketID != "" {
		notice += fmt.Sprintf(" Your ticket ID is %s.", record.TicketID)
	}
	if strings.TrimSpace(text) == "" {
		return notice
	}
	return text + "\n\n" + notice
}
