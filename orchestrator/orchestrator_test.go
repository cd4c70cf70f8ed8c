package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/luminara-labs/deskflow/attachment"
	"github.com/luminara-labs/deskflow/core"
	"github.com/luminara-labs/deskflow/escalation"
	"github.com/luminara-labs/deskflow/memory"
	"github.com/luminara-labs/deskflow/responder"
	"github.com/luminara-labs/deskflow/sessionstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type retrieverFunc func(ctx context.Context, query string, topK int) ([]core.SourceCitation, error)

func (f retrieverFunc) Retrieve(ctx context.Context, query string, topK int) ([]core.SourceCitation, error) {
	return f(ctx, query, topK)
}

func noDocs(ctx context.Context, query string, topK int) ([]core.SourceCitation, error) {
	return nil, nil
}

type captureSink struct {
	mu      sync.Mutex
	records []*core.EscalationRecord
}

func (s *captureSink) CreateTicket(ctx context.Context, record *core.EscalationRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return fmt.Sprintf("TCK-%04d", len(s.records)), nil
}

// failingStore fails AppendPair while delegating everything else.
type failingStore struct {
	sessionstore.Store
}

func (s *failingStore) AppendPair(ctx context.Context, sessionID string, user, assistant *core.Turn, at time.Time) error {
	return errors.New("disk full")
}

type fixture struct {
	orch   *Orchestrator
	store  sessionstore.Store
	memory memory.FactStore
	sink   *captureSink
}

func newFixture(t *testing.T, mutate func(deps *Deps, cfg *Config)) *fixture {
	t.Helper()
	f := &fixture{
		store:  sessionstore.NewInMemoryStore(),
		memory: memory.NewInMemoryStore(),
		sink:   &captureSink{},
	}
	deps := Deps{
		Store:       f.store,
		Memory:      f.memory,
		Attachments: attachment.NewProcessor(attachment.DefaultConfig()),
		Retriever:   retrieverFunc(noDocs),
		Policy:      escalation.NewPolicy(escalation.DefaultConfig()),
		Sink:        f.sink,
		Responder:   responder.NewScripted(),
	}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&deps, &cfg)
	}
	f.orch = New(deps, cfg)
	return f
}

func TestSubmitTurnHappyPath(t *testing.T) {
	citations := []core.SourceCitation{
		{ID: "c1", Snippet: "Reset via settings.", DocumentID: "faq", Location: "faq.md#reset", Distance: 0.2},
	}
	script := responder.NewScripted().Queue(&responder.Reply{Text: "Open settings and choose reset."})
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Retriever = retrieverFunc(func(ctx context.Context, query string, topK int) ([]core.SourceCitation, error) {
			return citations, nil
		})
		deps.Responder = script
	})

	ctx := context.Background()
	result, err := f.orch.SubmitTurn(ctx, &core.TurnRequest{
		SessionID: "sess-1",
		UserID:    "user-1",
		Text:      "how do I reset my password?",
	})
	require.NoError(t, err)
	require.Equal(t, "Open settings and choose reset.", result.Response)
	require.Equal(t, citations, result.Sources)
	require.Nil(t, result.Escalation)
	require.False(t, result.Degraded())

	// The responder saw the retrieved citations.
	require.Len(t, script.Prompts, 1)
	require.Equal(t, citations, script.Prompts[0].Citations)

	// Session was created on first use; both turns persisted in order.
	history, err := f.orch.History(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, core.RoleUser, history[0].Role)
	require.Equal(t, core.RoleAssistant, history[1].Role)
	require.Equal(t, citations, history[1].Sources)

	// Both turns carry the persistence timestamp.
	require.False(t, history[0].CreatedAt.IsZero())
	require.False(t, history[1].CreatedAt.IsZero())
	require.False(t, history[1].CreatedAt.Before(history[0].CreatedAt))
}

func TestSubmitTurnInvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.SubmitTurn(ctx, &core.TurnRequest{SessionID: "s", Text: "   "})
	require.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = f.orch.SubmitTurn(ctx, &core.TurnRequest{Text: "hello"})
	require.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestAttachmentOnlyTurn(t *testing.T) {
	var searches atomic.Int64
	script := responder.NewScripted().Queue(&responder.Reply{Text: "Thanks, I see the log."})
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Responder = script
		deps.Retriever = retrieverFunc(func(ctx context.Context, query string, topK int) ([]core.SourceCitation, error) {
			searches.Add(1)
			return nil, nil
		})
	})

	result, err := f.orch.SubmitTurn(context.Background(), &core.TurnRequest{
		SessionID: "sess-only-att",
		Attachments: []core.Attachment{
			{Filename: "log.txt", ContentType: "text/plain", Data: []byte("panic at line 3")},
		},
	})
	require.NoError(t, err)
	require.False(t, result.Degraded())
	require.Equal(t, []string{"panic at line 3"}, script.Prompts[0].AttachmentText)

	// No query, no search, and no zero-citation miss counted.
	require.Equal(t, int64(0), searches.Load())
}

func TestExplicitEscalation(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.orch.SubmitTurn(context.Background(), &core.TurnRequest{
		SessionID: "sess-esc",
		Text:      "I want to talk to a human",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Escalation)
	require.Equal(t, core.ReasonExplicitRequest, result.Escalation.Reason)
	require.Equal(t, "TCK-0001", result.Escalation.TicketID)
	require.Contains(t, result.Response, "escalated this conversation")
	require.Contains(t, result.Response, "TCK-0001")

	history, err := f.orch.History(context.Background(), "sess-esc", 0)
	require.NoError(t, err)
	require.True(t, history[1].Escalated)
}

func TestResponderEscalationRequest(t *testing.T) {
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Responder = responder.NewScripted().Queue(&responder.Reply{
			Text:              "This needs account access I don't have.",
			RequestEscalation: true,
		})
	})

	result, err := f.orch.SubmitTurn(context.Background(), &core.TurnRequest{
		SessionID: "sess-model",
		Text:      "please merge my duplicate accounts",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Escalation)
	require.Equal(t, core.ReasonModelRequest, result.Escalation.Reason)
}

func TestUnsupportedAttachmentDegrades(t *testing.T) {
	script := responder.NewScripted().Queue(&responder.Reply{Text: "got it"})
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Responder = script
	})

	result, err := f.orch.SubmitTurn(context.Background(), &core.TurnRequest{
		SessionID: "sess-att",
		Text:      "see attached",
		Attachments: []core.Attachment{
			{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("router reboots nightly")},
			{Filename: "scan.pdf", ContentType: "application/pdf", Data: []byte("%PDF")},
		},
	})
	require.NoError(t, err)
	require.True(t, result.Degraded())
	require.Len(t, result.Degradations, 1)
	require.Equal(t, core.SubsystemAttachment, result.Degradations[0].Subsystem)
	require.Contains(t, result.Degradations[0].Reason, "scan.pdf")

	// The good attachment still reached the responder.
	require.Equal(t, []string{"router reboots nightly"}, script.Prompts[0].AttachmentText)
}

func TestResponderFailureFallsBack(t *testing.T) {
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Responder = responder.NewScripted().QueueError(core.ErrResponderUnavailable)
	})

	result, err := f.orch.SubmitTurn(context.Background(), &core.TurnRequest{
		SessionID: "sess-fb",
		Text:      "hello?",
	})
	require.NoError(t, err)
	require.Equal(t, responder.FallbackText, result.Response)
	require.True(t, result.Degraded())
	require.Equal(t, core.SubsystemResponder, result.Degradations[0].Subsystem)

	// The degraded turn still persisted.
	history, err := f.orch.History(context.Background(), "sess-fb", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, responder.FallbackText, history[1].Content)
}

func TestPersistenceFailureIsFatal(t *testing.T) {
	inner := sessionstore.NewInMemoryStore()
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Store = &failingStore{Store: inner}
	})

	_, err := f.orch.SubmitTurn(context.Background(), &core.TurnRequest{
		SessionID: "sess-fatal",
		Text:      "hello",
	})
	require.ErrorIs(t, err, core.ErrPersistenceFailure)

	// Nothing half-written.
	history, err := inner.ReadRecent(context.Background(), "sess-fatal", 10)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestRememberedFactsVisibleNextTurn(t *testing.T) {
	script := responder.NewScripted().
		Queue(&responder.Reply{Text: "Nice to meet you, Dana.", Facts: map[string]string{"name": "Dana"}}).
		Queue(&responder.Reply{Text: "Of course, Dana."})
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Responder = script
	})

	ctx := context.Background()
	_, err := f.orch.SubmitTurn(ctx, &core.TurnRequest{SessionID: "s", UserID: "u1", Text: "hi, I'm Dana"})
	require.NoError(t, err)

	_, err = f.orch.SubmitTurn(ctx, &core.TurnRequest{SessionID: "s", UserID: "u1", Text: "can you help me?"})
	require.NoError(t, err)

	require.Len(t, script.Prompts, 2)
	require.Equal(t, "Dana", script.Prompts[1].MemoryFacts["name"])
}

func TestRepeatedMissesEscalate(t *testing.T) {
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Policy = escalation.NewPolicy(escalation.Config{MissThreshold: 2, EstimatedWait: time.Minute})
	})
	ctx := context.Background()

	first, err := f.orch.SubmitTurn(ctx, &core.TurnRequest{SessionID: "s", Text: "what is the warranty on model X?"})
	require.NoError(t, err)
	require.Nil(t, first.Escalation)

	second, err := f.orch.SubmitTurn(ctx, &core.TurnRequest{SessionID: "s", Text: "ok then what about model Y?"})
	require.NoError(t, err)
	require.NotNil(t, second.Escalation)
	require.Equal(t, core.ReasonRepeatedMisses, second.Escalation.Reason)
}

func TestRetrievalUnavailableDegradesNotMisses(t *testing.T) {
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Retriever = retrieverFunc(func(ctx context.Context, query string, topK int) ([]core.SourceCitation, error) {
			return nil, fmt.Errorf("%w: index down", core.ErrRetrievalUnavailable)
		})
		deps.Policy = escalation.NewPolicy(escalation.Config{MissThreshold: 1, EstimatedWait: time.Minute})
	})

	result, err := f.orch.SubmitTurn(context.Background(), &core.TurnRequest{
		SessionID: "s",
		Text:      "what is the return policy?",
	})
	require.NoError(t, err)

	// Unavailable retrieval is a degradation, not a zero-citation miss.
	require.Nil(t, result.Escalation)
	require.True(t, result.Degraded())
	require.Equal(t, core.SubsystemRetrieval, result.Degradations[0].Subsystem)
}

func TestRetrievalOutageAcrossTurnsDoesNotEscalate(t *testing.T) {
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Retriever = retrieverFunc(func(ctx context.Context, query string, topK int) ([]core.SourceCitation, error) {
			return nil, fmt.Errorf("%w: index down", core.ErrRetrievalUnavailable)
		})
		deps.Policy = escalation.NewPolicy(escalation.Config{MissThreshold: 2, EstimatedWait: time.Minute})
	})
	ctx := context.Background()

	// A persistent outage degrades every turn; none of them count toward
	// the miss streak, so the threshold is never reached.
	for i := 0; i < 3; i++ {
		result, err := f.orch.SubmitTurn(ctx, &core.TurnRequest{
			SessionID: "s",
			Text:      fmt.Sprintf("question %d", i),
		})
		require.NoError(t, err)
		require.Nil(t, result.Escalation)
		require.True(t, result.Degraded())
	}
}

func TestAttachmentTurnsDoNotFeedMissStreak(t *testing.T) {
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Policy = escalation.NewPolicy(escalation.Config{MissThreshold: 2, EstimatedWait: time.Minute})
	})
	ctx := context.Background()

	first, err := f.orch.SubmitTurn(ctx, &core.TurnRequest{
		SessionID: "s",
		Attachments: []core.Attachment{
			{Filename: "log.txt", ContentType: "text/plain", Data: []byte("boot log")},
		},
	})
	require.NoError(t, err)
	require.Nil(t, first.Escalation)

	// The attachment-only turn had no query; this is the first real miss.
	second, err := f.orch.SubmitTurn(ctx, &core.TurnRequest{SessionID: "s", Text: "what does this error mean?"})
	require.NoError(t, err)
	require.Nil(t, second.Escalation)

	third, err := f.orch.SubmitTurn(ctx, &core.TurnRequest{SessionID: "s", Text: "still stuck on the same error"})
	require.NoError(t, err)
	require.NotNil(t, third.Escalation)
	require.Equal(t, core.ReasonRepeatedMisses, third.Escalation.Reason)
}

// blockingSink never answers; it only returns once the context expires.
type blockingSink struct{}

func (blockingSink) CreateTicket(ctx context.Context, record *core.EscalationRecord) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestEscalationSinkHonorsDeadline(t *testing.T) {
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Sink = blockingSink{}
		cfg.SinkTimeout = 20 * time.Millisecond
	})

	result, err := f.orch.SubmitTurn(context.Background(), &core.TurnRequest{
		SessionID: "sess-sink",
		Text:      "let me talk to a human",
	})
	require.NoError(t, err)

	// The turn completes: the decision stands without a ticket.
	require.NotNil(t, result.Escalation)
	require.Empty(t, result.Escalation.TicketID)
	require.True(t, result.Degraded())
	require.Equal(t, core.SubsystemEscalation, result.Degradations[0].Subsystem)
}

// blockingFactStore stalls writes until the context expires.
type blockingFactStore struct {
	memory.FactStore
}

func (s *blockingFactStore) SetFact(ctx context.Context, subjectID, key, value string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestFactWritesHonorDeadline(t *testing.T) {
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Memory = &blockingFactStore{FactStore: deps.Memory}
		deps.Responder = responder.NewScripted().Queue(&responder.Reply{
			Text:  "Noted.",
			Facts: map[string]string{"plan": "enterprise"},
		})
		cfg.MemoryTimeout = 20 * time.Millisecond
	})

	result, err := f.orch.SubmitTurn(context.Background(), &core.TurnRequest{
		SessionID: "sess-facts",
		Text:      "we are on the enterprise plan",
	})
	require.NoError(t, err)
	require.True(t, result.Degraded())

	found := false
	for _, d := range result.Degradations {
		if d.Subsystem == core.SubsystemMemory {
			found = true
		}
	}
	require.True(t, found, "stalled fact write must degrade the turn")
}

func TestTurnsSerializePerSession(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	slow := responder.Func(func(ctx context.Context, prompt *responder.Prompt) (*responder.Reply, error) {
		n := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if n <= prev || maxInFlight.CompareAndSwap(prev, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &responder.Reply{Text: "ok"}, nil
	})
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Responder = slow
	})

	const turns = 8
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.orch.SubmitTurn(context.Background(), &core.TurnRequest{
				SessionID: "one-session",
				Text:      fmt.Sprintf("message %d", i),
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), maxInFlight.Load(), "turns in one session must not overlap")

	history, err := f.orch.History(context.Background(), "one-session", turns*2)
	require.NoError(t, err)
	require.Len(t, history, turns*2)
	// User/assistant pairs alternate with strictly increasing Seq.
	for i, turn := range history {
		if i > 0 {
			require.Greater(t, turn.Seq, history[i-1].Seq)
		}
		if i%2 == 0 {
			require.Equal(t, core.RoleUser, turn.Role)
		} else {
			require.Equal(t, core.RoleAssistant, turn.Role)
		}
	}
}

func TestSessionsDoNotBlockEachOther(t *testing.T) {
	release := make(chan struct{})
	blocking := responder.Func(func(ctx context.Context, prompt *responder.Prompt) (*responder.Reply, error) {
		if prompt.UserText == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &responder.Reply{Text: "ok"}, nil
	})
	f := newFixture(t, func(deps *Deps, cfg *Config) {
		deps.Responder = blocking
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.orch.SubmitTurn(context.Background(), &core.TurnRequest{SessionID: "slow-session", Text: "slow"})
		require.NoError(t, err)
	}()

	// The fast session completes while the slow one is still blocked.
	_, err := f.orch.SubmitTurn(context.Background(), &core.TurnRequest{SessionID: "fast-session", Text: "hi"})
	require.NoError(t, err)

	close(release)
	<-done
}

func TestIdempotentTurnRetry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := &core.TurnRequest{SessionID: "s", TurnID: "turn-1", Text: "hello"}
	_, err := f.orch.SubmitTurn(ctx, req)
	require.NoError(t, err)
	_, err = f.orch.SubmitTurn(ctx, req)
	require.NoError(t, err)

	history, err := f.orch.History(ctx, "s", 10)
	require.NoError(t, err)
	require.Len(t, history, 2, "retried turn must not duplicate the pair")
}
