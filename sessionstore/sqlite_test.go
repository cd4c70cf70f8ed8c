package sessionstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/luminara-labs/deskflow/core"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "deskflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newSession(t *testing.T, store Store, userID string) *core.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &core.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		Active:    true,
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))
	return sess
}

func pair(sessionID, userText, assistantText string) (*core.Turn, *core.Turn) {
	now := time.Now().UTC()
	user := &core.Turn{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      core.RoleUser,
		Content:   userText,
		CreatedAt: now,
	}
	assistant := &core.Turn{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      core.RoleAssistant,
		Content:   assistantText,
		CreatedAt: now,
	}
	return user, assistant
}

func TestSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newSession(t, store, "user-1")

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, got.ID)
	require.Equal(t, "user-1", got.UserID)
	require.True(t, got.Active)

	_, err = store.GetSession(ctx, "missing")
	require.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestAppendPairOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, store, "")

	for i := 0; i < 3; i++ {
		user, assistant := pair(sess.ID, "question", "answer")
		require.NoError(t, store.AppendPair(ctx, sess.ID, user, assistant, time.Now().UTC()))
	}

	turns, err := store.ReadRecent(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 6)
	for i := 1; i < len(turns); i++ {
		require.Greater(t, turns[i].Seq, turns[i-1].Seq, "turns must be strictly ordered")
	}
	require.Equal(t, core.RoleUser, turns[0].Role)
	require.Equal(t, core.RoleAssistant, turns[1].Role)

	// Window keeps the most recent turns.
	window, err := store.ReadRecent(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, window, 2)
	require.Equal(t, turns[4].ID, window[0].ID)
}

func TestAppendPairIdempotentRetry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, store, "")

	user, assistant := pair(sess.ID, "hello", "hi")
	require.NoError(t, store.AppendPair(ctx, sess.ID, user, assistant, time.Now().UTC()))

	// A retry of the same logical turn must not duplicate anything.
	retryAssistant := *assistant
	retryAssistant.ID = uuid.New().String()
	require.NoError(t, store.AppendPair(ctx, sess.ID, user, &retryAssistant, time.Now().UTC()))

	turns, err := store.ReadRecent(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
}

func TestAppendPairAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, store, "")

	seedUser, seedAssistant := pair(sess.ID, "a", "b")
	require.NoError(t, store.AppendPair(ctx, sess.ID, seedUser, seedAssistant, time.Now().UTC()))

	// The assistant insert collides with an existing turn ID, so the whole
	// pair must roll back: no user-only turn may become visible.
	user, assistant := pair(sess.ID, "c", "d")
	assistant.ID = seedAssistant.ID
	err := store.AppendPair(ctx, sess.ID, user, assistant, time.Now().UTC())
	require.Error(t, err)

	turns, err := store.ReadRecent(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	for _, turn := range turns {
		require.NotEqual(t, user.ID, turn.ID)
	}
}

func TestTurnMetadataRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, store, "")

	user, assistant := pair(sess.ID, "how do I reset?", "see the guide")
	user.Attachments = []core.Attachment{{
		ID:            uuid.New().String(),
		Filename:      "log.txt",
		ContentType:   "text/plain",
		Data:          []byte("raw bytes stay with the processor"),
		ExtractedText: "extracted",
	}}
	assistant.Sources = []core.SourceCitation{{
		ID:         uuid.New().String(),
		Snippet:    "Reset your password from the account page.",
		DocumentID: "kb-42",
		Location:   "chunk-0",
		Distance:   0.12,
	}}
	assistant.Escalated = true
	require.NoError(t, store.AppendPair(ctx, sess.ID, user, assistant, time.Now().UTC()))

	turns, err := store.ReadRecent(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)

	require.Len(t, turns[0].Attachments, 1)
	require.Equal(t, "log.txt", turns[0].Attachments[0].Filename)
	require.Empty(t, turns[0].Attachments[0].Data, "raw bytes are not persisted on the turn")

	require.Len(t, turns[1].Sources, 1)
	require.Equal(t, "kb-42", turns[1].Sources[0].DocumentID)
	require.True(t, turns[1].Escalated)
}

func TestSessionsNeverInterleave(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := newSession(t, store, "")
	b := newSession(t, store, "")

	ua, aa := pair(a.ID, "from a", "to a")
	ub, ab := pair(b.ID, "from b", "to b")
	require.NoError(t, store.AppendPair(ctx, a.ID, ua, aa, time.Now().UTC()))
	require.NoError(t, store.AppendPair(ctx, b.ID, ub, ab, time.Now().UTC()))

	turnsA, err := store.ReadRecent(ctx, a.ID, 10)
	require.NoError(t, err)
	for _, turn := range turnsA {
		require.Equal(t, a.ID, turn.SessionID)
	}
}
