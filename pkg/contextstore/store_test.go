package contextstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/convmemory/internal/clock"
	"github.com/nainya/convmemory/internal/metrics"
	"github.com/nainya/convmemory/pkg/contextdb"
	"github.com/nainya/convmemory/pkg/contextdb/sqlite"
	"github.com/nainya/convmemory/pkg/conversation"
	"github.com/nainya/convmemory/pkg/enricher"
	"github.com/nainya/convmemory/pkg/summarizer"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	clock *clock.Fake
	repo  *contextdb.Memory
	store *Store
}

func newHarness(t *testing.T) harness {
	t.Helper()
	fc := clock.NewFake(t0)
	repo := contextdb.NewMemory()
	enr := enricher.New(enricher.DefaultConfig(), enricher.WithClock(fc))
	sum := summarizer.New(summarizer.DefaultConfig(), enr, summarizer.WithClock(fc))

	n := 0
	ids := func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return harness{
		clock: fc,
		repo:  repo,
		store: New(DefaultConfig(), repo, enr, sum, WithClock(fc), WithIDGenerator(ids)),
	}
}

func query(text string) conversation.ProcessedQuery {
	return conversation.ProcessedQuery{OriginalText: text}
}

func answer(summary string) conversation.AnalysisResult {
	return conversation.AnalysisResult{
		Summary:    summary,
		Confidence: 0.9,
		Findings: []conversation.Finding{
			{Description: summary, Confidence: 0.85},
		},
	}
}

func TestCreateContext(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cc, err := h.store.CreateContext(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "id-1", cc.ID)
	assert.Equal(t, "session-1", cc.SessionID)
	assert.Empty(t, cc.ConversationThread)
	assert.True(t, cc.CumulativeContext.IsEmpty())
	assert.Equal(t, t0.Add(24*time.Hour), cc.ExpiresAt)
	assert.Equal(t, t0, cc.Metadata.CreatedAt)

	_, err = h.store.CreateContext(ctx, "session-1")
	assert.ErrorIs(t, err, conversation.ErrContextExists)

	_, err = h.store.CreateContext(ctx, "")
	assert.ErrorIs(t, err, ErrEmptySessionID)
}

func TestGetContextBySessionIDRecordsAccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.store.CreateContext(ctx, "session-1")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	cc, err := h.store.GetContextBySessionID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cc.Metadata.AccessCount)
	assert.Equal(t, t0.Add(time.Minute), cc.Metadata.LastAccessed)

	cc, err = h.store.GetContextBySessionID(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, 2, cc.Metadata.AccessCount)

	_, err = h.store.GetContextBySessionID(ctx, "missing")
	assert.ErrorIs(t, err, conversation.ErrContextNotFound)
}

func TestAddTurn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cc, err := h.store.CreateContext(ctx, "session-1")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	turn, err := h.store.AddTurn(ctx, cc.ID, query("What is the steel beam size?"), answer("The steel beam is W12x26."), false)
	require.NoError(t, err)
	assert.Equal(t, 1, turn.TurnNumber)
	assert.Equal(t, "id-2", turn.Query.ID, "missing query id is filled")
	assert.Equal(t, t0.Add(time.Minute), turn.Timestamp)
	assert.Contains(t, turn.ContextContributions, "entity:beam")

	stored, err := h.repo.Load(ctx, cc.ID)
	require.NoError(t, err)
	require.Len(t, stored.ConversationThread, 1)
	assert.Contains(t, stored.CumulativeContext.ExtractedEntities, "beam")
	assert.Contains(t, stored.CumulativeContext.ExtractedEntities, "steel")
	assert.Equal(t, t0.Add(time.Minute), stored.LastUpdated)
	assert.Equal(t, t0.Add(time.Minute+24*time.Hour), stored.ExpiresAt)

	_, err = h.store.AddTurn(ctx, "missing", query("Hello"), answer("Hi"), false)
	assert.ErrorIs(t, err, conversation.ErrContextNotFound)
}

func TestAddTurnClampsTimestamp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cc, err := h.store.CreateContext(ctx, "session-1")
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	first, err := h.store.AddTurn(ctx, cc.ID, query("Where is the valve?"), answer("Near grid B."), false)
	require.NoError(t, err)

	h.clock.Set(t0.Add(30 * time.Minute))
	second, err := h.store.AddTurn(ctx, cc.ID, query("What size is the valve?"), answer("DN50."), true)
	require.NoError(t, err)
	assert.Equal(t, first.Timestamp, second.Timestamp)
	assert.True(t, second.FollowUpDetected)
}

func TestAddTurnCompactsAndStaysContiguous(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cc, err := h.store.CreateContext(ctx, "session-1")
	require.NoError(t, err)

	var last conversation.ConversationTurn
	for i := 1; i <= 25; i++ {
		h.clock.Advance(time.Minute)
		last, err = h.store.AddTurn(ctx, cc.ID,
			query(fmt.Sprintf("Question %d about the concrete slab?", i)),
			answer(fmt.Sprintf("Slab answer %d.", i)), false)
		require.NoError(t, err)
	}

	stored, err := h.repo.Load(ctx, cc.ID)
	require.NoError(t, err)
	thread := stored.ConversationThread
	assert.LessOrEqual(t, len(thread), DefaultConfig().MaxTurnsPerContext)
	for i, turn := range thread {
		assert.Equal(t, i+1, turn.TurnNumber)
	}
	assert.Equal(t, last.ID, thread[len(thread)-1].ID)
	assert.Equal(t, len(thread), last.TurnNumber)
	assert.GreaterOrEqual(t, stored.Metadata.CompressionLevel, 1)
	assert.True(t, stored.Metadata.HasTag(conversation.TagCompressed))
	assert.NotEmpty(t, stored.Summaries)
	assert.True(t, h.store.ValidateContext(stored).IsValid)
}

func TestGetRelevantContext(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	scores, err := h.store.GetRelevantContext(ctx, "missing", "steel beam", 3)
	require.NoError(t, err)
	assert.NotNil(t, scores)
	assert.Empty(t, scores)

	cc, err := h.store.CreateContext(ctx, "session-1")
	require.NoError(t, err)
	_, err = h.store.AddTurn(ctx, cc.ID, query("What is the steel beam size?"), answer("W12x26 steel beam."), false)
	require.NoError(t, err)
	_, err = h.store.AddTurn(ctx, cc.ID, query("Where is the valve?"), answer("Near grid B."), false)
	require.NoError(t, err)

	scores, err = h.store.GetRelevantContext(ctx, "session-1", "How deep is the steel beam?", 3)
	require.NoError(t, err)
	require.NotEmpty(t, scores)
	assert.Equal(t, "id-3", scores[0].TurnID)

	stored, err := h.repo.Load(ctx, cc.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Metadata.AccessCount)
}

func TestEnhanceQuery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	q := query("How deep is the steel beam?")
	enhanced, err := h.store.EnhanceQuery(ctx, "missing", q, 3)
	require.NoError(t, err)
	assert.Equal(t, q.OriginalText, enhanced.EnhancedText)

	cc, err := h.store.CreateContext(ctx, "session-1")
	require.NoError(t, err)
	_, err = h.store.AddTurn(ctx, cc.ID, query("What is the steel beam size?"), answer("W12x26 steel beam."), false)
	require.NoError(t, err)

	enhanced, err = h.store.EnhanceQuery(ctx, "session-1", q, 3)
	require.NoError(t, err)
	assert.Contains(t, enhanced.EnhancedText, "[Conversation context]")
	assert.Contains(t, enhanced.EnhancedText, q.OriginalText)
	assert.NotEmpty(t, enhanced.ContextTurnIDs)
}

func TestResetContext(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cc, err := h.store.CreateContext(ctx, "session-1")
	require.NoError(t, err)
	_, err = h.store.AddTurn(ctx, cc.ID, query("Where is the valve?"), answer("Near grid B."), false)
	require.NoError(t, err)

	reset, err := h.store.ResetContext(ctx, "session-1")
	require.NoError(t, err)
	assert.NotEqual(t, cc.ID, reset.ID)
	assert.Empty(t, reset.ConversationThread)

	_, err = h.repo.Load(ctx, cc.ID)
	assert.ErrorIs(t, err, contextdb.ErrNotFound)

	fresh, err := h.store.ResetContext(ctx, "session-2")
	require.NoError(t, err)
	assert.Equal(t, "session-2", fresh.SessionID)

	sessions, err := h.store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"session-1", "session-2"}, sessions)
}

func TestCleanupExpiredContexts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.store.CreateContext(ctx, "old")
	require.NoError(t, err)
	h.clock.Advance(12 * time.Hour)
	_, err = h.store.CreateContext(ctx, "young")
	require.NoError(t, err)

	h.clock.Advance(13 * time.Hour)
	removed, err := h.store.CleanupExpiredContexts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	sessions, err := h.store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"young"}, sessions)

	removed, err = h.store.CleanupExpiredContexts(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestOptimizeStorage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.store.CreateContext(ctx, "stale")
	require.NoError(t, err)
	h.clock.Advance(8 * 24 * time.Hour)
	_, err = h.store.CreateContext(ctx, "fresh")
	require.NoError(t, err)

	report, err := h.store.OptimizeStorage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ContextsCleaned)
	assert.Equal(t, []string{"id-1"}, report.Cleanup.RemovedIDs)

	sessions, err := h.store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, sessions)

	usage, err := h.store.MemoryUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.TotalContexts)
	assert.Positive(t, usage.TotalBytes)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, c.Write(&out))
	return out.GetCounter().GetValue()
}

func TestOptimizeStorageRecordsEvictedTurns(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(t0)
	enr := enricher.New(enricher.DefaultConfig(), enricher.WithClock(fc))
	sum := summarizer.New(summarizer.DefaultConfig(), enr, summarizer.WithClock(fc))
	m := metrics.NewMetrics(prometheus.NewRegistry())
	store := New(DefaultConfig(), contextdb.NewMemory(), enr, sum, WithClock(fc), WithMetrics(m))

	// Above the summarizer's limit but under the store's own, so AddTurn keeps every turn.
	cc, err := store.CreateContext(ctx, "long")
	require.NoError(t, err)
	for i := 0; i < 18; i++ {
		fc.Advance(time.Minute)
		_, err := store.AddTurn(ctx, cc.ID, query("What is the steel beam size?"), answer("W12x26."), false)
		require.NoError(t, err)
	}
	require.Zero(t, counterValue(t, m.CompactionsTotal))

	report, err := store.OptimizeStorage(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.ContextsCompressed)

	got, err := store.PeekContext(ctx, "long")
	require.NoError(t, err)
	assert.Equal(t, 18-len(got.ConversationThread), report.RemovedTurns)
	assert.Positive(t, report.RemovedTurns)
	assert.Equal(t, 1.0, counterValue(t, m.CompactionsTotal))
	assert.Equal(t, float64(report.RemovedTurns), counterValue(t, m.TurnsEvictedTotal))
}

func TestNonASCIIQuerySurvivesPersistentRepository(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(t0)
	repo, err := sqlite.New(sqlite.Options{Path: filepath.Join(t.TempDir(), "contexts.db")})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	enr := enricher.New(enricher.DefaultConfig(), enricher.WithClock(fc))
	sum := summarizer.New(summarizer.DefaultConfig(), enr, summarizer.WithClock(fc))
	store := New(DefaultConfig(), repo, enr, sum, WithClock(fc))

	cc, err := store.CreateContext(ctx, "session-1")
	require.NoError(t, err)
	// The "é" sits where the relationship context is cut.
	text := "beam column " + strings.Repeat("x", 104) + "é détail über straße"
	_, err = store.AddTurn(ctx, cc.ID, query(text), answer("Vérifié."), false)
	require.NoError(t, err)

	got, err := store.GetContextBySessionID(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, got.ConversationThread, 1)
	assert.Equal(t, text, got.ConversationThread[0].Query.OriginalText)
	require.NotEmpty(t, got.CumulativeContext.RelationshipMap)
	for _, r := range got.CumulativeContext.RelationshipMap {
		assert.True(t, utf8.ValidString(r.Context))
	}
}

func TestMaintenanceSkipsCorruptSnapshots(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(t0)
	path := filepath.Join(t.TempDir(), "contexts.db")
	repo, err := sqlite.New(sqlite.Options{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	var skipped []string
	repo.SetDecodeErrorHandler(func(id string, err error) { skipped = append(skipped, id) })
	enr := enricher.New(enricher.DefaultConfig(), enricher.WithClock(fc))
	sum := summarizer.New(summarizer.DefaultConfig(), enr, summarizer.WithClock(fc))
	n := 0
	store := New(DefaultConfig(), repo, enr, sum, WithClock(fc), WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}))

	_, err = store.CreateContext(ctx, "good")
	require.NoError(t, err)
	_, err = store.CreateContext(ctx, "bad")
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE conversation_contexts SET snapshot = ? WHERE id = ?`, []byte("garbage"), "id-2")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	usage, err := store.MemoryUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.TotalContexts)

	removed, err := store.CleanupExpiredContexts(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = store.OptimizeStorage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"id-2", "id-2", "id-2"}, skipped)
}

func TestMergeSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, err := h.store.CreateContext(ctx, "a")
	require.NoError(t, err)
	b, err := h.store.CreateContext(ctx, "b")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	_, err = h.store.AddTurn(ctx, a.ID, query("What is the steel beam size?"), answer("W12x26."), false)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = h.store.AddTurn(ctx, b.ID, query("Where is the valve?"), answer("Near grid B."), false)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = h.store.AddTurn(ctx, a.ID, query("What grade is the concrete slab?"), answer("C30/37."), false)
	require.NoError(t, err)

	merged, err := h.store.MergeSessions(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, a.ID, merged.ID)
	require.Len(t, merged.ConversationThread, 3)
	for i, turn := range merged.ConversationThread {
		assert.Equal(t, i+1, turn.TurnNumber)
	}
	assert.Contains(t, merged.ConversationThread[1].Query.OriginalText, "valve")
	assert.Contains(t, merged.CumulativeContext.ExtractedEntities, "valve")

	sessions, err := h.store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, sessions)

	_, err = h.store.MergeSessions(ctx, "a", "missing")
	assert.ErrorIs(t, err, conversation.ErrContextNotFound)
}

func TestValidateContext(t *testing.T) {
	h := newHarness(t)

	result := h.store.ValidateContext(conversation.ConversationContext{})
	assert.False(t, result.IsValid)
	assert.Contains(t, result.Errors, "context id is missing")
	assert.Contains(t, result.Errors, "session id is missing")

	cc := conversation.ConversationContext{
		ID:        "ctx",
		SessionID: "s",
		ExpiresAt: t0.Add(-time.Hour),
		ConversationThread: []conversation.ConversationTurn{
			{ID: "a", TurnNumber: 1, Timestamp: t0},
			{ID: "b", TurnNumber: 3, Timestamp: t0.Add(-time.Minute)},
		},
		CumulativeContext: conversation.NewCumulativeContext(),
	}
	result = h.store.ValidateContext(cc)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.Errors, "turn b has number 3, expected 2")
	assert.Contains(t, result.Errors, "turn 3 is older than the turn before it")
	assert.Len(t, result.Warnings, 2)
}

func TestDiagnoseContext(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.store.DiagnoseContext(ctx, "missing")
	assert.ErrorIs(t, err, conversation.ErrContextNotFound)

	cc, err := h.store.CreateContext(ctx, "session-1")
	require.NoError(t, err)
	_, err = h.store.AddTurn(ctx, cc.ID, query("What is the steel beam size?"), answer("W12x26 steel beam."), false)
	require.NoError(t, err)

	d, err := h.store.DiagnoseContext(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, d.Validation.IsValid)
	assert.True(t, d.Consistency.IsValid)
	assert.Len(t, d.TurnScores, 1)
	assert.Equal(t, 1, d.Usage.TotalContexts)
	assert.Zero(t, d.Context.Metadata.AccessCount)

	stored, err := h.repo.Load(ctx, cc.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Metadata.AccessCount)
}

func TestCanceledContextAbortsAddTurn(t *testing.T) {
	h := newHarness(t)
	cc, err := h.store.CreateContext(context.Background(), "session-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.store.AddTurn(ctx, cc.ID, query("Where is the valve?"), answer("Near grid B."), false)
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := h.repo.Load(context.Background(), cc.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ConversationThread)
}
