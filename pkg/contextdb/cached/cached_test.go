package cached

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/convmemory/pkg/contextdb"
	"github.com/nainya/convmemory/pkg/contextdb/contextdbtest"
	"github.com/nainya/convmemory/pkg/conversation"
)

// countingRepository records how often the inner layer is read
type countingRepository struct {
	*contextdb.Memory
	loads int
}

func (c *countingRepository) Load(ctx context.Context, id string) (conversation.ConversationContext, error) {
	c.loads++
	return c.Memory.Load(ctx, id)
}

// reportingRepository accepts a decode error handler
type reportingRepository struct {
	*contextdb.Memory
	handler contextdb.DecodeErrorHandler
}

func (r *reportingRepository) SetDecodeErrorHandler(h contextdb.DecodeErrorHandler) {
	r.handler = h
}

func TestCachedForwardsDecodeErrorHandler(t *testing.T) {
	inner := &reportingRepository{Memory: contextdb.NewMemory()}
	repo, err := New(inner, Options{})
	require.NoError(t, err)
	defer repo.Close()

	var reported string
	repo.SetDecodeErrorHandler(func(id string, err error) { reported = id })
	require.NotNil(t, inner.handler)
	inner.handler.Report("ctx-9", assert.AnError)
	assert.Equal(t, "ctx-9", reported)

	// Inner repositories without the hook are left alone.
	plain, err := New(contextdb.NewMemory(), Options{})
	require.NoError(t, err)
	defer plain.Close()
	plain.SetDecodeErrorHandler(func(string, error) {})
}

func TestCachedRepository(t *testing.T) {
	contextdbtest.Run(t, func(t *testing.T) contextdb.Repository {
		repo, err := New(contextdb.NewMemory(), Options{})
		require.NoError(t, err)
		t.Cleanup(func() { repo.Close() })
		return repo
	})
}

func TestCachedServesRepeatedLoads(t *testing.T) {
	inner := &countingRepository{Memory: contextdb.NewMemory()}
	ctx := context.Background()
	require.NoError(t, inner.Save(ctx, contextdbtest.Sample("ctx-1", "session-1", 2)))

	repo, err := New(inner, Options{})
	require.NoError(t, err)
	defer repo.Close()

	first, err := repo.Load(ctx, "ctx-1")
	require.NoError(t, err)
	first.ConversationThread[0].ID = "mutated"

	second, err := repo.Load(ctx, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, "ctx-1-turn-1", second.ConversationThread[0].ID)
	assert.LessOrEqual(t, inner.loads, 2)
}

func TestCachedDeleteInvalidates(t *testing.T) {
	repo, err := New(contextdb.NewMemory(), Options{})
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, contextdbtest.Sample("ctx-1", "session-1", 1)))
	require.NoError(t, repo.Delete(ctx, "ctx-1"))

	_, err = repo.Load(ctx, "ctx-1")
	assert.ErrorIs(t, err, contextdb.ErrNotFound)
}
