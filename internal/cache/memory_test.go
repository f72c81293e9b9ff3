package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/research-engine/internal/models"
)

func result(phase models.Phase, index int, items ...string) models.TrialResult {
	return models.TrialResult{Phase: phase, Index: index, SelectedItems: items}
}

func TestMemoryCacheKeepsOneCopyPerTrial(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.Put(ctx, "s1",
		result(models.PhaseMain, 1, "B"),
		result(models.PhasePractice, 2, "A"),
		result(models.PhaseMain, 0, "C"),
	))
	require.NoError(t, c.Put(ctx, "s1", result(models.PhaseMain, 1, "B2")))

	got, err := c.Load(ctx, "s1")
	require.NoError(t, err)

	var keys []string
	for _, r := range got {
		keys = append(keys, r.Key().String())
	}
	assert.Equal(t, []string{"Practice:2", "Main:0", "Main:1"}, keys)
	assert.Equal(t, []string{"B2"}, got[2].SelectedItems)
}

func TestMemoryCacheRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.Put(ctx, "s1", result(models.PhasePractice, 0), result(models.PhasePractice, 1)))
	require.NoError(t, c.Put(ctx, "s2", result(models.PhaseMain, 0)))

	ids, err := c.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, ids)

	require.NoError(t, c.Remove(ctx, "s1", models.TrialKey{Phase: models.PhasePractice, Index: 0}))
	got, _ := c.Load(ctx, "s1")
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Index)

	// removing the last entry forgets the session
	require.NoError(t, c.Remove(ctx, "s1", models.TrialKey{Phase: models.PhasePractice, Index: 1}))
	ids, _ = c.Sessions(ctx)
	assert.Equal(t, []string{"s2"}, ids)

	require.NoError(t, c.Clear(ctx, "s2"))
	got, _ = c.Load(ctx, "s2")
	assert.Empty(t, got)
}

func TestMemoryCacheStoresCopies(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	r := result(models.PhaseMain, 0, "A")
	require.NoError(t, c.Put(ctx, "s1", r))
	r.SelectedItems[0] = "Z"

	got, _ := c.Load(ctx, "s1")
	assert.Equal(t, "A", got[0].SelectedItems[0])
}
