package aggregate

import (
	"errors"
	"testing"

	"github.com/hyperjump/lexsub/internal/embedding"
	"github.com/hyperjump/lexsub/internal/models"
	"github.com/hyperjump/lexsub/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTable(t *testing.T, rows map[string][]float32, order ...string) *embedding.Table {
	t.Helper()
	table := embedding.NewTable(2)
	for _, w := range order {
		_, err := table.Put(w, "N", append([]float32(nil), rows[w]...))
		require.NoError(t, err)
	}
	require.NoError(t, embedding.NormalizeAll(table))
	return table
}

func instance(target string, pos int, words ...string) *models.Instance {
	ctx := make([]models.ContextToken, len(words))
	for i, w := range words {
		ctx[i] = models.ContextToken{Word: w, Category: "X"}
	}
	return &models.Instance{
		SentenceID:     "s1",
		InstanceID:     "1",
		TargetWord:     target,
		TargetCategory: "N",
		TargetPosition: pos,
		Context:        ctx,
	}
}

func TestAggregate_NoOverlap(t *testing.T) {
	table := buildTable(t, map[string][]float32{
		"chat": {1, 0}, "chien": {0.9, 0.1}, "table": {0, 1},
	}, "chat", "chien", "table")

	_, _, err := New().Aggregate(instance("chat", 2, "le", "chat", "noir"), table)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNoContextOverlap))
	var nce *models.NoContextOverlapError
	require.True(t, errors.As(err, &nce))
	assert.Equal(t, "chat", nce.Key.TargetWord)
	assert.Equal(t, "1", nce.InstanceID)
}

func TestAggregate_SingleContributor(t *testing.T) {
	table := buildTable(t, map[string][]float32{
		"chien": {0.9, 0.1}, "table": {0, 1},
	}, "chien", "table")

	vec, n, err := New().Aggregate(instance("chat", 2, "le", "chat", "chien"), table)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	chien, _ := table.Lookup("chien")
	assert.InDelta(t, 1.0, utils.Dot(vec, chien.Vector), 1e-5)
	assert.InDelta(t, 1.0, utils.L2Norm(vec), 1e-3)
}

func TestAggregate_ExcludesTargetPositionOnly(t *testing.T) {
	table := buildTable(t, map[string][]float32{
		"chat": {1, 0}, "table": {0, 1},
	}, "chat", "table")

	// "chat" appears at position 1 and 3; only position 3 is the target.
	vec, n, err := New().Aggregate(instance("chat", 3, "chat", "table", "chat"), table)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	// average of [1,0] and [0,1], normalized
	assert.InDelta(t, 0.7071, vec[0], 1e-3)
	assert.InDelta(t, 0.7071, vec[1], 1e-3)

	vec, n, err = New().Aggregate(instance("chat", 1, "chat", "table"), table)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 0, vec[0], 1e-3)
}

func TestAggregate_IncludeTarget(t *testing.T) {
	table := buildTable(t, map[string][]float32{"chat": {1, 0}}, "chat")

	_, _, err := New().Aggregate(instance("chat", 2, "le", "chat"), table)
	assert.ErrorIs(t, err, models.ErrNoContextOverlap)

	vec, n, err := New(WithIncludeTarget(true)).Aggregate(instance("chat", 2, "le", "chat"), table)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 1.0, vec[0], 1e-3)
}

func TestAggregate_TargetOnlyWindow(t *testing.T) {
	table := buildTable(t, map[string][]float32{
		"chat": {1, 0}, "table": {0, 1},
	}, "chat", "table")
	agg := New(WithFullWindow(false))

	vec, n, err := agg.Aggregate(instance("Chat", 2, "table", "Chat", "table"), table)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 1.0, vec[0], 1e-3)
	assert.InDelta(t, 0.0, vec[1], 1e-3)

	_, _, err = agg.Aggregate(instance("souris", 1, "souris", "table"), table)
	assert.ErrorIs(t, err, models.ErrNoContextOverlap)
}

func TestAggregate_DoesNotMutateInputs(t *testing.T) {
	table := buildTable(t, map[string][]float32{
		"chat": {1, 0}, "table": {0, 1},
	}, "chat", "table")
	inst := instance("chat", 1, "chat", "table")
	before := append([]models.ContextToken(nil), inst.Context...)
	chat := append([]float32(nil), table.Entry(0).Vector...)

	_, _, err := New().Aggregate(inst, table)
	require.NoError(t, err)
	assert.Equal(t, before, inst.Context)
	assert.Equal(t, chat, table.Entry(0).Vector)
}

func TestAggregate_Deterministic(t *testing.T) {
	table := buildTable(t, map[string][]float32{
		"chat": {1, 0}, "chien": {0.9, 0.1}, "table": {0, 1},
	}, "chat", "chien", "table")
	inst := instance("x", 1, "x", "chat", "chien", "table")
	a, _, err := New().Aggregate(inst, table)
	require.NoError(t, err)
	b, _, err := New().Aggregate(inst, table)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
