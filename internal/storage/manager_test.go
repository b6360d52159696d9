package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestEmbeddingRoundTrip(t *testing.T) {
	m := newTestManager(t)

	vector := []float32{0.1, -0.5, 0.9}
	require.NoError(t, m.PutEmbedding("hash-a", vector))

	got, err := m.GetEmbedding("hash-a")
	require.NoError(t, err)
	assert.Equal(t, vector, got)
}

func TestGetEmbeddingMissing(t *testing.T) {
	m := newTestManager(t)

	got, err := m.GetEmbedding("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteEmbedding(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.PutEmbedding("hash-a", []float32{1}))
	require.NoError(t, m.DeleteEmbedding("hash-a"))

	got, err := m.GetEmbedding("hash-a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestToolUsageCounting(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.IncrementToolUsage("fetch::get"))
	require.NoError(t, m.IncrementToolUsage("fetch::get"))
	require.NoError(t, m.IncrementToolUsage("fs::read"))

	usage, err := m.GetToolUsage("fetch::get")
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.EqualValues(t, 2, usage.Count)
	assert.False(t, usage.LastUsed.IsZero())

	missing, err := m.GetToolUsage("unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetTopTools(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.IncrementToolUsage("a::x"))
	}
	require.NoError(t, m.IncrementToolUsage("b::y"))
	require.NoError(t, m.IncrementToolUsage("c::z"))

	top, err := m.GetTopTools(2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "a::x", top[0].ToolName)
	assert.EqualValues(t, 3, top[0].Count)
	// Equal counts fall back to name order.
	assert.Equal(t, "b::y", top[1].ToolName)
}

func TestManagerReopenKeepsData(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.PutEmbedding("persisted", []float32{42}))
	require.NoError(t, m.Close())

	m2, err := NewManager(dir, zap.NewNop())
	require.NoError(t, err)
	defer m2.Close()

	got, err := m2.GetEmbedding("persisted")
	require.NoError(t, err)
	assert.Equal(t, []float32{42}, got)
}
