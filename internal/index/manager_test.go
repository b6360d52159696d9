package index

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parasshah10/mcphub/internal/config"
	"github.com/parasshah10/mcphub/internal/storage"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// embeddingServer answers like an OpenAI embeddings endpoint with
// deterministic vectors so similarity rankings are predictable.
func embeddingServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, len(req.Input))
		for i, text := range req.Input {
			vec := []float32{0.5, 0.5}
			switch {
			case strings.Contains(strings.ToLower(text), "weather"):
				vec = []float32{1, 0}
			case strings.Contains(strings.ToLower(text), "database"):
				vec = []float32{0, 1}
			}
			data[i] = item{Index: i, Embedding: vec}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func memoryManager(t *testing.T, baseURL string, store *storage.Manager) *Manager {
	t.Helper()
	m, err := NewManager(&config.SmartRoutingConfig{
		Enabled: true,
		Backend: "memory",
		BaseURL: baseURL,
		Model:   "test-embed",
	}, t.TempDir(), store, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func catalogTools() []Tool {
	return []Tool{
		{
			ServerName:    "weather",
			ToolName:      "get_forecast",
			QualifiedName: "weather::get_forecast",
			Description:   "Get the weather forecast for a city",
		},
		{
			ServerName:    "db",
			ToolName:      "run_query",
			QualifiedName: "db::run_query",
			Description:   "Run a SQL query against the database",
		},
	}
}

func TestNewManagerBackendSelection(t *testing.T) {
	// memory without a provider is a config error.
	_, err := NewManager(&config.SmartRoutingConfig{Backend: "memory"}, t.TempDir(), nil, testLogger())
	require.Error(t, err)

	_, err = NewManager(&config.SmartRoutingConfig{Backend: "faiss"}, t.TempDir(), nil, testLogger())
	require.Error(t, err)

	// No provider defaults to the bleve keyword backend.
	m, err := NewManager(&config.SmartRoutingConfig{}, t.TempDir(), nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, m.Close())
}

func TestRebuildAndSearch(t *testing.T) {
	ts := embeddingServer(t, nil)
	m := memoryManager(t, ts.URL, nil)
	ctx := context.Background()

	require.NoError(t, m.Rebuild(ctx, catalogTools()))

	results, err := m.Search(ctx, "weather in Paris", 10, nil)
	require.NoError(t, err)
	// The database tool is orthogonal to the query and falls below the
	// similarity threshold.
	require.Len(t, results, 1)
	assert.Equal(t, "weather::get_forecast", results[0].Document.ID)
	assert.Equal(t, "weather", results[0].Document.ServerName)
}

func TestSearchWaivesThresholdForSingleResult(t *testing.T) {
	ts := embeddingServer(t, nil)
	m := memoryManager(t, ts.URL, nil)
	ctx := context.Background()

	require.NoError(t, m.Rebuild(ctx, catalogTools()[1:]))

	// Only the orthogonal tool is indexed. With limit 1 the best match
	// comes back regardless of its score.
	results, err := m.Search(ctx, "weather in Paris", 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "db::run_query", results[0].Document.ID)

	results, err = m.Search(ctx, "weather in Paris", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchFiltersByAllowedServers(t *testing.T) {
	ts := embeddingServer(t, nil)
	m := memoryManager(t, ts.URL, nil)
	ctx := context.Background()

	require.NoError(t, m.Rebuild(ctx, catalogTools()))

	results, err := m.Search(ctx, "anything at all", 10, map[string]bool{"db": true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "db", results[0].Document.ServerName)
}

func TestRebuildSkipsUnchangedTools(t *testing.T) {
	var calls atomic.Int64
	ts := embeddingServer(t, &calls)
	m := memoryManager(t, ts.URL, nil)
	ctx := context.Background()

	tools := catalogTools()
	require.NoError(t, m.Rebuild(ctx, tools))
	after := calls.Load()
	require.Greater(t, after, int64(0))

	// Same catalog, nothing to embed.
	require.NoError(t, m.Rebuild(ctx, tools))
	assert.Equal(t, after, calls.Load())

	// A description change re-embeds that tool.
	tools[0].Description = "Get the weather forecast and alerts for a city"
	require.NoError(t, m.Rebuild(ctx, tools))
	assert.Greater(t, calls.Load(), after)
}

func TestRebuildRemovesStaleTools(t *testing.T) {
	ts := embeddingServer(t, nil)
	m := memoryManager(t, ts.URL, nil)
	ctx := context.Background()

	require.NoError(t, m.Rebuild(ctx, catalogTools()))
	require.NoError(t, m.Rebuild(ctx, catalogTools()[:1]))

	count, err := m.backend.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := m.Search(ctx, "database query", 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "weather::get_forecast", results[0].Document.ID)
}

func TestRebuildUsesEmbeddingCache(t *testing.T) {
	store, err := storage.NewManager(t.TempDir(), testLogger())
	require.NoError(t, err)
	defer store.Close()

	var calls atomic.Int64
	ts := embeddingServer(t, &calls)
	ctx := context.Background()

	m1 := memoryManager(t, ts.URL, store)
	require.NoError(t, m1.Rebuild(ctx, catalogTools()))
	after := calls.Load()

	// A fresh manager has no in-memory hashes but finds every vector in
	// the persistent cache.
	m2 := memoryManager(t, ts.URL, store)
	require.NoError(t, m2.Rebuild(ctx, catalogTools()))
	assert.Equal(t, after, calls.Load())
}

func TestSearchDegradesWhenEmbedderFails(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	upstream := embeddingServer(t, nil)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "provider down", http.StatusServiceUnavailable)
			return
		}
		upstream.Config.Handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	m := memoryManager(t, ts.URL, nil)
	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx, catalogTools()))

	healthy.Store(false)
	results, err := m.Search(ctx, "weather", 5, nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestRebuildFailsWhenEmbedderFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "provider down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)

	m := memoryManager(t, ts.URL, nil)
	err := m.Rebuild(context.Background(), catalogTools())
	require.Error(t, err)
}

func TestBleveManagerEndToEnd(t *testing.T) {
	m, err := NewManager(&config.SmartRoutingConfig{Backend: "bleve"}, t.TempDir(), nil, testLogger())
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Rebuild(ctx, catalogTools()))

	results, err := m.Search(ctx, "weather forecast", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "weather::get_forecast", results[0].Document.ID)
}
