package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/parasshah10/mcphub/internal/config"
	"github.com/parasshah10/mcphub/internal/storage"
)

// CosineThreshold is the minimum similarity a hit needs to appear in
// results. It is waived when the caller asks for a single result.
const CosineThreshold = 0.25

// embedBatchSize bounds one embeddings request.
const embedBatchSize = 64

// Tool is the indexable description of one qualified tool.
type Tool struct {
	ServerName    string
	ToolName      string
	QualifiedName string
	Description   string
	SchemaJSON    string
}

// Manager maintains the search index over the current tool catalog.
// Rebuild is incremental: only tools whose content hash changed are
// re-embedded, and vectors are cached in storage across restarts.
type Manager struct {
	backend  Backend
	embedder *Embedder
	storage  *storage.Manager
	logger   *zap.Logger

	mu     sync.Mutex
	hashes map[string]string // document ID -> content hash
}

// NewManager selects the backend from config: explicit "memory" or
// "bleve", defaulting to memory when an embedding provider is
// configured and bleve otherwise.
func NewManager(cfg *config.SmartRoutingConfig, dataDir string, store *storage.Manager, logger *zap.Logger) (*Manager, error) {
	backendName := cfg.Backend
	if backendName == "" {
		if cfg.BaseURL != "" {
			backendName = "memory"
		} else {
			backendName = "bleve"
		}
	}

	m := &Manager{
		storage: store,
		logger:  logger.Named("index"),
		hashes:  make(map[string]string),
	}

	switch backendName {
	case "memory":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("smart routing backend %q requires an embedding provider baseUrl", backendName)
		}
		m.backend = NewMemoryBackend()
		m.embedder = NewEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dimensions)
	case "bleve":
		backend, err := NewBleveBackend(dataDir, m.logger)
		if err != nil {
			return nil, err
		}
		m.backend = backend
	default:
		return nil, fmt.Errorf("unknown smart routing backend %q", backendName)
	}

	m.logger.Info("Search index ready", zap.String("backend", backendName))
	return m, nil
}

// Close releases backend resources.
func (m *Manager) Close() error {
	return m.backend.Close()
}

// Rebuild reconciles the index against the given catalog. Unchanged
// tools are skipped via content hashing; removed tools are deleted.
func (m *Manager) Rebuild(ctx context.Context, tools []Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired := make(map[string]Tool, len(tools))
	desiredHash := make(map[string]string, len(tools))
	for _, tool := range tools {
		desired[tool.QualifiedName] = tool
		desiredHash[tool.QualifiedName] = contentHash(tool)
	}

	var removed []string
	for id := range m.hashes {
		if _, ok := desired[id]; !ok {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		if err := m.backend.Delete(ctx, removed); err != nil {
			return fmt.Errorf("failed to delete stale index entries: %w", err)
		}
		for _, id := range removed {
			delete(m.hashes, id)
		}
	}

	var changed []Tool
	for id, tool := range desired {
		if m.hashes[id] != desiredHash[id] {
			changed = append(changed, tool)
		}
	}
	if len(changed) == 0 {
		return nil
	}

	docs := make([]Document, 0, len(changed))
	for _, tool := range changed {
		docs = append(docs, Document{
			ID:          tool.QualifiedName,
			ServerName:  tool.ServerName,
			ToolName:    tool.ToolName,
			Description: tool.Description,
			Text:        searchText(tool),
		})
	}

	if m.embedder != nil {
		if err := m.attachVectors(ctx, changed, docs); err != nil {
			return err
		}
	}

	if err := m.backend.Upsert(ctx, docs); err != nil {
		return fmt.Errorf("failed to index tools: %w", err)
	}
	for _, tool := range changed {
		m.hashes[tool.QualifiedName] = desiredHash[tool.QualifiedName]
	}

	m.logger.Info("Index rebuilt",
		zap.Int("updated", len(changed)),
		zap.Int("removed", len(removed)),
		zap.Int("total", len(desired)))
	return nil
}

// attachVectors fills in docs[i].Vector, consulting the persistent
// cache before calling the provider.
func (m *Manager) attachVectors(ctx context.Context, tools []Tool, docs []Document) error {
	var missingIdx []int
	var missingTexts []string

	for i := range docs {
		hash := contentHash(tools[i])
		if m.storage != nil {
			if vec, err := m.storage.GetEmbedding(hash); err == nil && len(vec) > 0 {
				docs[i].Vector = vec
				continue
			}
		}
		missingIdx = append(missingIdx, i)
		missingTexts = append(missingTexts, docs[i].Text)
	}

	for start := 0; start < len(missingTexts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(missingTexts) {
			end = len(missingTexts)
		}
		vectors, err := m.embedder.Embed(ctx, missingTexts[start:end])
		if err != nil {
			return fmt.Errorf("failed to embed tools: %w", err)
		}
		for j, vec := range vectors {
			i := missingIdx[start+j]
			docs[i].Vector = vec
			if m.storage != nil {
				if err := m.storage.PutEmbedding(contentHash(tools[i]), vec); err != nil {
					m.logger.Debug("Failed to cache embedding", zap.Error(err))
				}
			}
		}
	}
	return nil
}

// Search returns up to limit tools ranked by relevance. allowServers
// restricts hits to a server set when non-nil. With the cosine backend
// an embedder outage degrades to an empty result, never an error, and
// the similarity threshold is waived when limit <= 1.
func (m *Manager) Search(ctx context.Context, queryText string, limit int, allowServers map[string]bool) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}

	query := Query{Text: queryText}
	if m.embedder != nil {
		vectors, err := m.embedder.Embed(ctx, []string{queryText})
		if err != nil {
			m.logger.Warn("Query embedding failed, returning no results", zap.Error(err))
			return nil, nil
		}
		query.Vector = vectors[0]
	}

	// Over-fetch so post-filtering still fills the page.
	fetch := limit
	if allowServers != nil {
		fetch = limit*5 + 20
	}

	hits, err := m.backend.Search(ctx, query, fetch)
	if err != nil {
		return nil, err
	}

	applyThreshold := m.embedder != nil && limit > 1
	out := make([]Result, 0, limit)
	for _, hit := range hits {
		if allowServers != nil && !allowServers[hit.Document.ServerName] {
			continue
		}
		if applyThreshold && hit.Score < CosineThreshold {
			continue
		}
		out = append(out, hit)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func contentHash(tool Tool) string {
	h := sha256.New()
	h.Write([]byte(tool.ServerName))
	h.Write([]byte{0})
	h.Write([]byte(tool.ToolName))
	h.Write([]byte{0})
	h.Write([]byte(tool.Description))
	h.Write([]byte{0})
	h.Write([]byte(tool.SchemaJSON))
	return hex.EncodeToString(h.Sum(nil))
}

func searchText(tool Tool) string {
	parts := []string{tool.ToolName, tool.Description}
	if tool.SchemaJSON != "" {
		parts = append(parts, tool.SchemaJSON)
	}
	return strings.Join(parts, "\n")
}
