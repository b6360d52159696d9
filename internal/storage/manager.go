package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	dbFileName = "mcphub.db"

	bucketEmbeddings = "embeddings"
	bucketToolStats  = "tool_stats"
)

// Manager wraps the embedded bbolt database used for the embedding
// cache and tool usage statistics. It is safe for concurrent use.
type Manager struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// ToolUsage tracks invocation statistics for one qualified tool name.
type ToolUsage struct {
	Count    uint64    `json:"count"`
	LastUsed time.Time `json:"last_used"`
}

// ToolStatEntry is one row of the top-tools report.
type ToolStatEntry struct {
	ToolName string `json:"tool_name"`
	Count    uint64 `json:"count"`
}

// NewManager opens (or creates) the database under dataDir.
func NewManager(dataDir string, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	path := filepath.Join(dataDir, dbFileName)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketEmbeddings, bucketToolStats} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("Opened storage database", zap.String("path", path))
	return &Manager{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}

// GetEmbedding returns the cached vector for a tool hash, or nil when
// not cached.
func (m *Manager) GetEmbedding(toolHash string) ([]float32, error) {
	var vector []float32
	err := m.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketEmbeddings)).Get([]byte(toolHash))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &vector)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding %s: %w", toolHash, err)
	}
	return vector, nil
}

// PutEmbedding caches a vector under a tool hash.
func (m *Manager) PutEmbedding(toolHash string, vector []float32) error {
	data, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketEmbeddings)).Put([]byte(toolHash), data)
	})
}

// DeleteEmbedding removes a cached vector.
func (m *Manager) DeleteEmbedding(toolHash string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketEmbeddings)).Delete([]byte(toolHash))
	})
}

// IncrementToolUsage bumps the invocation counter for a qualified tool.
func (m *Manager) IncrementToolUsage(toolName string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketToolStats))

		var usage ToolUsage
		if data := bucket.Get([]byte(toolName)); data != nil {
			if err := json.Unmarshal(data, &usage); err != nil {
				// Corrupt entry, start over.
				usage = ToolUsage{}
			}
		}
		usage.Count++
		usage.LastUsed = time.Now()

		data, err := json.Marshal(usage)
		if err != nil {
			return fmt.Errorf("failed to encode tool usage: %w", err)
		}
		return bucket.Put([]byte(toolName), data)
	})
}

// GetToolUsage returns the statistics for one qualified tool, or nil
// when it was never called.
func (m *Manager) GetToolUsage(toolName string) (*ToolUsage, error) {
	var usage *ToolUsage
	err := m.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketToolStats)).Get([]byte(toolName))
		if data == nil {
			return nil
		}
		usage = &ToolUsage{}
		return json.Unmarshal(data, usage)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read tool usage %s: %w", toolName, err)
	}
	return usage, nil
}

// GetTopTools returns up to limit tools ordered by descending usage.
func (m *Manager) GetTopTools(limit int) ([]ToolStatEntry, error) {
	var entries []ToolStatEntry
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketToolStats)).ForEach(func(k, v []byte) error {
			var usage ToolUsage
			if err := json.Unmarshal(v, &usage); err != nil {
				return nil // skip corrupt entries
			}
			entries = append(entries, ToolStatEntry{ToolName: string(k), Count: usage.Count})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read tool stats: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].ToolName < entries[j].ToolName
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
