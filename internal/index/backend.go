// Package index provides the tool search layer behind the smart
// routing meta-tools: an embedding-based cosine backend and a BM25
// keyword fallback for deployments without an embedding provider.
package index

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Document is one indexed tool.
type Document struct {
	ID          string // qualified tool name
	ServerName  string
	ToolName    string
	Description string
	Text        string // searchable text: name, description, schema
	Vector      []float32
}

// Result is one search hit.
type Result struct {
	Document Document
	Score    float64
}

// Query carries both representations; backends use the one they score
// with.
type Query struct {
	Text   string
	Vector []float32
}

// Backend stores documents and answers similarity queries.
type Backend interface {
	Upsert(ctx context.Context, docs []Document) error
	Delete(ctx context.Context, ids []string) error
	Search(ctx context.Context, query Query, limit int) ([]Result, error)
	Count() (int, error)
	Close() error
}

// MemoryBackend holds vectors in memory and ranks by cosine
// similarity. The document set is small (one entry per tool) so a
// linear scan is fine.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]Document)}
}

// Upsert stores or replaces documents.
func (b *MemoryBackend) Upsert(_ context.Context, docs []Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, doc := range docs {
		b.docs[doc.ID] = doc
	}
	return nil
}

// Delete removes documents by ID.
func (b *MemoryBackend) Delete(_ context.Context, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		delete(b.docs, id)
	}
	return nil
}

// Search ranks all documents by cosine similarity to the query vector.
func (b *MemoryBackend) Search(_ context.Context, query Query, limit int) ([]Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	results := make([]Result, 0, len(b.docs))
	for _, doc := range b.docs {
		if len(doc.Vector) == 0 {
			continue
		}
		results = append(results, Result{
			Document: doc,
			Score:    CosineSimilarity(query.Vector, doc.Vector),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Document.ID < results[j].Document.ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Count returns the number of stored documents.
func (b *MemoryBackend) Count() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.docs), nil
}

// Close is a no-op for the memory backend.
func (b *MemoryBackend) Close() error { return nil }

// CosineSimilarity computes the cosine of the angle between two
// vectors. Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
