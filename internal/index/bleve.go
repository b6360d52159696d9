package index

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"go.uber.org/zap"
)

// bleveDocument is the indexed shape of a tool.
type bleveDocument struct {
	ToolName    string `json:"tool_name"`
	ServerName  string `json:"server_name"`
	Description string `json:"description"`
	Text        string `json:"text"`
}

// BleveBackend ranks tools with BM25 full-text scoring. It needs no
// embedding provider, which makes it the default when none is
// configured.
type BleveBackend struct {
	index  bleve.Index
	logger *zap.Logger
}

// NewBleveBackend opens (or creates) the index under dataDir.
func NewBleveBackend(dataDir string, logger *zap.Logger) (*BleveBackend, error) {
	indexPath := filepath.Join(dataDir, "tools.bleve")

	index, err := bleve.Open(indexPath)
	if err != nil {
		logger.Info("Creating new search index", zap.String("path", indexPath))
		index, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create search index: %w", err)
		}
	}
	return &BleveBackend{index: index, logger: logger}, nil
}

func buildIndexMapping() *mapping.IndexMappingImpl {
	indexMapping := bleve.NewIndexMapping()
	toolMapping := bleve.NewDocumentMapping()

	nameField := bleve.NewTextFieldMapping()
	nameField.Analyzer = keyword.Name
	nameField.Store = true
	toolMapping.AddFieldMappingsAt("tool_name", nameField)

	serverField := bleve.NewTextFieldMapping()
	serverField.Analyzer = keyword.Name
	serverField.Store = true
	toolMapping.AddFieldMappingsAt("server_name", serverField)

	descriptionField := bleve.NewTextFieldMapping()
	descriptionField.Analyzer = standard.Name
	descriptionField.Store = true
	toolMapping.AddFieldMappingsAt("description", descriptionField)

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = true
	toolMapping.AddFieldMappingsAt("text", textField)

	indexMapping.AddDocumentMapping("tool", toolMapping)
	indexMapping.DefaultMapping = toolMapping
	return indexMapping
}

// Upsert batch-indexes documents.
func (b *BleveBackend) Upsert(_ context.Context, docs []Document) error {
	batch := b.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.ID, &bleveDocument{
			ToolName:    doc.ToolName,
			ServerName:  doc.ServerName,
			Description: doc.Description,
			Text:        doc.Text,
		}); err != nil {
			return fmt.Errorf("failed to batch document %s: %w", doc.ID, err)
		}
	}
	return b.index.Batch(batch)
}

// Delete removes documents by ID.
func (b *BleveBackend) Delete(_ context.Context, ids []string) error {
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

// Search runs a BM25 match query over the text field.
func (b *BleveBackend) Search(ctx context.Context, query Query, limit int) ([]Result, error) {
	if query.Text == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}

	matchQuery := bleve.NewMatchQuery(query.Text)
	searchReq := bleve.NewSearchRequestOptions(matchQuery, limit, 0, false)
	searchReq.Fields = []string{"tool_name", "server_name", "description", "text"}

	searchResult, err := b.index.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]Result, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		results = append(results, Result{
			Document: Document{
				ID:          hit.ID,
				ToolName:    stringField(hit.Fields, "tool_name"),
				ServerName:  stringField(hit.Fields, "server_name"),
				Description: stringField(hit.Fields, "description"),
				Text:        stringField(hit.Fields, "text"),
			},
			Score: hit.Score,
		})
	}
	return results, nil
}

// Count returns the number of indexed documents.
func (b *BleveBackend) Count() (int, error) {
	n, err := b.index.DocCount()
	return int(n), err
}

// Close closes the underlying index.
func (b *BleveBackend) Close() error {
	return b.index.Close()
}

func stringField(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}
