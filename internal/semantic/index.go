// Package semantic provides the optional embedding-backed search index.
// The default provider is a no-op; "ollama" embeds memory content through a
// local Ollama server into an in-memory chromem collection that is rebuilt
// from disk at startup.
package semantic

import (
	"context"
	"fmt"
	"strings"

	"github.com/philippgille/chromem-go"

	"membank/internal/logging"
)

// Hit is a vector search result.
type Hit struct {
	ID         string
	Similarity float32
}

// Index mirrors memory content for similarity queries.
type Index interface {
	Enabled() bool
	Upsert(ctx context.Context, id, content string, meta map[string]string) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, query string, limit int) ([]Hit, error)
}

// New resolves a provider name from settings. Unknown or unsupported
// providers degrade to the no-op index with a warning.
func New(provider string, logger logging.Logger) Index {
	logger = logging.OrNop(logger)
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "none":
		return noopIndex{}
	case "ollama":
		idx, err := newChromemIndex()
		if err != nil {
			logger.Warn("semantic index unavailable: %v", err)
			return noopIndex{}
		}
		return idx
	case "xenova":
		// Xenova embeddings run in the dashboard UI process, not here.
		logger.Warn("semantic provider %q is not supported in-process, disabling", provider)
		return noopIndex{}
	default:
		logger.Warn("unknown semantic provider %q, disabling", provider)
		return noopIndex{}
	}
}

type noopIndex struct{}

func (noopIndex) Enabled() bool { return false }
func (noopIndex) Upsert(context.Context, string, string, map[string]string) error { return nil }
func (noopIndex) Delete(context.Context, string) error { return nil }
func (noopIndex) Query(context.Context, string, int) ([]Hit, error) { return nil, nil }

const (
	collectionName     = "memories"
	defaultOllamaModel = "nomic-embed-text"
	defaultOllamaURL   = "http://localhost:11434/api"
)

type chromemIndex struct {
	collection *chromem.Collection
}

func newChromemIndex() (*chromemIndex, error) {
	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection(collectionName, nil,
		chromem.NewEmbeddingFuncOllama(defaultOllamaModel, defaultOllamaURL))
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &chromemIndex{collection: collection}, nil
}

func (c *chromemIndex) Enabled() bool { return true }

func (c *chromemIndex) Upsert(ctx context.Context, id, content string, meta map[string]string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	return c.collection.AddDocument(ctx, chromem.Document{
		ID:       id,
		Content:  content,
		Metadata: meta,
	})
}

func (c *chromemIndex) Delete(ctx context.Context, id string) error {
	return c.collection.Delete(ctx, nil, nil, id)
}

func (c *chromemIndex) Query(ctx context.Context, query string, limit int) ([]Hit, error) {
	count := c.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > count {
		limit = count
	}
	results, err := c.collection.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		hits = append(hits, Hit{ID: res.ID, Similarity: res.Similarity})
	}
	return hits, nil
}
