package search

import (
	"context"

	"github.com/meilisearch/meilisearch-go"

	"contactr/internal/domain"
	"contactr/internal/platform/config"
)

// PrimaryKey is the document key of the contacts index.
const PrimaryKey = "id"

// Indexer is the search engine surface the mirror needs.
type Indexer interface {
	UpsertDocument(ctx context.Context, record domain.ContactRecord) error
	DeleteDocument(ctx context.Context, id string) error
}

// MeiliIndexer writes contact documents to a Meilisearch index. Calls return
// once the task is enqueued; indexing itself is asynchronous in Meilisearch.
type MeiliIndexer struct {
	index *meilisearch.Index
}

func NewMeiliIndexer(cfg config.SearchConfig) *MeiliIndexer {
	client := meilisearch.NewClient(meilisearch.ClientConfig{
		Host:    cfg.Host,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	})
	return &MeiliIndexer{index: client.Index(cfg.Index)}
}

func (m *MeiliIndexer) UpsertDocument(ctx context.Context, record domain.ContactRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.index.AddDocuments([]domain.ContactRecord{record}, PrimaryKey)
	return err
}

func (m *MeiliIndexer) DeleteDocument(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.index.DeleteDocument(id)
	return err
}
