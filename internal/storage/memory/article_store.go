package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
)

// ArticleStore deduplicates articles on link hash in memory.
type ArticleStore struct {
	mu     sync.RWMutex
	ids    crawler.IDGenerator
	byHash map[string]string
	byID   map[string]crawler.ArticleRecord
}

// NewArticleStore creates an in-memory article store that names records with ids.
func NewArticleStore(ids crawler.IDGenerator) *ArticleStore {
	return &ArticleStore{
		ids:    ids,
		byHash: make(map[string]string),
		byID:   make(map[string]crawler.ArticleRecord),
	}
}

// Name identifies the backend in logs and metrics.
func (s *ArticleStore) Name() string { return "memory" }

// SaveArticle stores the article unless its link hash is already known.
func (s *ArticleStore) SaveArticle(_ context.Context, article crawler.ArticleRecord) (string, bool, error) {
	if article.LinkHash == "" {
		return "", false, fmt.Errorf("link hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byHash[article.LinkHash]; ok {
		return id, true, nil
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", false, fmt.Errorf("generate article id: %w", err)
	}
	s.byHash[article.LinkHash] = id
	s.byID[id] = article
	return id, false, nil
}

// Get returns the article stored under id.
func (s *ArticleStore) Get(id string) (crawler.ArticleRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	return rec, ok
}

// Len reports how many distinct articles are stored.
func (s *ArticleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Close is a no-op.
func (s *ArticleStore) Close() error { return nil }
