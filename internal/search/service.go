// Package search makes persisted threat model comments searchable:
// Meilisearch when it is healthy, a Postgres ILIKE scan otherwise.
package search

import (
	"context"
	"log"

	"aegis/collab/internal/store"
)

// Fallback is the Postgres-side comment search the service degrades to.
type Fallback interface {
	SearchComments(ctx context.Context, threatModelID, query string, limit int) ([]store.Comment, error)
}

type Service struct {
	meili    *Meili
	fallback Fallback
}

// NewService creates a comment search service. meili may be nil when
// Meilisearch is not configured.
func NewService(meili *Meili, fallback Fallback) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch first and falls back to Postgres.
func (s *Service) Search(ctx context.Context, threatModelID, query string, limit int) ([]store.Comment, error) {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(threatModelID, query, limit)
		if err == nil {
			return results, nil
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}
	return s.fallback.SearchComments(ctx, threatModelID, query, limit)
}

// IndexComment pushes a comment to Meilisearch, fire-and-forget.
func (s *Service) IndexComment(c store.Comment) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexComment(c); err != nil {
			log.Printf("search: index comment %s: %v", c.ID, err)
		}
	}()
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}
