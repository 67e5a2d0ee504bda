// Package search answers similarity queries against the embedding store:
// cosine scoring across the enabled collections, merged to one entry per
// note, ranked and truncated.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/hyperjump/semdex/internal/inference"
	"github.com/hyperjump/semdex/internal/models"
	"github.com/hyperjump/semdex/internal/store"
	"go.uber.org/zap"
)

// Embedder is the inference surface the searcher needs.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string, mode inference.Mode) ([]float32, error)
	IsReady() bool
}

// Searcher scores query vectors against the store. Searches issued while an
// indexing pass is running see whatever the store holds at that moment; the
// store is the single source of truth, not a snapshot.
type Searcher struct {
	store    *store.Store
	embedder Embedder
	enabled  models.Enabled
	logger   *zap.Logger // optional
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Searcher) { s.logger = l }
}

// New creates a searcher over the given store and enabled collections.
func New(st *store.Store, embedder Embedder, enabled models.Enabled, opts ...Option) *Searcher {
	s := &Searcher{
		store:    st,
		embedder: embedder,
		enabled:  enabled,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ByEmbedding scores query against every record in each enabled collection,
// keeps the best score per note path across collections, sorts descending,
// applies the MinScore filter, and truncates to TopK. A vector length
// mismatch against any stored record is a fatal input error.
func (s *Searcher) ByEmbedding(query []float32, opts models.SearchOptions) ([]models.SearchResult, error) {
	best := make(map[string]models.SearchResult)
	var dimErr error

	consider := func(path string, embedding []float32, source models.Collection, excerpt string) {
		if dimErr != nil || path == opts.ExcludePath {
			return
		}
		score, err := CosineSimilarity(query, embedding)
		if err != nil {
			dimErr = fmt.Errorf("%s record for %s: %w", source, path, err)
			return
		}
		if prev, ok := best[path]; ok && prev.Score >= score {
			return
		}
		best[path] = models.SearchResult{Path: path, Score: score, Source: source, Excerpt: excerpt}
	}

	if s.enabled.Titles {
		s.store.EachTitle(func(r *models.TitleRecord) {
			consider(r.Path, r.Embedding, models.CollectionTitles, r.Title)
		})
	}
	if s.enabled.Headings {
		s.store.EachHeading(func(r *models.HeadingRecord) {
			consider(r.Path, r.Embedding, models.CollectionHeadings, strings.Join(r.Headings, ", "))
		})
	}
	if s.enabled.Content {
		s.store.EachContent(func(r *models.ContentRecord) {
			consider(r.Path, r.Embedding, models.CollectionContent, r.Excerpt)
		})
	}
	if dimErr != nil {
		return nil, dimErr
	}

	results := make([]models.SearchResult, 0, len(best))
	for _, res := range best {
		if opts.MinScore > 0 && res.Score < opts.MinScore {
			continue
		}
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})
	if opts.TopK > 0 && len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

// ByText embeds text in query mode and delegates to ByEmbedding. Returns
// empty results when embedding generation fails (the service being down is
// not a search error).
func (s *Searcher) ByText(ctx context.Context, text string, opts models.SearchOptions) ([]models.SearchResult, error) {
	query, err := s.embedder.GenerateEmbedding(ctx, text, inference.ModeQuery)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("query embedding failed", zap.Error(err))
		}
		return nil, nil
	}
	return s.ByEmbedding(query, opts)
}

// CosineSimilarity returns the cosine of the angle between a and b: their dot
// product divided by the product of their L2 norms, defined as 0 when either
// norm is 0. Mismatched lengths are an error.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector length mismatch: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
