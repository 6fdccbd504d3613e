package search

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const (
	BackendMeili = "meilisearch"
	BackendSQL   = "sql"
)

// Index is a search backend that also accepts writes.
type Index interface {
	Searcher
	Indexer
}

// Service is the facade that tries the index first and falls back to SQL.
type Service struct {
	index    Index
	fallback Searcher
	logger   zerolog.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. index may be nil if Meilisearch is not configured.
func NewService(index Index, fallback Searcher, logger zerolog.Logger) *Service {
	return &Service{index: index, fallback: fallback, logger: logger.With().Str("component", "search").Logger()}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries the index if healthy, otherwise falls back to SQL. Failures
// degrade to an empty result set.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendMeili}
		}
		s.logger.Warn().Err(err).Msg("index search failed, falling back to sql")
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error().Err(err).Msg("sql search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: BackendSQL}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendSQL}
}

func (s *Service) async(op, id string, fn func() error) {
	if !s.indexReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := fn(); err != nil {
			s.logger.Warn().Err(err).Str("op", op).Str("command_id", id).Msg("search index write failed")
		}
	}()
}

// IndexCommand indexes a command (fire-and-forget).
func (s *Service) IndexCommand(c CommandRecord) {
	s.async("index", c.ID, func() error { return s.index.IndexCommand(c) })
}

// DeleteCommands removes commands from the index (fire-and-forget).
func (s *Service) DeleteCommands(ids ...string) {
	if len(ids) == 0 {
		return
	}
	s.async("delete", ids[0], func() error { return s.index.DeleteCommands(ids) })
}

// Clear empties the index (fire-and-forget).
func (s *Service) Clear() {
	s.async("clear", "", func() error { return s.index.DeleteAll() })
}

// Reindex replaces the index contents with records. Called at bootstrap.
func (s *Service) Reindex(records []CommandRecord) {
	if !s.indexReady() || len(records) == 0 {
		return
	}
	if err := s.index.IndexCommands(records); err != nil {
		s.logger.Warn().Err(err).Int("count", len(records)).Msg("reindex failed")
		return
	}
	s.logger.Info().Int("count", len(records)).Msg("search index rebuilt")
}

// Wait blocks until every pending index write has finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
