package search

import (
	"context"
	"strings"

	"devcommandhub/api/internal/store"
)

// CommandSearcher is the store query the fallback runs.
type CommandSearcher interface {
	SearchApproved(ctx context.Context, text string, category store.Category, limit, offset int) ([]store.Command, int, error)
}

// SQLFallback implements Searcher with LIKE queries against the command store.
type SQLFallback struct {
	store CommandSearcher
}

func NewSQLFallback(s CommandSearcher) *SQLFallback {
	return &SQLFallback{store: s}
}

// Healthy always returns true; without the database nothing else works either.
func (f *SQLFallback) Healthy() bool {
	return true
}

func (f *SQLFallback) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := max(q.Offset, 0)

	commands, total, err := f.store.SearchApproved(ctx, strings.TrimSpace(q.Text), q.Category, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(commands))
	for _, c := range commands {
		results = append(results, resultOf(c))
	}
	return results, total, nil
}
