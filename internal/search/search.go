package search

import (
	"context"

	"devcommandhub/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	CommandText string `json:"commandText"`
	Description string `json:"description"`
	Snippet     string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text     string
	Category store.Category // empty = every tab
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push commands into a search index.
type Indexer interface {
	IndexCommand(c CommandRecord) error
	IndexCommands(records []CommandRecord) error
	DeleteCommand(id string) error
	DeleteCommands(ids []string) error
	DeleteAll() error
}

// CommandRecord is the data we index for an approved command.
type CommandRecord struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	CommandText string `json:"commandText"`
	Description string `json:"description"`
	SearchTags  string `json:"searchTags"`
}

func RecordOf(c store.Command) CommandRecord {
	return CommandRecord{
		ID:          c.ID,
		Category:    string(c.Category),
		CommandText: c.CommandText,
		Description: c.Description,
		SearchTags:  c.SearchTags,
	}
}

func resultOf(c store.Command) Result {
	return Result{
		ID:          c.ID,
		Category:    string(c.Category),
		CommandText: c.CommandText,
		Description: c.Description,
		Snippet:     c.Description,
	}
}

const defaultLimit = 20
