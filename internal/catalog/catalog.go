// Package catalog computes the page of commands shown for the active tab,
// search text and page number.
package catalog

import (
	"strings"

	"devcommandhub/api/internal/store"
)

const DefaultPageSize = 12

// Filter keeps visible records in category whose description, command text or
// search tags contain query, case-insensitively. An empty query matches everything.
func Filter(all []store.Command, category store.Category, query string) []store.Command {
	q := strings.ToLower(query)
	filtered := make([]store.Command, 0, len(all))
	for _, c := range all {
		if !c.Visible() || c.Category != category {
			continue
		}
		if strings.Contains(strings.ToLower(c.Description), q) ||
			strings.Contains(strings.ToLower(c.CommandText), q) ||
			strings.Contains(strings.ToLower(c.SearchTags), q) {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// TotalPages is ceil(count / pageSize).
func TotalPages(count, pageSize int) int {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return (count + pageSize - 1) / pageSize
}

// VisibleSlice filters all and returns items [(page-1)*size, page*size) plus the
// page count. A page past the end yields an empty slice rather than an error.
func VisibleSlice(all []store.Command, category store.Category, query string, page, pageSize int) ([]store.Command, int) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	filtered := Filter(all, category, query)
	total := TotalPages(len(filtered), pageSize)
	return pageOf(filtered, page, pageSize), total
}

func pageOf(filtered []store.Command, page, pageSize int) []store.Command {
	start := (page - 1) * pageSize
	if page < 1 || start >= len(filtered) {
		return []store.Command{}
	}
	end := min(start+pageSize, len(filtered))
	return filtered[start:end]
}

// State is the view model for one browsing session.
type State struct {
	Category store.Category
	Query    string
	Page     int
	PageSize int
}

func NewState(pageSize int) State {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return State{Category: store.CategoryGit, Page: 1, PageSize: pageSize}
}

// SetCategory switches tabs; a change resets to the first page.
func (s *State) SetCategory(category store.Category) {
	if category == s.Category {
		return
	}
	s.Category = category
	s.Page = 1
}

// SetQuery replaces the search text; a change resets to the first page.
func (s *State) SetQuery(query string) {
	if query == s.Query {
		return
	}
	s.Query = query
	s.Page = 1
}

// ApplyTranscript replaces the search text with a voice transcript.
func (s *State) ApplyTranscript(transcript string) {
	s.SetQuery(transcript)
}

// SetPage moves to page without refiltering or clamping.
func (s *State) SetPage(page int) {
	s.Page = page
}

// Slice is VisibleSlice for the current state. It reports the filtered total too.
func (s State) Slice(all []store.Command) (items []store.Command, totalPages, total int) {
	filtered := Filter(all, s.Category, s.Query)
	size := s.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	return pageOf(filtered, s.Page, size), TotalPages(len(filtered), size), len(filtered)
}
