package catalog

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"devcommandhub/api/internal/store"
)

func gitCommands(n int) []store.Command {
	out := make([]store.Command, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, store.Command{
			ID:          fmt.Sprintf("g%02d", i),
			Category:    store.CategoryGit,
			CommandText: fmt.Sprintf("git cmd %d", i),
			Description: "desc",
			Status:      store.StatusApproved,
		})
	}
	return out
}

func ids(commands []store.Command) []string {
	out := make([]string, 0, len(commands))
	for _, c := range commands {
		out = append(out, c.ID)
	}
	return out
}

func TestVisibleSlicePagination(t *testing.T) {
	all := gitCommands(25)
	cases := []struct {
		name      string
		page      int
		wantLen   int
		wantFirst string
	}{
		{name: "first page", page: 1, wantLen: 12, wantFirst: "g01"},
		{name: "second page", page: 2, wantLen: 12, wantFirst: "g13"},
		{name: "last partial page", page: 3, wantLen: 1, wantFirst: "g25"},
		{name: "past the end", page: 4, wantLen: 0},
		{name: "page zero", page: 0, wantLen: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			items, totalPages := VisibleSlice(all, store.CategoryGit, "", tc.page, 12)
			if totalPages != 3 {
				t.Fatalf("totalPages = %d, want 3", totalPages)
			}
			if len(items) != tc.wantLen {
				t.Fatalf("len(items) = %d, want %d", len(items), tc.wantLen)
			}
			if tc.wantLen > 0 && items[0].ID != tc.wantFirst {
				t.Fatalf("first item = %s, want %s", items[0].ID, tc.wantFirst)
			}
		})
	}
}

func TestVisibleSliceEmptyCatalog(t *testing.T) {
	items, totalPages := VisibleSlice(nil, store.CategoryGit, "", 1, 12)
	if len(items) != 0 || totalPages != 0 {
		t.Fatalf("VisibleSlice(nil) = %d items, %d pages; want 0, 0", len(items), totalPages)
	}
}

func TestFilter(t *testing.T) {
	all := []store.Command{
		{ID: "1", Category: store.CategoryGit, CommandText: "git stash", Description: "Shelve work", Status: store.StatusApproved},
		{ID: "2", Category: store.CategoryGit, CommandText: "git log", Description: "History", SearchTags: "STASH list"},
		{ID: "3", Category: store.CategoryGit, CommandText: "git push", Description: "Upload changes", Status: store.StatusApproved},
		{ID: "4", Category: store.CategoryVSCode, CommandText: "stash view", Description: "Panel", Status: store.StatusApproved},
		{ID: "5", Category: store.CategoryGit, CommandText: "git stash pop", Description: "Restore", Status: store.StatusPending},
	}
	cases := []struct {
		name     string
		category store.Category
		query    string
		want     []string
	}{
		{name: "matches text and tags", category: store.CategoryGit, query: "Stash", want: []string{"1", "2"}},
		{name: "matches description", category: store.CategoryGit, query: "upload", want: []string{"3"}},
		{name: "empty query keeps category", category: store.CategoryGit, query: "", want: []string{"1", "2", "3"}},
		{name: "other tab", category: store.CategoryVSCode, query: "stash", want: []string{"4"}},
		{name: "missing tags do not match", category: store.CategoryGit, query: "list", want: []string{"2"}},
		{name: "no match", category: store.CategoryCmd, query: "stash", want: []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, ids(Filter(all, tc.category, tc.query))); diff != "" {
				t.Fatalf("Filter() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStateResetsPage(t *testing.T) {
	all := gitCommands(25)
	state := NewState(12)
	state.SetPage(3)

	items, _, _ := state.Slice(all)
	if len(items) != 1 {
		t.Fatalf("page 3 items = %d, want 1", len(items))
	}

	state.SetQuery("git")
	if state.Page != 1 {
		t.Fatalf("page after query change = %d, want 1", state.Page)
	}

	state.SetPage(2)
	state.SetCategory(store.CategoryVSCode)
	if state.Page != 1 {
		t.Fatalf("page after tab change = %d, want 1", state.Page)
	}

	state.SetPage(2)
	state.SetCategory(store.CategoryVSCode)
	if state.Page != 2 {
		t.Fatalf("re-selecting the same tab reset page to %d", state.Page)
	}

	state.ApplyTranscript("git stash")
	if state.Query != "git stash" || state.Page != 1 {
		t.Fatalf("transcript not applied: %+v", state)
	}
}

func TestStateSetPageDoesNotClamp(t *testing.T) {
	state := NewState(12)
	state.SetPage(9)
	items, totalPages, total := state.Slice(gitCommands(5))
	if len(items) != 0 || totalPages != 1 || total != 5 {
		t.Fatalf("Slice() = %d items, %d pages, %d total; want 0, 1, 5", len(items), totalPages, total)
	}
	if state.Page != 9 {
		t.Fatalf("page self-corrected to %d", state.Page)
	}
}

func TestLegacyRecordsVisible(t *testing.T) {
	legacy := store.Command{ID: "old", Category: store.CategoryCmd, CommandText: "dir", Description: "List"}
	items, totalPages := VisibleSlice([]store.Command{legacy}, store.CategoryCmd, "", 1, 12)
	if len(items) != 1 || totalPages != 1 {
		t.Fatalf("legacy record hidden: %d items, %d pages", len(items), totalPages)
	}
}
