// Package dedupe finds catalog records that describe the same command and plans
// which of them to remove.
package dedupe

import (
	"errors"
	"fmt"
	"strings"

	"devcommandhub/api/internal/store"
)

var ErrInvalidPlan = errors.New("invalid deletion plan")

// Group is a set of two or more records sharing a duplicate key, in snapshot order.
type Group struct {
	Key     string
	Records []store.Command
}

// Key is lower(category) + "|" + trim(lower(command_text)). Description and tags are ignored.
func Key(c store.Command) string {
	return strings.ToLower(string(c.Category)) + "|" + strings.TrimSpace(strings.ToLower(c.CommandText))
}

// FindDuplicates groups records by Key and returns only groups with at least two
// members. Groups appear in order of their first member; members keep input order.
func FindDuplicates(records []store.Command) []Group {
	byKey := make(map[string]int)
	var all []Group
	for _, record := range records {
		key := Key(record)
		i, ok := byKey[key]
		if !ok {
			i = len(all)
			byKey[key] = i
			all = append(all, Group{Key: key})
		}
		all[i].Records = append(all[i].Records, record)
	}

	groups := make([]Group, 0)
	for _, group := range all {
		if len(group.Records) >= 2 {
			groups = append(groups, group)
		}
	}
	return groups
}

// PlanDeletion keeps the first record and marks the rest for removal.
func PlanDeletion(group Group) (keep store.Command, remove []store.Command) {
	if len(group.Records) == 0 {
		return store.Command{}, nil
	}
	return group.Records[0], append([]store.Command(nil), group.Records[1:]...)
}

// Plan is the union of per-group deletions.
type Plan struct {
	Keep   []string
	Remove []string
}

// PlanAll combines every group's plan. It fails if an id would be removed twice
// or if a kept id would also be removed.
func PlanAll(groups []Group) (Plan, error) {
	plan := Plan{Keep: make([]string, 0, len(groups)), Remove: make([]string, 0)}
	kept := make(map[string]struct{})
	removed := make(map[string]struct{})

	for _, group := range groups {
		keep, remove := PlanDeletion(group)
		if keep.ID == "" {
			continue
		}
		if _, dup := kept[keep.ID]; dup {
			return Plan{}, fmt.Errorf("%w: %s kept by two groups", ErrInvalidPlan, keep.ID)
		}
		kept[keep.ID] = struct{}{}
		plan.Keep = append(plan.Keep, keep.ID)
		for _, record := range remove {
			if _, dup := removed[record.ID]; dup {
				return Plan{}, fmt.Errorf("%w: %s removed twice", ErrInvalidPlan, record.ID)
			}
			removed[record.ID] = struct{}{}
			plan.Remove = append(plan.Remove, record.ID)
		}
	}

	for _, id := range plan.Remove {
		if _, ok := kept[id]; ok {
			return Plan{}, fmt.Errorf("%w: %s is both kept and removed", ErrInvalidPlan, id)
		}
	}
	return plan, nil
}

// Find returns the group with the given key from a fresh scan.
func Find(groups []Group, key string) (Group, bool) {
	for _, group := range groups {
		if group.Key == key {
			return group, true
		}
	}
	return Group{}, false
}
