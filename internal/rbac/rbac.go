package rbac

import (
	"strings"

	"devcommandhub/api/internal/store"
)

type Role string
type Action string

const (
	RoleAnonymous Role = "anonymous"
	RoleMember    Role = "member"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionSubmit   Action = "submit"
	ActionEngage   Action = "engage"
	ActionModerate Action = "moderate"
	ActionMaintain Action = "maintain"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionSubmit || action == ActionEngage
	case RoleAnonymous:
		return action == ActionRead
	default:
		return false
	}
}

// AllowList names the accounts that hold the admin role. Matching is
// case-insensitive and evaluated on every request.
type AllowList struct {
	emails  map[string]struct{}
	handles map[string]struct{}
}

func NewAllowList(emails, handles []string) AllowList {
	return AllowList{emails: lowerSet(emails), handles: lowerSet(handles)}
}

func lowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func (a AllowList) IsAdmin(email, handle string) bool {
	if _, ok := a.emails[strings.ToLower(strings.TrimSpace(email))]; ok && email != "" {
		return true
	}
	_, ok := a.handles[strings.ToLower(strings.TrimSpace(handle))]
	return ok && handle != ""
}

// RoleFor resolves the role of a signed-in user. The zero User is anonymous.
func (a AllowList) RoleFor(user store.User) Role {
	if user.ID == "" {
		return RoleAnonymous
	}
	if a.IsAdmin(user.Email, user.Handle) {
		return RoleAdmin
	}
	return RoleMember
}
