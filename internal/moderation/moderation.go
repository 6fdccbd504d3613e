// Package moderation holds the lifecycle of a catalog record: submissions wait
// as pending until an admin approves or rejects them.
package moderation

import (
	"errors"
	"fmt"

	"devcommandhub/api/internal/store"
)

type State string

const (
	StateNone     State = ""
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDeleted  State = "deleted"
)

type Action string

const (
	ActionSubmit           Action = "submit"
	ActionAdminAdd         Action = "admin_add"
	ActionApprove          Action = "approve"
	ActionReject           Action = "reject"
	ActionDelete           Action = "delete"
	ActionResolveDuplicate Action = "resolve_duplicate"
)

var ErrInvalidTransition = errors.New("invalid moderation transition")

type edge struct {
	from   State
	action Action
}

var transitions = map[edge]State{
	{StateNone, ActionSubmit}:               StatePending,
	{StateNone, ActionAdminAdd}:             StateApproved,
	{StatePending, ActionApprove}:           StateApproved,
	{StatePending, ActionReject}:            StateDeleted,
	{StatePending, ActionDelete}:            StateDeleted,
	{StateApproved, ActionDelete}:           StateDeleted,
	{StatePending, ActionResolveDuplicate}:  StateDeleted,
	{StateApproved, ActionResolveDuplicate}: StateDeleted,
}

// Transition returns the state reached by applying action in state from.
func Transition(from State, action Action) (State, error) {
	next, ok := transitions[edge{from, action}]
	if !ok {
		return from, fmt.Errorf("%w: %s from %q", ErrInvalidTransition, action, from)
	}
	return next, nil
}

// RequiresAdmin reports whether only allow-listed admins may perform action.
func RequiresAdmin(action Action) bool {
	return action != ActionSubmit
}

// StateOf maps a stored record onto the lifecycle; a missing status counts as approved.
func StateOf(c store.Command) State {
	if c.EffectiveStatus() == store.StatusPending {
		return StatePending
	}
	return StateApproved
}

// StoredStatus is the status value persisted for a live state.
func StoredStatus(s State) store.Status {
	switch s {
	case StatePending:
		return store.StatusPending
	case StateApproved:
		return store.StatusApproved
	default:
		return ""
	}
}
