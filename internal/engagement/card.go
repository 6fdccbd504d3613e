// Package engagement applies like and copy actions to a command optimistically:
// the local counters change first and persistence follows in the background.
package engagement

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"devcommandhub/api/internal/store"
)

var ErrIdentityRequired = errors.New("sign in required")

const persistTimeout = 10 * time.Second

// Writer is the subset of the command store the counters persist through.
type Writer interface {
	ArrayAdd(ctx context.Context, id, field, value string) error
	ArrayRemove(ctx context.Context, id, field, value string) error
	IncrementField(ctx context.Context, id, field string, delta int) error
}

// State is the transient engagement view of one command.
type State struct {
	CommandID string
	LikedBy   []string
	CopyCount int
}

func StateOf(c store.Command) State {
	return State{CommandID: c.ID, LikedBy: slices.Clone(c.LikedBy), CopyCount: c.CopyCount}
}

func (s State) LikeCount() int {
	return len(s.LikedBy)
}

func (s State) Liked(userID string) bool {
	return userID != "" && slices.Contains(s.LikedBy, userID)
}

func (s State) clone() State {
	s.LikedBy = slices.Clone(s.LikedBy)
	return s
}

type Option func(*Card)

// WithOnChange is called with the new state whenever a failed write is reverted.
func WithOnChange(fn func(State)) Option {
	return func(c *Card) { c.onChange = fn }
}

// WithOnError is called for every failed background write.
func WithOnError(fn func(op string, err error)) Option {
	return func(c *Card) { c.onError = fn }
}

type Card struct {
	writer   Writer
	onChange func(State)
	onError  func(string, error)

	mu       sync.Mutex
	state    State
	pending  int
	inflight sync.WaitGroup
}

func NewCard(c store.Command, writer Writer, opts ...Option) *Card {
	card := &Card{writer: writer, state: StateOf(c)}
	for _, opt := range opts {
		opt(card)
	}
	return card
}

func (c *Card) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// ToggleLike flips userID's membership in the like set and returns the new state
// immediately. If the write fails, exactly the inverse flip is applied.
func (c *Card) ToggleLike(ctx context.Context, userID string) (State, error) {
	if userID == "" {
		return c.State(), ErrIdentityRequired
	}

	c.mu.Lock()
	adding := !c.state.Liked(userID)
	applyLike(&c.state, userID, adding)
	snapshot := c.state.clone()
	c.pending++
	c.mu.Unlock()

	c.persist(ctx, "like", func(ctx context.Context) error {
		if adding {
			return c.writer.ArrayAdd(ctx, snapshot.CommandID, store.FieldLikedBy, userID)
		}
		return c.writer.ArrayRemove(ctx, snapshot.CommandID, store.FieldLikedBy, userID)
	}, func() {
		applyLike(&c.state, userID, !adding)
	})
	return snapshot, nil
}

// RecordCopy bumps the copy counter by one. A failed write is reported but not reverted.
func (c *Card) RecordCopy(ctx context.Context, userID string) (State, error) {
	if userID == "" {
		return c.State(), ErrIdentityRequired
	}

	c.mu.Lock()
	c.state.CopyCount++
	snapshot := c.state.clone()
	c.pending++
	c.mu.Unlock()

	c.persist(ctx, "copy", func(ctx context.Context) error {
		return c.writer.IncrementField(ctx, snapshot.CommandID, store.FieldCopyCount, 1)
	}, nil)
	return snapshot, nil
}

// Refresh replaces the local state with a freshly read record, unless a write
// started here is still in flight. It reports whether the record was applied.
func (c *Card) Refresh(record store.Command) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending > 0 || record.ID != c.state.CommandID {
		return false
	}
	c.state = StateOf(record)
	return true
}

// Wait blocks until every background write has finished.
func (c *Card) Wait() {
	c.inflight.Wait()
}

func (c *Card) persist(ctx context.Context, op string, write func(context.Context) error, revert func()) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()

		err := write(writeCtx)
		if err != nil && c.onError != nil {
			c.onError(op, err)
		}

		c.mu.Lock()
		c.pending--
		if err == nil || revert == nil {
			c.mu.Unlock()
			return
		}
		revert()
		reverted := c.state.clone()
		c.mu.Unlock()
		if c.onChange != nil {
			c.onChange(reverted)
		}
	}()
}

func applyLike(s *State, userID string, add bool) {
	if add {
		if !slices.Contains(s.LikedBy, userID) {
			s.LikedBy = append(s.LikedBy, userID)
		}
		return
	}
	s.LikedBy = slices.DeleteFunc(s.LikedBy, func(id string) bool { return id == userID })
}
