package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"devcommandhub/api/internal/dedupe"
	"devcommandhub/api/internal/metrics"
	"devcommandhub/api/internal/moderation"
	"devcommandhub/api/internal/rbac"
	"devcommandhub/api/internal/search"
	"devcommandhub/api/internal/store"
	"devcommandhub/api/internal/validation"
)

type CommandInput struct {
	Category    string `json:"category" validate:"required,oneof=git vscode cmd"`
	CommandText string `json:"commandText" validate:"required,max=500"`
	Description string `json:"description" validate:"required,max=2000"`
	SearchTags  string `json:"searchTags" validate:"max=500"`
}

func (in CommandInput) normalized() CommandInput {
	return CommandInput{
		Category:    strings.ToLower(strings.TrimSpace(in.Category)),
		CommandText: strings.TrimSpace(in.CommandText),
		Description: strings.TrimSpace(in.Description),
		SearchTags:  strings.TrimSpace(in.SearchTags),
	}
}

// SubmitCommand queues a member's submission for review.
func (s *Service) SubmitCommand(ctx context.Context, session Session, input CommandInput) (CommandView, error) {
	return s.create(ctx, session, input, moderation.ActionSubmit)
}

// AdminAddCommand publishes a record directly, skipping the review queue.
func (s *Service) AdminAddCommand(ctx context.Context, session Session, input CommandInput) (CommandView, error) {
	return s.create(ctx, session, input, moderation.ActionAdminAdd)
}

// lifecycleAction is the permission a moderation action needs.
func lifecycleAction(action moderation.Action) rbac.Action {
	if moderation.RequiresAdmin(action) {
		return rbac.ActionModerate
	}
	return rbac.ActionSubmit
}

func (s *Service) create(ctx context.Context, session Session, input CommandInput, action moderation.Action) (CommandView, error) {
	if err := s.require(session, lifecycleAction(action)); err != nil {
		return CommandView{}, err
	}
	input = input.normalized()
	if err := validation.Struct(input); err != nil {
		return CommandView{}, validationFailed(err)
	}
	next, err := moderation.Transition(moderation.StateNone, action)
	if err != nil {
		return CommandView{}, err
	}

	record := store.Command{
		Category:    store.Category(input.Category),
		CommandText: input.CommandText,
		Description: input.Description,
		SearchTags:  input.SearchTags,
		Status:      moderation.StoredStatus(next),
		SubmittedBy: session.UserID,
		LikedBy:     []string{},
	}
	id, err := s.store.Insert(ctx, record)
	if err != nil {
		s.log(ctx).Error().Err(err).Str("action", string(action)).Msg("insert command failed")
		return CommandView{}, storeWriteFailed()
	}
	record.ID = id
	record.CreatedAt = time.Now().UTC()
	metrics.RecordTransition(string(action), string(next))

	if next == moderation.StateApproved {
		s.search.IndexCommand(search.RecordOf(record))
		s.bump()
	}
	s.log(ctx).Info().Str("command_id", id).Str("action", string(action)).Str("user_id", session.UserID).Msg("command created")
	return viewOf(record, session.UserID), nil
}

type PendingQueue struct {
	Items        []CommandView `json:"items"`
	PendingCount int           `json:"pendingCount"`
}

func (s *Service) PendingCommands(ctx context.Context, session Session) (PendingQueue, error) {
	if err := s.require(session, rbac.ActionModerate); err != nil {
		return PendingQueue{}, err
	}
	pending, err := s.store.ListByStatus(ctx, store.StatusPending)
	if err != nil {
		s.log(ctx).Error().Err(err).Msg("load pending queue failed")
		return PendingQueue{}, storeReadFailed()
	}
	return PendingQueue{Items: viewsOf(pending, session.UserID), PendingCount: len(pending)}, nil
}

func (s *Service) Approve(ctx context.Context, session Session, id string) (CommandView, error) {
	return s.moderate(ctx, session, id, moderation.ActionApprove)
}

func (s *Service) Reject(ctx context.Context, session Session, id string) (CommandView, error) {
	return s.moderate(ctx, session, id, moderation.ActionReject)
}

func (s *Service) DeleteCommand(ctx context.Context, session Session, id string) (CommandView, error) {
	return s.moderate(ctx, session, id, moderation.ActionDelete)
}

// moderate authorizes first, then applies one lifecycle transition to a stored record.
func (s *Service) moderate(ctx context.Context, session Session, id string, action moderation.Action) (CommandView, error) {
	if err := s.require(session, lifecycleAction(action)); err != nil {
		return CommandView{}, err
	}
	current, err := s.store.GetCommand(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return CommandView{}, errNotFound
	}
	if err != nil {
		s.log(ctx).Error().Err(err).Str("command_id", id).Msg("load command failed")
		return CommandView{}, storeReadFailed()
	}

	next, err := moderation.Transition(moderation.StateOf(current), action)
	if err != nil {
		return CommandView{}, domainError(http.StatusConflict, "INVALID_TRANSITION", err.Error(), map[string]any{
			"status": string(current.EffectiveStatus()),
			"action": string(action),
		})
	}

	if next == moderation.StateDeleted {
		err = s.store.Delete(ctx, id)
	} else {
		err = s.store.UpdateField(ctx, id, store.FieldStatus, string(moderation.StoredStatus(next)))
	}
	if errors.Is(err, sql.ErrNoRows) {
		return CommandView{}, errNotFound
	}
	if err != nil {
		s.log(ctx).Error().Err(err).Str("command_id", id).Str("action", string(action)).Msg("moderation write failed")
		return CommandView{}, storeWriteFailed()
	}

	metrics.RecordTransition(string(action), string(next))
	s.bump()
	if next == moderation.StateDeleted {
		s.search.DeleteCommands(id)
	} else {
		current.Status = moderation.StoredStatus(next)
		s.search.IndexCommand(search.RecordOf(current))
	}
	s.log(ctx).Info().Str("command_id", id).Str("action", string(action)).Str("to", string(next)).Msg("command moderated")

	view := viewOf(current, session.UserID)
	view.Status = string(next)
	return view, nil
}

// Duplicates

type DuplicateGroupView struct {
	Key    string        `json:"key"`
	Keep   CommandView   `json:"keep"`
	Remove []CommandView `json:"remove"`
}

type DuplicateReport struct {
	Groups      []DuplicateGroupView `json:"groups"`
	RemoveCount int                  `json:"removeCount"`
}

func (s *Service) scanDuplicates(ctx context.Context) ([]dedupe.Group, error) {
	snapshot, err := s.store.ListAll(ctx, store.OrderOldestFirst)
	if err != nil {
		s.log(ctx).Error().Err(err).Msg("load duplicate snapshot failed")
		return nil, storeReadFailed()
	}
	return dedupe.FindDuplicates(snapshot), nil
}

func (s *Service) ScanDuplicates(ctx context.Context, session Session) (DuplicateReport, error) {
	if err := s.require(session, rbac.ActionMaintain); err != nil {
		return DuplicateReport{}, err
	}
	groups, err := s.scanDuplicates(ctx)
	if err != nil {
		return DuplicateReport{}, err
	}

	report := DuplicateReport{Groups: make([]DuplicateGroupView, 0, len(groups))}
	for _, group := range groups {
		keep, remove := dedupe.PlanDeletion(group)
		report.Groups = append(report.Groups, DuplicateGroupView{
			Key:    group.Key,
			Keep:   viewOf(keep, session.UserID),
			Remove: viewsOf(remove, session.UserID),
		})
		report.RemoveCount += len(remove)
	}
	return report, nil
}

type ResolveInput struct {
	// Key limits resolution to one group; empty resolves every group.
	Key     string `json:"key"`
	Confirm bool   `json:"confirm"`
}

type ResolveResult struct {
	Deleted int      `json:"deleted"`
	Kept    []string `json:"kept"`
	Removed []string `json:"removed"`
}

// ResolveDuplicates re-scans the store, plans the deletions and executes them
// as one atomic batch. Without Confirm it reports what would be deleted.
func (s *Service) ResolveDuplicates(ctx context.Context, session Session, input ResolveInput) (ResolveResult, error) {
	if err := s.require(session, rbac.ActionMaintain); err != nil {
		return ResolveResult{}, err
	}
	groups, err := s.scanDuplicates(ctx)
	if err != nil {
		return ResolveResult{}, err
	}
	if key := strings.TrimSpace(input.Key); key != "" {
		group, ok := dedupe.Find(groups, key)
		if !ok {
			return ResolveResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "No duplicate group with that key", nil)
		}
		groups = []dedupe.Group{group}
	}

	plan, err := dedupe.PlanAll(groups)
	if err != nil {
		s.log(ctx).Error().Err(err).Msg("duplicate plan rejected")
		return ResolveResult{}, domainError(http.StatusInternalServerError, "BATCH_FAILED", "Duplicate plan was inconsistent, nothing was deleted", nil)
	}
	for _, group := range groups {
		_, remove := dedupe.PlanDeletion(group)
		for _, record := range remove {
			if _, err := moderation.Transition(moderation.StateOf(record), moderation.ActionResolveDuplicate); err != nil {
				return ResolveResult{}, err
			}
		}
	}

	if len(plan.Remove) == 0 {
		return ResolveResult{Kept: plan.Keep, Removed: []string{}}, nil
	}
	if !input.Confirm {
		return ResolveResult{}, domainError(http.StatusPreconditionRequired, "CONFIRMATION_REQUIRED", "Resend with confirm=true to delete these records", map[string]any{
			"wouldDelete": len(plan.Remove),
			"ids":         plan.Remove,
		})
	}

	deleted, err := s.store.BatchDelete(ctx, plan.Remove)
	if err != nil {
		s.log(ctx).Error().Err(err).Int("planned", len(plan.Remove)).Msg("duplicate batch delete failed")
		return ResolveResult{}, domainError(http.StatusInternalServerError, "BATCH_FAILED", "Nothing was deleted, please try again", nil)
	}

	metrics.RecordDuplicatesRemoved(deleted)
	for range plan.Remove {
		metrics.RecordTransition(string(moderation.ActionResolveDuplicate), string(moderation.StateDeleted))
	}
	s.search.DeleteCommands(plan.Remove...)
	s.bump()
	s.log(ctx).Info().Int("deleted", deleted).Int("groups", len(groups)).Msg("duplicates resolved")
	return ResolveResult{Deleted: deleted, Kept: plan.Keep, Removed: plan.Remove}, nil
}

// Full wipe

type WipeTicket struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Count     int       `json:"count"`
}

type WipeResult struct {
	Deleted  int    `json:"deleted"`
	Snapshot string `json:"snapshot,omitempty"`
}

// PrepareWipe issues a short-lived token that Wipe must present.
func (s *Service) PrepareWipe(ctx context.Context, session Session) (WipeTicket, error) {
	if err := s.require(session, rbac.ActionMaintain); err != nil {
		return WipeTicket{}, err
	}
	all, err := s.store.ListAll(ctx, store.OrderOldestFirst)
	if err != nil {
		s.log(ctx).Error().Err(err).Msg("count catalog failed")
		return WipeTicket{}, storeReadFailed()
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return WipeTicket{}, err
	}
	ticket := WipeTicket{Token: hex.EncodeToString(buf), ExpiresAt: time.Now().Add(s.wipeTTL), Count: len(all)}

	s.wipeMu.Lock()
	defer s.wipeMu.Unlock()
	s.pruneWipeTickets(time.Now())
	s.wipeTickets[ticket.Token] = wipeTicket{userID: session.UserID, expiresAt: ticket.ExpiresAt}
	return ticket, nil
}

func (s *Service) pruneWipeTickets(now time.Time) {
	for token, ticket := range s.wipeTickets {
		if now.After(ticket.expiresAt) {
			delete(s.wipeTickets, token)
		}
	}
}

func (s *Service) consumeWipeTicket(token, userID string) bool {
	s.wipeMu.Lock()
	defer s.wipeMu.Unlock()
	s.pruneWipeTickets(time.Now())
	ticket, ok := s.wipeTickets[token]
	if !ok || ticket.userID != userID {
		return false
	}
	delete(s.wipeTickets, token)
	return true
}

// Wipe deletes every record in one transaction. When snapshot storage is
// configured the catalog is uploaded first and a failed upload aborts the wipe.
func (s *Service) Wipe(ctx context.Context, session Session, token string, confirm bool) (WipeResult, error) {
	if err := s.require(session, rbac.ActionMaintain); err != nil {
		return WipeResult{}, err
	}
	if !confirm || !s.consumeWipeTicket(strings.TrimSpace(token), session.UserID) {
		return WipeResult{}, domainError(http.StatusPreconditionRequired, "CONFIRMATION_REQUIRED", "Request a wipe token first and resend it with confirm=true", nil)
	}

	var result WipeResult
	if s.snapshots != nil {
		all, err := s.store.ListAll(ctx, store.OrderOldestFirst)
		if err != nil {
			s.log(ctx).Error().Err(err).Msg("load catalog for snapshot failed")
			return WipeResult{}, storeReadFailed()
		}
		key, err := s.snapshots.Snapshot(ctx, all)
		if err != nil {
			s.log(ctx).Error().Err(err).Msg("catalog snapshot failed, wipe aborted")
			return WipeResult{}, domainError(http.StatusBadGateway, "SNAPSHOT_FAILED", "Could not back up the catalog, nothing was deleted", nil)
		}
		result.Snapshot = key
	}

	deleted, err := s.store.DeleteAll(ctx)
	if err != nil {
		s.log(ctx).Error().Err(err).Msg("wipe failed")
		return WipeResult{}, domainError(http.StatusInternalServerError, "BATCH_FAILED", "Nothing was deleted, please try again", nil)
	}
	result.Deleted = deleted
	s.search.Clear()
	s.bump()
	s.log(ctx).Warn().Int("deleted", deleted).Str("user_id", session.UserID).Str("snapshot", result.Snapshot).Msg("catalog wiped")
	return result, nil
}

// Engagement

type EngagementView struct {
	ID        string `json:"id"`
	LikeCount int    `json:"likeCount"`
	Liked     bool   `json:"liked"`
	CopyCount int    `json:"copyCount"`
}

func (s *Service) visibleCommand(ctx context.Context, id string) (store.Command, error) {
	c, err := s.store.GetCommand(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Command{}, errNotFound
	}
	if err != nil {
		s.log(ctx).Error().Err(err).Str("command_id", id).Msg("load command failed")
		return store.Command{}, storeReadFailed()
	}
	if !c.Visible() {
		return store.Command{}, errNotFound
	}
	return c, nil
}

// ToggleLike adds the user to the like set, or removes them if already present.
func (s *Service) ToggleLike(ctx context.Context, session Session, id string) (EngagementView, error) {
	if !session.Authenticated() {
		return EngagementView{}, domainError(http.StatusUnauthorized, "AUTH_REQUIRED", "Please sign in to like commands", nil)
	}
	c, err := s.visibleCommand(ctx, id)
	if err != nil {
		return EngagementView{}, err
	}

	liked, err := s.store.HasArrayValue(ctx, id, store.FieldLikedBy, session.UserID)
	if err == nil {
		if liked {
			err = s.store.ArrayRemove(ctx, id, store.FieldLikedBy, session.UserID)
		} else {
			err = s.store.ArrayAdd(ctx, id, store.FieldLikedBy, session.UserID)
		}
	}
	action := "like"
	if liked {
		action = "unlike"
	}
	metrics.RecordEngagement(action, err)
	if err != nil {
		s.log(ctx).Error().Err(err).Str("command_id", id).Msg("like write failed")
		return EngagementView{}, storeWriteFailed()
	}

	likes := c.LikeCount()
	switch {
	case liked && c.LikedByUser(session.UserID):
		likes--
	case !liked && !c.LikedByUser(session.UserID):
		likes++
	}
	return EngagementView{ID: id, LikeCount: likes, Liked: !liked, CopyCount: c.CopyCount}, nil
}

func (s *Service) RecordCopy(ctx context.Context, session Session, id string) (EngagementView, error) {
	if !session.Authenticated() {
		return EngagementView{}, domainError(http.StatusUnauthorized, "AUTH_REQUIRED", "Please sign in to copy commands", nil)
	}
	c, err := s.visibleCommand(ctx, id)
	if err != nil {
		return EngagementView{}, err
	}
	err = s.store.IncrementField(ctx, id, store.FieldCopyCount, 1)
	metrics.RecordEngagement("copy", err)
	if err != nil {
		s.log(ctx).Error().Err(err).Str("command_id", id).Msg("copy count write failed")
		return EngagementView{}, storeWriteFailed()
	}
	return EngagementView{ID: id, LikeCount: c.LikeCount(), Liked: c.LikedByUser(session.UserID), CopyCount: c.CopyCount + 1}, nil
}
