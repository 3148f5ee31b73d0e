package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/threadline/internal/dto"
	"github.com/noah-isme/threadline/internal/models"
	"github.com/noah-isme/threadline/internal/repository"
)

// Notification types handed to the notification collaborator.
const (
	NotifyGroupAdded   = "group_added"
	NotifyGroupRemoved = "group_removed"
	NotifyGroupAdmin   = "group_admin"
	NotifyGroupDemoted = "group_demoted"
	NotifyGroupOwner   = "group_owner"
	NotifyGroupLeave   = "group_leave"
	NotifyGroupJoin    = "group_join"
	NotifyNewMessage   = "new_message"
	NotifyRequest      = "message_request"
)

var allowedTransitions = map[models.ThreadStatus][]models.ThreadStatus{
	models.ThreadStatusPending:  {models.ThreadStatusActive, models.ThreadStatusRejected, models.ThreadStatusBlocked},
	models.ThreadStatusActive:   {models.ThreadStatusArchived, models.ThreadStatusBlocked, models.ThreadStatusRejected},
	models.ThreadStatusArchived: {models.ThreadStatusActive},
	models.ThreadStatusBlocked:  {models.ThreadStatusActive, models.ThreadStatusPending},
	models.ThreadStatusRejected: {models.ThreadStatusActive},
}

// CanTransition reports whether a thread may move between two statuses.
func CanTransition(from, to models.ThreadStatus) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Outcome is the result of a thread mutation together with the notifications it implies.
type Outcome struct {
	Thread        models.Thread
	Deleted       bool
	Notifications []dto.NotificationIntent
}

// LeaveOutcome adds succession details to a leave.
type LeaveOutcome struct {
	Outcome
	Archived   bool
	NewOwnerID *uint
}

// AddMembersOutcome lists who was added and who was skipped.
type AddMembersOutcome struct {
	Outcome
	Added   []uint
	Skipped []uint
}

// ThreadStateMachine applies lifecycle and membership transitions. Every
// mutation runs under a per-thread lock and a row-locking transaction.
type ThreadStateMachine struct {
	store    repository.Store
	messages *MessageStore
	enforcer *MembershipEnforcer
	blocks   BlockRegistry
	locks    *keyedMutex
	now      func() time.Time
	logger   zerolog.Logger
}

// NewThreadStateMachine wires the state machine.
func NewThreadStateMachine(store repository.Store, messages *MessageStore, enforcer *MembershipEnforcer, blocks BlockRegistry, logger zerolog.Logger) *ThreadStateMachine {
	return &ThreadStateMachine{
		store:    store,
		messages: messages,
		enforcer: enforcer,
		blocks:   blocks,
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("component", "thread_state").Logger(),
	}
}

func (m *ThreadStateMachine) mutate(ctx context.Context, threadID uint, fn func(repos repository.Repositories, thread models.Thread, out *Outcome) error) (Outcome, error) {
	release := m.locks.Lock(threadKey(threadID))
	defer release()

	var out Outcome
	err := m.store.WithThreadLock(ctx, threadID, func(repos repository.Repositories, thread models.Thread) error {
		if err := fn(repos, thread, &out); err != nil {
			return err
		}
		if out.Deleted {
			out.Thread = thread
			return nil
		}
		updated, err := repos.Threads.Get(ctx, threadID)
		if err != nil {
			return err
		}
		out.Thread = updated
		return nil
	})
	if err != nil {
		return Outcome{}, classify(err, "thread")
	}
	return out, nil
}

func (m *ThreadStateMachine) transition(ctx context.Context, repos repository.Repositories, thread models.Thread, to models.ThreadStatus) error {
	if thread.Status == to {
		return nil
	}
	if !CanTransition(thread.Status, to) {
		return invalidState("thread cannot move from %s to %s", thread.Status, to)
	}
	changed, err := repos.Threads.TransitionStatus(ctx, thread.ID, []models.ThreadStatus{thread.Status}, to)
	if err != nil {
		return err
	}
	if !changed {
		return invalidState("thread status changed concurrently")
	}
	return nil
}

func (m *ThreadStateMachine) intent(kind string, recipient, actor uint, thread models.Thread) dto.NotificationIntent {
	intent := dto.NotificationIntent{
		Type:        kind,
		RecipientID: recipient,
		ActorID:     actor,
		ThreadID:    thread.ID,
		CreatedAt:   m.now(),
	}
	if thread.GroupName != nil {
		intent.GroupName = *thread.GroupName
	}
	return intent
}

func requireGroupMember(thread models.Thread, actor uint) error {
	if !thread.HasParticipant(actor) {
		return notFound("thread not found")
	}
	if !thread.IsGroup {
		return invalidState("thread is not a group")
	}
	return nil
}

// Accept turns a pending message request into an active thread. Only the recipient may accept.
func (m *ThreadStateMachine) Accept(ctx context.Context, threadID, actor uint) (Outcome, error) {
	return m.mutate(ctx, threadID, func(repos repository.Repositories, thread models.Thread, out *Outcome) error {
		if !thread.HasParticipant(actor) {
			return notFound("thread not found")
		}
		if thread.IsGroup || thread.Status != models.ThreadStatusPending {
			return invalidState("thread has no pending request")
		}
		if thread.InitiatorID != nil && *thread.InitiatorID == actor {
			return forbidden("only the recipient can accept a message request")
		}
		if err := m.transition(ctx, repos, thread, models.ThreadStatusActive); err != nil {
			return err
		}
		if _, err := repos.Threads.RemoveFlag(ctx, thread.ID, actor, models.ThreadFlagHidden); err != nil {
			return err
		}
		return repos.Threads.UpdateFields(ctx, thread.ID, map[string]interface{}{"request_status": models.RequestStatusAccepted})
	})
}

// Reject declines a 1:1 thread and removes it from the rejecting user's view.
func (m *ThreadStateMachine) Reject(ctx context.Context, threadID, actor uint) (Outcome, error) {
	return m.mutate(ctx, threadID, func(repos repository.Repositories, thread models.Thread, out *Outcome) error {
		if !thread.HasParticipant(actor) {
			return notFound("thread not found")
		}
		if thread.IsGroup {
			return invalidState("groups are left, not rejected")
		}
		if thread.Status != models.ThreadStatusPending && thread.Status != models.ThreadStatusActive {
			return invalidState("thread cannot be rejected while %s", thread.Status)
		}
		if thread.Status == models.ThreadStatusPending && thread.InitiatorID != nil && *thread.InitiatorID == actor {
			return forbidden("only the recipient can reject a message request")
		}
		if err := m.transition(ctx, repos, thread, models.ThreadStatusRejected); err != nil {
			return err
		}
		for _, flag := range []models.ThreadFlag{models.ThreadFlagHidden, models.ThreadFlagDeleted} {
			if _, err := repos.Threads.AddFlag(ctx, thread.ID, actor, flag); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyBlock moves the pair's 1:1 thread, if any, to blocked.
func (m *ThreadStateMachine) ApplyBlock(ctx context.Context, a, b uint) (*Outcome, error) {
	thread, err := m.store.Repositories().Threads.FindDirect(ctx, pairKey(a, b))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "thread")
	}

	out, err := m.mutate(ctx, thread.ID, func(repos repository.Repositories, locked models.Thread, out *Outcome) error {
		if locked.Status != models.ThreadStatusActive && locked.Status != models.ThreadStatusPending {
			return nil
		}
		return m.transition(ctx, repos, locked, models.ThreadStatusBlocked)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// unblockedStatus is where a blocked 1:1 thread returns to. A request that was
// never answered is pending again.
func unblockedStatus(thread models.Thread) models.ThreadStatus {
	if thread.RequestStatus == models.RequestStatusPending {
		return models.ThreadStatusPending
	}
	return models.ThreadStatusActive
}

// ApplyUnblock restores the pair's blocked 1:1 thread once no block remains in either direction.
func (m *ThreadStateMachine) ApplyUnblock(ctx context.Context, a, b uint) (*Outcome, error) {
	thread, err := m.store.Repositories().Threads.FindDirect(ctx, pairKey(a, b))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "thread")
	}

	out, err := m.mutate(ctx, thread.ID, func(repos repository.Repositories, locked models.Thread, out *Outcome) error {
		if locked.Status != models.ThreadStatusBlocked {
			return nil
		}
		blocked, err := m.blocks.IsBlocked(ctx, a, b)
		if err != nil {
			return err
		}
		if blocked {
			return nil
		}
		return m.transition(ctx, repos, locked, unblockedStatus(locked))
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Reopen makes an existing 1:1 thread visible to the actor again. A rejected
// thread is revived only by the user who rejected it, and a blocked thread
// only when no block remains.
func (m *ThreadStateMachine) Reopen(ctx context.Context, threadID, actor uint) (Outcome, error) {
	return m.mutate(ctx, threadID, func(repos repository.Repositories, thread models.Thread, out *Outcome) error {
		if !thread.HasParticipant(actor) {
			return notFound("thread not found")
		}
		for _, flag := range []models.ThreadFlag{models.ThreadFlagHidden, models.ThreadFlagDeleted} {
			if _, err := repos.Threads.RemoveFlag(ctx, thread.ID, actor, flag); err != nil {
				return err
			}
		}

		switch thread.Status {
		case models.ThreadStatusRejected:
			if thread.InitiatorID != nil && *thread.InitiatorID == actor {
				return nil
			}
			return m.transition(ctx, repos, thread, models.ThreadStatusActive)
		case models.ThreadStatusBlocked:
			other, ok := thread.OtherParticipant(actor)
			if !ok {
				return nil
			}
			blocked, err := m.blocks.IsBlocked(ctx, actor, other)
			if err != nil || blocked {
				return err
			}
			return m.transition(ctx, repos, thread, unblockedStatus(thread))
		}
		return nil
	})
}

// Leave removes the actor from a group, hands ownership on when needed and
// archives the group once nobody is left.
func (m *ThreadStateMachine) Leave(ctx context.Context, threadID, actor uint) (LeaveOutcome, error) {
	var result LeaveOutcome
	out, err := m.mutate(ctx, threadID, func(repos repository.Repositories, thread models.Thread, out *Outcome) error {
		if err := requireGroupMember(thread, actor); err != nil {
			return err
		}
		if _, err := repos.Threads.RemoveParticipant(ctx, thread.ID, actor); err != nil {
			return err
		}
		if _, err := repos.Threads.RemoveAdmin(ctx, thread.ID, actor); err != nil {
			return err
		}
		if err := m.messages.bind(repos.Messages).ClearHistory(ctx, thread.ID, actor); err != nil {
			return err
		}

		var remaining []uint
		for _, id := range thread.ParticipantIDs() {
			if id != actor {
				remaining = append(remaining, id)
			}
		}

		if len(remaining) == 0 {
			if err := m.transition(ctx, repos, thread, models.ThreadStatusArchived); err != nil {
				return err
			}
			if err := repos.Threads.SetPrimaryAdmin(ctx, thread.ID, nil); err != nil {
				return err
			}
			result.Archived = true
			return repos.Threads.ClearAdmins(ctx, thread.ID)
		}

		admins := make([]uint, 0)
		if thread.PrimaryAdminID != nil && *thread.PrimaryAdminID != actor {
			admins = append(admins, *thread.PrimaryAdminID)
		}
		if thread.PrimaryAdminID == nil || *thread.PrimaryAdminID == actor {
			successor := remaining[0]
			for _, id := range thread.AdminIDs() {
				if id != actor && containsID(remaining, id) {
					successor = id
					break
				}
			}
			if err := repos.Threads.SetPrimaryAdmin(ctx, thread.ID, &successor); err != nil {
				return err
			}
			if _, err := repos.Threads.AddAdmin(ctx, thread.ID, successor, m.now()); err != nil {
				return err
			}
			result.NewOwnerID = &successor
			admins = append(admins, successor)
		}
		for _, id := range thread.AdminIDs() {
			if id != actor && !containsID(admins, id) && containsID(remaining, id) {
				admins = append(admins, id)
			}
		}
		for _, id := range admins {
			out.Notifications = append(out.Notifications, m.intent(NotifyGroupLeave, id, actor, thread))
		}
		return nil
	})
	if err != nil {
		return LeaveOutcome{}, err
	}
	result.Outcome = out
	return result, nil
}

// Rejoin brings a former or hidden member back into a group.
func (m *ThreadStateMachine) Rejoin(ctx context.Context, threadID, actor uint) (Outcome, error) {
	return m.mutate(ctx, threadID, func(repos repository.Repositories, thread models.Thread, out *Outcome) error {
		if !thread.IsGroup {
			return notFound("thread not found")
		}

		if thread.HasParticipant(actor) {
			hidden := thread.HasFlag(actor, models.ThreadFlagHidden) || thread.HasFlag(actor, models.ThreadFlagDeleted)
			if !hidden {
				return invalidState("already a member of this group")
			}
			for _, flag := range []models.ThreadFlag{models.ThreadFlagHidden, models.ThreadFlagDeleted} {
				if _, err := repos.Threads.RemoveFlag(ctx, thread.ID, actor, flag); err != nil {
					return err
				}
			}
			return nil
		}

		if thread.PrimaryAdminID != nil {
			blocked, err := m.blocks.HasBlocked(ctx, *thread.PrimaryAdminID, actor)
			if err != nil {
				return err
			}
			if blocked {
				return forbidden("you cannot join this group")
			}
		}

		if _, err := repos.Threads.AddParticipant(ctx, thread.ID, actor, m.now()); err != nil {
			return err
		}
		if thread.Status == models.ThreadStatusArchived {
			if err := m.transition(ctx, repos, thread, models.ThreadStatusActive); err != nil {
				return err
			}
		}
		if thread.PrimaryAdminID == nil {
			if err := repos.Threads.SetPrimaryAdmin(ctx, thread.ID, &actor); err != nil {
				return err
			}
			if _, err := repos.Threads.AddAdmin(ctx, thread.ID, actor, m.now()); err != nil {
				return err
			}
		}
		for _, id := range adminRecipients(thread, actor) {
			out.Notifications = append(out.Notifications, m.intent(NotifyGroupJoin, id, actor, thread))
		}
		return nil
	})
}

// RemoveMember lets an admin remove another member.
func (m *ThreadStateMachine) RemoveMember(ctx context.Context, threadID, actor, target uint) (Outcome, error) {
	return m.mutate(ctx, threadID, func(repos repository.Repositories, thread models.Thread, out *Outcome) error {
		if err := m.enforcer.Authorize(ctx, actor, thread, ActionManage); err != nil {
			return err
		}
		if target == actor {
			return invalidState("leave the group instead of removing yourself")
		}
		if !thread.HasParticipant(target) {
			return invalidState("user is not a member of this group")
		}
		if thread.IsPrimaryAdmin(target) {
			return forbidden("the group owner cannot be removed")
		}
		if _, err := repos.Threads.RemoveParticipant(ctx, thread.ID, target); err != nil {
			return err
		}
		if _, err := repos.Threads.RemoveAdmin(ctx, thread.ID, target); err != nil {
			return err
		}
		out.Notifications = append(out.Notifications, m.intent(NotifyGroupRemoved, target, actor, thread))
		return nil
	})
}

// Promote grants a member the admin role.
func (m *ThreadStateMachine) Promote(ctx context.Context, threadID, actor, target uint) (Outcome, error) {
	return m.mutate(ctx, threadID, func(repos repository.Repositories, thread models.Thread, out *Outcome) error {
		if err := m.enforcer.Authorize(ctx, actor, thread, ActionManage); err != nil {
			return err
		}
		if !thread.HasParticipant(target) {
			return invalidState("user is not a member of this group")
		}
		if thread.IsAdmin(target) {
			return invalidState("user is already an admin")
		}
		if _, err := repos.Threads.AddAdmin(ctx, thread.ID, target, m.now()); err != nil {
			return err
		}
		out.Notifications = append(out.Notifications, m.intent(NotifyGroupAdmin, target, actor, thread))
		return nil
	})
}

// Demote removes the admin role from a co-admin. The owner cannot be demoted.
func (m *ThreadStateMachine) Demote(ctx context.Context, threadID, actor, target uint) (Outcome, error) {
	return m.mutate(ctx, threadID, func(repos repository.Repositories, thread models.Thread, out *Outcome) error {
		if err := m.enforcer.Authorize(ctx, actor, thread, ActionManage); err != nil {
			return err
		}
		if thread.IsPrimaryAdmin(target) {
			return invalidState("transfer ownership before stepping down as owner")
		}
		if !thread.IsAdmin(target) {
			return invalidState("user is not an admin")
		}
		if _, err := repos.Threads.RemoveAdmin(ctx, thread.ID, target); err != nil {
			return err
		}
		if target != actor {
			out.Notifications = append(out.Notifications, m.intent(NotifyGroupDemoted, target, actor, thread))
		}
		return nil
	})
}

// TransferOwnership hands the owner role to another member. The previous owner stays an admin.
func (m *ThreadStateMachine) TransferOwnership(ctx context.Context, threadID, actor, target uint) (Outcome, error) {
	return m.mutate(ctx, threadID, func(repos repository.Repositories, thread models.Thread, out *Outcome) error {
		if err := m.enforcer.Authorize(ctx, actor, thread, ActionOwn); err != nil {
			return err
		}
		if target == actor {
			return invalidState("you already own this group")
		}
		if !thread.HasParticipant(target) {
			return invalidState("user is not a member of this group")
		}
		if err := repos.Threads.SetPrimaryAdmin(ctx, thread.ID, &target); err != nil {
			return err
		}
		if _, err := repos.Threads.AddAdmin(ctx, thread.ID, target, m.now()); err != nil {
			return err
		}
		if _, err := repos.Threads.AddAdmin(ctx, thread.ID, actor, m.now()); err != nil {
			return err
		}
		out.Notifications = append(out.Notifications, m.intent(NotifyGroupOwner, target, actor, thread))
		return nil
	})
}

// AddMembers adds users to a group. Users with a block against or from the inviter are skipped.
func (m *ThreadStateMachine) AddMembers(ctx context.Context, threadID, actor uint, userIDs []uint) (AddMembersOutcome, error) {
	var result AddMembersOutcome
	out, err := m.mutate(ctx, threadID, func(repos repository.Repositories, thread models.Thread, out *Outcome) error {
		if err := m.enforcer.Authorize(ctx, actor, thread, ActionInvite); err != nil {
			return err
		}
		joined := m.now()
		for i, id := range uniqueIDs(userIDs) {
			if id == 0 || id == actor || thread.HasParticipant(id) {
				continue
			}
			blocked, err := m.blocks.IsBlocked(ctx, actor, id)
			if err != nil {
				return err
			}
			if blocked {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			added, err := repos.Threads.AddParticipant(ctx, thread.ID, id, joined.Add(time.Duration(i)*time.Microsecond))
			if err != nil {
				return err
			}
			if added {
				result.Added = append(result.Added, id)
				out.Notifications = append(out.Notifications, m.intent(NotifyGroupAdded, id, actor, thread))
			}
		}
		return nil
	})
	if err != nil {
		return AddMembersOutcome{}, err
	}
	result.Outcome = out
	return result, nil
}

// UpdateSettings changes group name and permissions.
func (m *ThreadStateMachine) UpdateSettings(ctx context.Context, threadID, actor uint, name *string, canInvite, canSend *bool, ttlSeconds *int) (Outcome, error) {
	return m.mutate(ctx, threadID, func(repos repository.Repositories, thread models.Thread, out *Outcome) error {
		if err := m.enforcer.Authorize(ctx, actor, thread, ActionManage); err != nil {
			return err
		}
		fields := map[string]interface{}{}
		if name != nil {
			clean := m.messages.stripMarkup(*name)
			if clean == "" {
				return invalid("group name is required")
			}
			key := strings.ToLower(clean)
			fields["group_name"] = clean
			fields["group_name_key"] = key
		}
		if canInvite != nil {
			fields["members_can_invite"] = *canInvite
		}
		if canSend != nil {
			fields["members_can_send"] = *canSend
		}
		if ttlSeconds != nil {
			if *ttlSeconds <= 0 {
				fields["disappearing_ttl_seconds"] = nil
			} else {
				fields["disappearing_ttl_seconds"] = *ttlSeconds
			}
		}
		err := repos.Threads.UpdateFields(ctx, thread.ID, fields)
		if errors.Is(err, repository.ErrConflict) {
			return invalidState("group name already taken")
		}
		return err
	})
}

// SetFlag sets or clears one of the actor's per-thread flags.
func (m *ThreadStateMachine) SetFlag(ctx context.Context, threadID, actor uint, flag models.ThreadFlag, enabled bool) (Outcome, error) {
	if !flag.Valid() {
		return Outcome{}, invalid("unknown flag %q", flag)
	}
	return m.mutate(ctx, threadID, func(repos repository.Repositories, thread models.Thread, out *Outcome) error {
		if !thread.HasParticipant(actor) {
			return notFound("thread not found")
		}
		var err error
		if enabled {
			_, err = repos.Threads.AddFlag(ctx, thread.ID, actor, flag)
		} else {
			_, err = repos.Threads.RemoveFlag(ctx, thread.ID, actor, flag)
		}
		return err
	})
}

// Destroy deletes a 1:1 thread, deletes a group for an admin, or hides and
// clears a group for a plain member.
func (m *ThreadStateMachine) Destroy(ctx context.Context, threadID, actor uint) (Outcome, error) {
	return m.mutate(ctx, threadID, func(repos repository.Repositories, thread models.Thread, out *Outcome) error {
		if !thread.HasParticipant(actor) {
			return notFound("thread not found")
		}
		if !thread.IsGroup || thread.IsAdmin(actor) {
			out.Deleted = true
			return repos.Threads.Delete(ctx, thread.ID)
		}
		for _, flag := range []models.ThreadFlag{models.ThreadFlagDeleted, models.ThreadFlagHidden} {
			if _, err := repos.Threads.AddFlag(ctx, thread.ID, actor, flag); err != nil {
				return err
			}
		}
		return m.messages.bind(repos.Messages).ClearHistory(ctx, thread.ID, actor)
	})
}

// adminRecipients lists the owner and co-admins still in the group, excluding one user.
func adminRecipients(thread models.Thread, exclude uint) []uint {
	var ids []uint
	if thread.PrimaryAdminID != nil {
		ids = append(ids, *thread.PrimaryAdminID)
	}
	ids = append(ids, thread.AdminIDs()...)

	var out []uint
	for _, id := range uniqueIDs(ids) {
		if id != exclude && thread.HasParticipant(id) {
			out = append(out, id)
		}
	}
	return out
}

func containsID(ids []uint, id uint) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
