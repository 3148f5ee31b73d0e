package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/noah-isme/threadline/internal/models"
	"github.com/noah-isme/threadline/internal/observability"
)

// Action is a thread operation subject to membership rules.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionInvite Action = "invite"
	ActionManage Action = "manage"
	ActionOwn    Action = "own"
)

// Role is a participant's standing within a thread.
type Role string

const (
	RoleNone   Role = "none"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// RoleOf derives the caller's role from thread state.
func RoleOf(thread models.Thread, userID uint) Role {
	switch {
	case !thread.HasParticipant(userID):
		return RoleNone
	case thread.IsGroup && thread.IsPrimaryAdmin(userID):
		return RoleOwner
	case thread.IsGroup && thread.IsAdmin(userID):
		return RoleAdmin
	default:
		return RoleMember
	}
}

// MembershipEnforcer decides whether a caller may perform an action on a thread.
type MembershipEnforcer struct {
	blocks BlockRegistry
	logger zerolog.Logger
}

// NewMembershipEnforcer creates an enforcer that consults the block registry for 1:1 writes.
func NewMembershipEnforcer(blocks BlockRegistry, logger zerolog.Logger) *MembershipEnforcer {
	return &MembershipEnforcer{
		blocks: blocks,
		logger: logger.With().Str("component", "membership_enforcer").Logger(),
	}
}

// Authorize returns nil when allowed, otherwise a *Denial.
// Non-participants always get a not-found denial so thread existence is not disclosed.
func (m *MembershipEnforcer) Authorize(ctx context.Context, actor uint, thread models.Thread, action Action) error {
	err := m.check(ctx, actor, thread, action)
	if err != nil {
		observability.AuthorizationDenials().WithLabelValues(string(action)).Inc()
		m.logger.Warn().
			Uint("thread_id", thread.ID).
			Uint("user_id", actor).
			Str("action", string(action)).
			Err(err).
			Msg("thread action denied")
	}
	return err
}

func (m *MembershipEnforcer) check(ctx context.Context, actor uint, thread models.Thread, action Action) error {
	if !thread.HasParticipant(actor) {
		return notFound("thread not found")
	}

	switch action {
	case ActionRead:
		return nil
	case ActionWrite:
		if !thread.IsGroup {
			return m.checkDirectWrite(ctx, actor, thread)
		}
		if !thread.MembersCanSend && !thread.IsAdmin(actor) {
			return forbidden("only admins can send messages in this group")
		}
		return nil
	case ActionInvite:
		if !thread.IsGroup {
			return invalidState("members can only be added to groups")
		}
		if !thread.MembersCanInvite && !thread.IsPrimaryAdmin(actor) {
			return forbidden("only the group owner can add members")
		}
		return nil
	case ActionManage:
		if !thread.IsGroup {
			return invalidState("thread is not a group")
		}
		if !thread.IsAdmin(actor) {
			return forbidden("admin role required")
		}
		return nil
	case ActionOwn:
		if !thread.IsGroup {
			return invalidState("thread is not a group")
		}
		if !thread.IsPrimaryAdmin(actor) {
			return forbidden("only the group owner can do this")
		}
		return nil
	default:
		return invalid("unknown action %q", action)
	}
}

func (m *MembershipEnforcer) checkDirectWrite(ctx context.Context, actor uint, thread models.Thread) error {
	switch thread.Status {
	case models.ThreadStatusArchived:
		return invalidState("thread is archived")
	case models.ThreadStatusRejected:
		if thread.InitiatorID != nil && *thread.InitiatorID == actor {
			return forbidden("message request was declined")
		}
	}

	other, ok := thread.OtherParticipant(actor)
	if !ok {
		return nil
	}
	blocked, err := m.blocks.IsBlocked(ctx, actor, other)
	if err != nil {
		return err
	}
	if blocked {
		return forbidden("messaging is blocked between these users")
	}
	return nil
}
