package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/threadline/internal/dto"
	"github.com/noah-isme/threadline/internal/models"
	"github.com/noah-isme/threadline/internal/realtime"
	"github.com/noah-isme/threadline/internal/repository"
	"github.com/noah-isme/threadline/pkg/keyring"
)

const (
	defaultPageSize   = 50
	maxThreadListSize = 100
	maxSearchResults  = 20
)

// ConversationService is the entry point for every conversation operation.
type ConversationService interface {
	FindOrCreateDirectThread(ctx context.Context, actor uint, req dto.DirectThreadRequest) (dto.ThreadResponse, bool, error)
	CreateGroup(ctx context.Context, actor uint, req dto.CreateGroupRequest) (dto.ThreadResponse, error)
	ListThreads(ctx context.Context, actor uint, limit, offset int) ([]dto.ThreadResponse, error)
	GetThread(ctx context.Context, actor, threadID uint, query dto.HistoryQuery) (dto.ThreadDetailResponse, error)
	SearchGroups(ctx context.Context, actor uint, query string) ([]dto.ThreadResponse, error)

	SendMessage(ctx context.Context, actor uint, req dto.SendMessageRequest) (dto.MessageResponse, error)
	EditMessage(ctx context.Context, actor, messageID uint, req dto.EditMessageRequest) (dto.MessageResponse, error)
	DeleteMessage(ctx context.Context, actor, messageID uint, scope dto.DeleteScope) error
	ReactMessage(ctx context.Context, actor, messageID uint, emoji string) (dto.ReactionResponse, error)
	MarkRead(ctx context.Context, actor, threadID uint, messageIDs []uint) (dto.MarkReadResponse, error)
	ForwardMessage(ctx context.Context, actor, messageID, targetThreadID uint) (dto.MessageResponse, error)
	PinMessage(ctx context.Context, actor, messageID uint, pinned bool) (dto.MessageResponse, error)
	Typing(ctx context.Context, actor, threadID uint, isTyping bool) error

	Accept(ctx context.Context, actor, threadID uint) (dto.ThreadResponse, error)
	Reject(ctx context.Context, actor, threadID uint) error
	Leave(ctx context.Context, actor, threadID uint) error
	Rejoin(ctx context.Context, actor, threadID uint) (dto.ThreadResponse, error)
	RemoveMember(ctx context.Context, actor, threadID, target uint) (dto.ThreadResponse, error)
	AddMembers(ctx context.Context, actor, threadID uint, userIDs []uint) (dto.ThreadResponse, error)
	Promote(ctx context.Context, actor, threadID, target uint) (dto.ThreadResponse, error)
	Demote(ctx context.Context, actor, threadID, target uint) (dto.ThreadResponse, error)
	TransferOwnership(ctx context.Context, actor, threadID, target uint) (dto.ThreadResponse, error)
	UpdateGroup(ctx context.Context, actor, threadID uint, req dto.UpdateGroupRequest) (dto.ThreadResponse, error)
	SetThreadFlag(ctx context.Context, actor, threadID uint, req dto.ThreadFlagRequest) (dto.ThreadResponse, error)
	DestroyThread(ctx context.Context, actor, threadID uint) error

	Block(ctx context.Context, actor uint, req dto.BlockRequest) (dto.BlockResponse, error)
	Unblock(ctx context.Context, actor uint, req dto.BlockRequest) (dto.BlockResponse, error)
	ListBlocks(ctx context.Context, actor uint) ([]dto.BlockResponse, error)

	Authorize(ctx context.Context, actor, threadID uint, action Action) error
	Connect(ctx context.Context, client *realtime.Client, threadID uint) error
	Disconnect(ctx context.Context, client *realtime.Client, threadID uint)
}

// ConversationConfig tunes paging and message lifetimes.
type ConversationConfig struct {
	PageSize     int
	UnsendWindow time.Duration
}

// ConversationDeps bundles the collaborators of the conversation façade.
type ConversationDeps struct {
	Store     repository.Store
	Keys      *keyring.KeyRing
	Blocks    BlockRegistry
	Hub       *realtime.Hub
	Presence  *realtime.Presence
	Notifier  NotificationPublisher
	Profiles  ProfileDirectory
	Validator *validator.Validate
	Logger    zerolog.Logger
	Config    ConversationConfig
}

type conversationService struct {
	store     repository.Store
	messages  *MessageStore
	state     *ThreadStateMachine
	enforcer  *MembershipEnforcer
	blocks    BlockRegistry
	hub       *realtime.Hub
	presence  *realtime.Presence
	notifier  NotificationPublisher
	profiles  ProfileDirectory
	validator *validator.Validate
	pairLocks *keyedMutex
	pageSize  int
	now       func() time.Time
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewConversationService wires the façade and its inner components.
func NewConversationService(deps ConversationDeps) ConversationService {
	return newConversationService(deps)
}

func newConversationService(deps ConversationDeps) *conversationService {
	pageSize := deps.Config.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	presence := deps.Presence
	if presence == nil {
		presence = realtime.NewPresence(0, nil, "", deps.Logger)
	}

	messages := NewMessageStore(deps.Store.Repositories().Messages, deps.Keys, deps.Config.UnsendWindow)
	enforcer := NewMembershipEnforcer(deps.Blocks, deps.Logger)
	state := NewThreadStateMachine(deps.Store, messages, enforcer, deps.Blocks, deps.Logger)

	return &conversationService{
		store:     deps.Store,
		messages:  messages,
		state:     state,
		enforcer:  enforcer,
		blocks:    deps.Blocks,
		hub:       deps.Hub,
		presence:  presence,
		notifier:  deps.Notifier,
		profiles:  deps.Profiles,
		validator: deps.Validator,
		pairLocks: newKeyedMutex(),
		pageSize:  pageSize,
		now:       func() time.Time { return time.Now().UTC() },
		tracer:    otel.Tracer("github.com/noah-isme/threadline/internal/service/conversation"),
		logger:    deps.Logger.With().Str("component", "conversation_service").Logger(),
	}
}

func (s *conversationService) setClock(now func() time.Time) {
	s.now = now
	s.messages.now = now
	s.state.now = now
}

func (s *conversationService) validate(payload interface{}) error {
	if s.validator == nil {
		return nil
	}
	if err := s.validator.Struct(payload); err != nil {
		return invalid("%s", err.Error())
	}
	return nil
}

func (s *conversationService) startSpan(ctx context.Context, name string, actor, threadID uint) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int64("actor.id", int64(actor)),
		attribute.Int64("thread.id", int64(threadID)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *conversationService) loadThread(ctx context.Context, threadID uint) (models.Thread, error) {
	return retryRead(ctx, "thread", func() (models.Thread, error) {
		return s.store.Repositories().Threads.Get(ctx, threadID)
	})
}

func (s *conversationService) authorized(ctx context.Context, actor, threadID uint, action Action) (models.Thread, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return models.Thread{}, err
	}
	if err := s.enforcer.Authorize(ctx, actor, thread, action); err != nil {
		return models.Thread{}, err
	}
	return thread, nil
}

func (s *conversationService) notify(ctx context.Context, intents []dto.NotificationIntent) {
	if s.notifier == nil {
		return
	}
	for _, intent := range intents {
		if err := s.notifier.Publish(ctx, intent); err != nil {
			s.logger.Warn().Err(err).Str("type", intent.Type).Uint("recipient_id", intent.RecipientID).Msg("failed to publish notification")
		}
	}
}

func (s *conversationService) publish(ctx context.Context, event realtime.Event) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(ctx, event)
}

func (s *conversationService) unreadFor(ctx context.Context, actor uint, threadIDs []uint) map[uint]int64 {
	counts, err := s.store.Repositories().Threads.UnreadCounts(ctx, actor, threadIDs, s.now())
	if err != nil {
		s.logger.Warn().Err(err).Uint("user_id", actor).Msg("failed to count unread messages")
		return map[uint]int64{}
	}
	return counts
}

func (s *conversationService) threadView(ctx context.Context, thread models.Thread, viewer uint) dto.ThreadResponse {
	counts := s.unreadFor(ctx, viewer, []uint{thread.ID})
	return threadResponse(thread, viewer, counts[thread.ID])
}

func threadResponse(thread models.Thread, viewer uint, unread int64) dto.ThreadResponse {
	response := dto.ThreadResponse{
		ID:                     thread.ID,
		IsGroup:                thread.IsGroup,
		Status:                 thread.Status,
		RequestStatus:          thread.RequestStatus,
		PrimaryAdminID:         thread.PrimaryAdminID,
		InitiatorID:            thread.InitiatorID,
		AdminIDs:               thread.AdminIDs(),
		ParticipantIDs:         thread.ParticipantIDs(),
		Role:                   string(RoleOf(thread, viewer)),
		Muted:                  thread.HasFlag(viewer, models.ThreadFlagMuted),
		Pinned:                 thread.HasFlag(viewer, models.ThreadFlagPinned),
		Hidden:                 thread.HasFlag(viewer, models.ThreadFlagHidden),
		MembersCanInvite:       thread.MembersCanInvite,
		MembersCanSend:         thread.MembersCanSend,
		DisappearingTTLSeconds: thread.DisappearingTTLSeconds,
		UnreadCount:            unread,
		CreatedAt:              thread.CreatedAt,
		UpdatedAt:              thread.UpdatedAt,
	}
	if thread.GroupName != nil {
		response.GroupName = *thread.GroupName
	}
	return response
}

// FindOrCreateDirectThread returns the pair's 1:1 thread, creating it on first contact.
// The boolean reports whether a new thread was created.
func (s *conversationService) FindOrCreateDirectThread(ctx context.Context, actor uint, req dto.DirectThreadRequest) (dto.ThreadResponse, bool, error) {
	if err := s.validate(req); err != nil {
		return dto.ThreadResponse{}, false, err
	}
	ctx, span := s.startSpan(ctx, "conversations.direct_thread", actor, 0)
	thread, created, err := s.findOrCreateDirect(ctx, actor, req.UserID, req.AsRequest)
	endSpan(span, err)
	if err != nil {
		return dto.ThreadResponse{}, false, err
	}
	return s.threadView(ctx, thread, actor), created, nil
}

func (s *conversationService) findOrCreateDirect(ctx context.Context, actor, other uint, asRequest bool) (models.Thread, bool, error) {
	if other == 0 || other == actor {
		return models.Thread{}, false, invalid("cannot start a conversation with yourself")
	}
	if s.profiles != nil {
		exists, err := s.profiles.Exists(ctx, other)
		if err != nil {
			return models.Thread{}, false, classify(err, "profile")
		}
		if !exists {
			return models.Thread{}, false, notFound("user not found")
		}
	}

	key := pairKey(actor, other)
	release := s.pairLocks.Lock(key)
	defer release()

	threads := s.store.Repositories().Threads
	existing, err := threads.FindDirect(ctx, key)
	switch {
	case err == nil:
		out, err := s.state.Reopen(ctx, existing.ID, actor)
		return out.Thread, false, err
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return models.Thread{}, false, classify(err, "thread")
	}

	blocked, err := s.blocks.IsBlocked(ctx, actor, other)
	if err != nil {
		return models.Thread{}, false, err
	}
	if blocked {
		return models.Thread{}, false, forbidden("you cannot message this user")
	}

	now := s.now()
	thread := models.Thread{
		Status:           models.ThreadStatusActive,
		RequestStatus:    models.RequestStatusNone,
		DirectKey:        &key,
		InitiatorID:      &actor,
		MembersCanInvite: true,
		MembersCanSend:   true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if asRequest {
		thread.Status = models.ThreadStatusPending
		thread.RequestStatus = models.RequestStatusPending
	}

	err = threads.Create(ctx, &thread, []uint{actor, other}, nil)
	if errors.Is(err, repository.ErrConflict) {
		existing, err := threads.FindDirect(ctx, key)
		if err != nil {
			return models.Thread{}, false, classify(err, "thread")
		}
		out, err := s.state.Reopen(ctx, existing.ID, actor)
		return out.Thread, false, err
	}
	if err != nil {
		return models.Thread{}, false, classify(err, "thread")
	}

	created, err := threads.Get(ctx, thread.ID)
	if err != nil {
		return models.Thread{}, false, classify(err, "thread")
	}
	if asRequest {
		s.notify(ctx, []dto.NotificationIntent{s.state.intent(NotifyRequest, other, actor, created)})
	}
	s.logger.Info().Uint("thread_id", created.ID).Uint("actor_id", actor).Bool("request", asRequest).Msg("direct thread created")
	return created, true, nil
}

// CreateGroup creates a group owned by the actor. Users in a block relation with the actor are left out.
func (s *conversationService) CreateGroup(ctx context.Context, actor uint, req dto.CreateGroupRequest) (dto.ThreadResponse, error) {
	if err := s.validate(req); err != nil {
		return dto.ThreadResponse{}, err
	}
	ctx, span := s.startSpan(ctx, "conversations.create_group", actor, 0)
	var err error
	defer func() { endSpan(span, err) }()

	name := s.messages.stripMarkup(req.Name)
	if name == "" {
		err = invalid("group name is required")
		return dto.ThreadResponse{}, err
	}
	nameKey := strings.ToLower(name)

	members := []uint{actor}
	for _, id := range uniqueIDs(req.ParticipantIDs) {
		if id == 0 || id == actor {
			continue
		}
		var blocked bool
		blocked, err = s.blocks.IsBlocked(ctx, actor, id)
		if err != nil {
			return dto.ThreadResponse{}, err
		}
		if blocked {
			s.logger.Debug().Uint("actor_id", actor).Uint("user_id", id).Msg("skipping blocked group member")
			continue
		}
		members = append(members, id)
	}

	now := s.now()
	thread := models.Thread{
		IsGroup:                true,
		Status:                 models.ThreadStatusActive,
		RequestStatus:          models.RequestStatusNone,
		GroupName:              &name,
		GroupNameKey:           &nameKey,
		PrimaryAdminID:         &actor,
		InitiatorID:            &actor,
		MembersCanInvite:       true,
		MembersCanSend:         true,
		DisappearingTTLSeconds: req.DisappearingTTLSeconds,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if req.MembersCanInvite != nil {
		thread.MembersCanInvite = *req.MembersCanInvite
	}
	if req.MembersCanSend != nil {
		thread.MembersCanSend = *req.MembersCanSend
	}
	if thread.DisappearingTTLSeconds != nil && *thread.DisappearingTTLSeconds <= 0 {
		thread.DisappearingTTLSeconds = nil
	}

	threads := s.store.Repositories().Threads
	if err = threads.Create(ctx, &thread, members, []uint{actor}); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			err = invalidState("group name already taken")
			return dto.ThreadResponse{}, err
		}
		err = classify(err, "thread")
		return dto.ThreadResponse{}, err
	}

	var created models.Thread
	created, err = threads.Get(ctx, thread.ID)
	if err != nil {
		err = classify(err, "thread")
		return dto.ThreadResponse{}, err
	}

	var intents []dto.NotificationIntent
	for _, id := range members[1:] {
		intents = append(intents, s.state.intent(NotifyGroupAdded, id, actor, created))
	}
	s.notify(ctx, intents)
	s.logger.Info().Uint("thread_id", created.ID).Uint("actor_id", actor).Int("members", len(members)).Msg("group created")
	return threadResponse(created, actor, 0), nil
}

// ListThreads returns the actor's visible threads, most recently active first.
func (s *conversationService) ListThreads(ctx context.Context, actor uint, limit, offset int) ([]dto.ThreadResponse, error) {
	if limit <= 0 || limit > maxThreadListSize {
		limit = s.pageSize
	}
	if offset < 0 {
		offset = 0
	}
	threads, err := retryRead(ctx, "thread", func() ([]models.Thread, error) {
		return s.store.Repositories().Threads.ListForUser(ctx, actor, limit, offset)
	})
	if err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(threads))
	for _, thread := range threads {
		ids = append(ids, thread.ID)
	}
	counts := s.unreadFor(ctx, actor, ids)

	responses := make([]dto.ThreadResponse, 0, len(threads))
	for _, thread := range threads {
		responses = append(responses, threadResponse(thread, actor, counts[thread.ID]))
	}
	return responses, nil
}

// GetThread returns the thread with one page of history and marks the fetched
// foreign messages as read.
func (s *conversationService) GetThread(ctx context.Context, actor, threadID uint, query dto.HistoryQuery) (dto.ThreadDetailResponse, error) {
	if err := s.validate(query); err != nil {
		return dto.ThreadDetailResponse{}, err
	}
	thread, err := s.authorized(ctx, actor, threadID, ActionRead)
	if err != nil {
		return dto.ThreadDetailResponse{}, err
	}
	if thread.HasFlag(actor, models.ThreadFlagDeleted) {
		return dto.ThreadDetailResponse{}, notFound("thread not found")
	}

	limit := query.Limit
	if limit <= 0 {
		limit = s.pageSize
	}
	history, err := s.messages.History(ctx, repository.HistoryQuery{
		ThreadID: thread.ID,
		ViewerID: actor,
		BeforeID: query.BeforeID,
		SinceID:  query.SinceID,
		Limit:    limit,
	})
	if err != nil {
		return dto.ThreadDetailResponse{}, err
	}

	var unread []uint
	for _, message := range history {
		if message.SenderID != actor && !message.Read {
			unread = append(unread, message.ID)
		}
	}
	if len(unread) > 0 {
		changed, at, err := s.messages.MarkRead(ctx, thread.ID, actor, unread)
		if err != nil {
			s.logger.Warn().Err(err).Uint("thread_id", thread.ID).Msg("failed to mark fetched messages read")
		} else if len(changed) > 0 {
			for i := range history {
				if containsID(changed, history[i].ID) {
					history[i].Read = true
					readAt := at
					history[i].ReadAt = &readAt
				}
			}
			s.publish(ctx, realtime.ReadReceiptEvent(thread.ID, actor, changed, at))
		}
	}

	messages := make([]dto.MessageResponse, 0, len(history))
	for _, message := range history {
		messages = append(messages, s.messages.Response(message))
	}
	return dto.ThreadDetailResponse{
		Thread:   s.threadView(ctx, thread, actor),
		Messages: messages,
	}, nil
}

// SearchGroups finds groups by name, including archived groups the actor could rejoin.
func (s *conversationService) SearchGroups(ctx context.Context, actor uint, query string) ([]dto.ThreadResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalid("search query is required")
	}
	threads, err := retryRead(ctx, "thread", func() ([]models.Thread, error) {
		return s.store.Repositories().Threads.SearchGroups(ctx, actor, query, maxSearchResults)
	})
	if err != nil {
		return nil, err
	}
	responses := make([]dto.ThreadResponse, 0, len(threads))
	for _, thread := range threads {
		responses = append(responses, threadResponse(thread, actor, 0))
	}
	return responses, nil
}

// Accept accepts a pending message request.
func (s *conversationService) Accept(ctx context.Context, actor, threadID uint) (dto.ThreadResponse, error) {
	ctx, span := s.startSpan(ctx, "conversations.accept", actor, threadID)
	out, err := s.state.Accept(ctx, threadID, actor)
	endSpan(span, err)
	if err != nil {
		return dto.ThreadResponse{}, err
	}
	return s.threadView(ctx, out.Thread, actor), nil
}

// Reject declines a 1:1 thread; on a group it leaves.
func (s *conversationService) Reject(ctx context.Context, actor, threadID uint) error {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.IsGroup {
		return s.Leave(ctx, actor, threadID)
	}

	ctx, span := s.startSpan(ctx, "conversations.reject", actor, threadID)
	_, err = s.state.Reject(ctx, threadID, actor)
	endSpan(span, err)
	return err
}

// Leave removes the actor from a group.
func (s *conversationService) Leave(ctx context.Context, actor, threadID uint) error {
	ctx, span := s.startSpan(ctx, "conversations.leave", actor, threadID)
	out, err := s.state.Leave(ctx, threadID, actor)
	endSpan(span, err)
	if err != nil {
		return err
	}
	if s.hub != nil {
		s.hub.UnsubscribeUser(threadID, actor)
	}
	s.notify(ctx, out.Notifications)

	event := s.logger.Info().Uint("thread_id", threadID).Uint("actor_id", actor).Bool("archived", out.Archived)
	if out.NewOwnerID != nil {
		event = event.Uint("new_owner_id", *out.NewOwnerID)
	}
	event.Msg("member left group")
	return nil
}

// Rejoin brings the actor back into a group.
func (s *conversationService) Rejoin(ctx context.Context, actor, threadID uint) (dto.ThreadResponse, error) {
	ctx, span := s.startSpan(ctx, "conversations.rejoin", actor, threadID)
	out, err := s.state.Rejoin(ctx, threadID, actor)
	endSpan(span, err)
	if err != nil {
		return dto.ThreadResponse{}, err
	}
	s.notify(ctx, out.Notifications)
	return s.threadView(ctx, out.Thread, actor), nil
}

// RemoveMember removes another member from a group.
func (s *conversationService) RemoveMember(ctx context.Context, actor, threadID, target uint) (dto.ThreadResponse, error) {
	ctx, span := s.startSpan(ctx, "conversations.remove_member", actor, threadID)
	out, err := s.state.RemoveMember(ctx, threadID, actor, target)
	endSpan(span, err)
	if err != nil {
		return dto.ThreadResponse{}, err
	}
	if s.hub != nil {
		s.hub.UnsubscribeUser(threadID, target)
	}
	s.notify(ctx, out.Notifications)
	return s.threadView(ctx, out.Thread, actor), nil
}

// AddMembers invites users into a group.
func (s *conversationService) AddMembers(ctx context.Context, actor, threadID uint, userIDs []uint) (dto.ThreadResponse, error) {
	if len(userIDs) == 0 {
		return dto.ThreadResponse{}, invalid("user_ids is required")
	}
	ctx, span := s.startSpan(ctx, "conversations.add_members", actor, threadID)
	out, err := s.state.AddMembers(ctx, threadID, actor, userIDs)
	endSpan(span, err)
	if err != nil {
		return dto.ThreadResponse{}, err
	}
	if len(out.Skipped) > 0 {
		s.logger.Debug().Uint("thread_id", threadID).Uints("skipped", out.Skipped).Msg("skipped blocked invitees")
	}
	s.notify(ctx, out.Notifications)
	return s.threadView(ctx, out.Thread, actor), nil
}

// Promote grants the admin role.
func (s *conversationService) Promote(ctx context.Context, actor, threadID, target uint) (dto.ThreadResponse, error) {
	return s.roleChange(ctx, "conversations.promote", actor, threadID, func(ctx context.Context) (Outcome, error) {
		return s.state.Promote(ctx, threadID, actor, target)
	})
}

// Demote revokes the admin role.
func (s *conversationService) Demote(ctx context.Context, actor, threadID, target uint) (dto.ThreadResponse, error) {
	return s.roleChange(ctx, "conversations.demote", actor, threadID, func(ctx context.Context) (Outcome, error) {
		return s.state.Demote(ctx, threadID, actor, target)
	})
}

// TransferOwnership hands the group to another member.
func (s *conversationService) TransferOwnership(ctx context.Context, actor, threadID, target uint) (dto.ThreadResponse, error) {
	return s.roleChange(ctx, "conversations.transfer_ownership", actor, threadID, func(ctx context.Context) (Outcome, error) {
		return s.state.TransferOwnership(ctx, threadID, actor, target)
	})
}

func (s *conversationService) roleChange(ctx context.Context, name string, actor, threadID uint, fn func(ctx context.Context) (Outcome, error)) (dto.ThreadResponse, error) {
	ctx, span := s.startSpan(ctx, name, actor, threadID)
	out, err := fn(ctx)
	endSpan(span, err)
	if err != nil {
		return dto.ThreadResponse{}, err
	}
	s.notify(ctx, out.Notifications)
	return s.threadView(ctx, out.Thread, actor), nil
}

// UpdateGroup changes a group's name, permissions or disappearing-message TTL.
func (s *conversationService) UpdateGroup(ctx context.Context, actor, threadID uint, req dto.UpdateGroupRequest) (dto.ThreadResponse, error) {
	if err := s.validate(req); err != nil {
		return dto.ThreadResponse{}, err
	}
	ctx, span := s.startSpan(ctx, "conversations.update_group", actor, threadID)
	out, err := s.state.UpdateSettings(ctx, threadID, actor, req.Name, req.MembersCanInvite, req.MembersCanSend, req.DisappearingTTLSeconds)
	endSpan(span, err)
	if err != nil {
		return dto.ThreadResponse{}, err
	}
	return s.threadView(ctx, out.Thread, actor), nil
}

// SetThreadFlag toggles one of the actor's own flags on a thread.
func (s *conversationService) SetThreadFlag(ctx context.Context, actor, threadID uint, req dto.ThreadFlagRequest) (dto.ThreadResponse, error) {
	if err := s.validate(req); err != nil {
		return dto.ThreadResponse{}, err
	}
	out, err := s.state.SetFlag(ctx, threadID, actor, req.Flag, req.Enabled)
	if err != nil {
		return dto.ThreadResponse{}, err
	}
	return s.threadView(ctx, out.Thread, actor), nil
}

// DestroyThread deletes a thread or, for a plain group member, removes it from their view.
func (s *conversationService) DestroyThread(ctx context.Context, actor, threadID uint) error {
	ctx, span := s.startSpan(ctx, "conversations.destroy", actor, threadID)
	out, err := s.state.Destroy(ctx, threadID, actor)
	endSpan(span, err)
	if err != nil {
		return err
	}
	if s.hub != nil {
		if out.Deleted {
			s.hub.CloseThread(threadID)
		} else {
			s.hub.UnsubscribeUser(threadID, actor)
		}
	}
	s.logger.Info().Uint("thread_id", threadID).Uint("actor_id", actor).Bool("deleted", out.Deleted).Msg("thread destroyed")
	return nil
}

// Block records a restriction and moves the pair's 1:1 thread to blocked.
func (s *conversationService) Block(ctx context.Context, actor uint, req dto.BlockRequest) (dto.BlockResponse, error) {
	if err := s.validate(req); err != nil {
		return dto.BlockResponse{}, err
	}
	kind := req.Kind
	if kind == "" {
		kind = models.BlockKindBlock
	}

	ctx, span := s.startSpan(ctx, "conversations.block", actor, 0)
	var err error
	defer func() { endSpan(span, err) }()

	var changed bool
	changed, err = s.blocks.Block(ctx, actor, req.UserID, kind)
	if err != nil {
		return dto.BlockResponse{}, err
	}
	if kind == models.BlockKindBlock {
		if _, err = s.state.ApplyBlock(ctx, actor, req.UserID); err != nil {
			return dto.BlockResponse{}, err
		}
	}
	return dto.BlockResponse{UserID: req.UserID, Kind: kind, Changed: changed}, nil
}

// Unblock removes a restriction and reactivates the pair's 1:1 thread when no block remains.
func (s *conversationService) Unblock(ctx context.Context, actor uint, req dto.BlockRequest) (dto.BlockResponse, error) {
	if err := s.validate(req); err != nil {
		return dto.BlockResponse{}, err
	}
	kind := req.Kind
	if kind == "" {
		kind = models.BlockKindBlock
	}

	ctx, span := s.startSpan(ctx, "conversations.unblock", actor, 0)
	var err error
	defer func() { endSpan(span, err) }()

	var changed bool
	changed, err = s.blocks.Unblock(ctx, actor, req.UserID, kind)
	if err != nil {
		return dto.BlockResponse{}, err
	}
	if kind == models.BlockKindBlock {
		if _, err = s.state.ApplyUnblock(ctx, actor, req.UserID); err != nil {
			return dto.BlockResponse{}, err
		}
	}
	return dto.BlockResponse{UserID: req.UserID, Kind: kind, Changed: changed}, nil
}

// ListBlocks returns the restrictions the actor holds.
func (s *conversationService) ListBlocks(ctx context.Context, actor uint) ([]dto.BlockResponse, error) {
	relations, err := s.blocks.List(ctx, actor)
	if err != nil {
		return nil, err
	}
	responses := make([]dto.BlockResponse, 0, len(relations))
	for _, relation := range relations {
		responses = append(responses, dto.BlockResponse{UserID: relation.RestrictedUserID, Kind: relation.Kind})
	}
	return responses, nil
}

// Authorize checks an action against a thread by id.
func (s *conversationService) Authorize(ctx context.Context, actor, threadID uint, action Action) error {
	_, err := s.authorized(ctx, actor, threadID, action)
	return err
}

// Connect subscribes a live connection to a thread once read access is confirmed
// and announces the user as online there.
func (s *conversationService) Connect(ctx context.Context, client *realtime.Client, threadID uint) error {
	if err := s.Authorize(ctx, client.UserID(), threadID, ActionRead); err != nil {
		return err
	}
	if s.hub == nil {
		return nil
	}
	s.hub.Subscribe(client, threadID)
	s.presence.Connected(client.UserID())
	s.publish(ctx, realtime.PresenceEvent(threadID, client.UserID(), true))
	return nil
}

// Disconnect drops every subscription of the connection and announces the user
// as offline on the thread it joined. The connection count only feeds the
// online check used for notifications.
func (s *conversationService) Disconnect(ctx context.Context, client *realtime.Client, threadID uint) {
	client.Close()
	userID := client.UserID()
	if s.presence.IsTypingFresh(ctx, threadID, userID) {
		s.presence.Clear(ctx, threadID, userID)
		s.publish(ctx, realtime.TypingEvent(threadID, userID, false))
	}
	s.presence.Disconnected(userID)
	s.publish(ctx, realtime.PresenceEvent(threadID, userID, false))
}
