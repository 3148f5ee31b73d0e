package service

import (
	"context"
	"time"

	"github.com/noah-isme/threadline/internal/dto"
	"github.com/noah-isme/threadline/internal/models"
	"github.com/noah-isme/threadline/internal/observability"
	"github.com/noah-isme/threadline/internal/realtime"
	"github.com/noah-isme/threadline/internal/repository"
)

// SendMessage posts into an existing thread, or into the 1:1 thread with
// RecipientID when no thread is named, creating it on first contact.
func (s *conversationService) SendMessage(ctx context.Context, actor uint, req dto.SendMessageRequest) (dto.MessageResponse, error) {
	if err := s.validate(req); err != nil {
		return dto.MessageResponse{}, err
	}

	threadID := req.ThreadID
	if threadID == 0 {
		if req.RecipientID == 0 {
			return dto.MessageResponse{}, invalid("thread_id or recipient_id is required")
		}
		thread, _, err := s.findOrCreateDirect(ctx, actor, req.RecipientID, false)
		if err != nil {
			return dto.MessageResponse{}, err
		}
		threadID = thread.ID
	}

	return s.send(ctx, actor, threadID, NewMessage{
		SenderID: actor,
		Content: MessageContent{
			Plaintext:               req.Content,
			ClientCiphertext:        req.ClientEncryptedContent,
			ClientIV:                req.ClientIV,
			ClientEncryptionVersion: req.ClientEncryptionVersion,
		},
		ReplyToID:    req.ReplyToID,
		SharedPostID: req.SharedPostID,
		Attachments:  req.Attachments,
	})
}

func (s *conversationService) send(ctx context.Context, actor, threadID uint, input NewMessage) (dto.MessageResponse, error) {
	ctx, span := s.startSpan(ctx, "conversations.send_message", actor, threadID)
	var err error
	defer func() { endSpan(span, err) }()

	var thread models.Thread
	thread, err = s.authorized(ctx, actor, threadID, ActionWrite)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	var suppressed []uint
	if thread.IsGroup {
		suppressed, err = s.blocks.BlockersOf(ctx, actor, thread.ParticipantIDs())
		if err != nil {
			return dto.MessageResponse{}, err
		}
	}

	now := s.now()
	input.ThreadID = thread.ID
	input.HiddenFrom = suppressed
	if thread.DisappearingTTLSeconds != nil && *thread.DisappearingTTLSeconds > 0 {
		expires := now.Add(time.Duration(*thread.DisappearingTTLSeconds) * time.Second)
		input.ExpiresAt = &expires
	}

	var stored models.Message
	err = s.store.Transaction(ctx, func(repos repository.Repositories) error {
		message, err := s.messages.bind(repos.Messages).Send(ctx, input)
		if err != nil {
			return err
		}
		stored = message

		for _, id := range thread.ParticipantIDs() {
			if containsID(suppressed, id) {
				continue
			}
			for _, flag := range []models.ThreadFlag{models.ThreadFlagHidden, models.ThreadFlagDeleted} {
				if _, err := repos.Threads.RemoveFlag(ctx, thread.ID, id, flag); err != nil {
					return err
				}
			}
		}

		replying := thread.InitiatorID == nil || *thread.InitiatorID != actor
		switch {
		case thread.Status == models.ThreadStatusPending && replying:
			if _, err := repos.Threads.TransitionStatus(ctx, thread.ID, []models.ThreadStatus{models.ThreadStatusPending}, models.ThreadStatusActive); err != nil {
				return err
			}
			if err := repos.Threads.UpdateFields(ctx, thread.ID, map[string]interface{}{"request_status": models.RequestStatusAccepted}); err != nil {
				return err
			}
		case thread.Status == models.ThreadStatusRejected && replying:
			if _, err := repos.Threads.TransitionStatus(ctx, thread.ID, []models.ThreadStatus{models.ThreadStatusRejected}, models.ThreadStatusActive); err != nil {
				return err
			}
		}
		return repos.Threads.Touch(ctx, thread.ID, now)
	})
	if err != nil {
		err = classify(err, "message")
		return dto.MessageResponse{}, err
	}

	kind := "plain"
	switch {
	case stored.IsClientEncrypted():
		kind = "client_encrypted"
	case stored.ForwardedFromID != nil:
		kind = "forwarded"
	}
	observability.ChatMessagesSent().WithLabelValues(kind).Inc()

	response := s.messages.Response(stored)
	s.publish(ctx, realtime.NewMessageEvent(response, suppressed))
	s.notify(ctx, s.messageIntents(thread, actor, stored, suppressed))
	return response, nil
}

func (s *conversationService) messageIntents(thread models.Thread, actor uint, message models.Message, suppressed []uint) []dto.NotificationIntent {
	kind := NotifyNewMessage
	if thread.Status == models.ThreadStatusPending && thread.InitiatorID != nil && *thread.InitiatorID == actor {
		kind = NotifyRequest
	}

	var intents []dto.NotificationIntent
	for _, id := range thread.ParticipantIDs() {
		if id == actor || containsID(suppressed, id) {
			continue
		}
		if thread.HasFlag(id, models.ThreadFlagMuted) || s.presence.IsOnline(id) {
			continue
		}
		intent := s.state.intent(kind, id, actor, thread)
		intent.MessageID = message.ID
		intents = append(intents, intent)
	}
	return intents
}

// loadMessage fetches a message the actor may see, together with its thread.
func (s *conversationService) loadMessage(ctx context.Context, actor, messageID uint, action Action) (models.Message, models.Thread, error) {
	message, err := retryRead(ctx, "message", func() (models.Message, error) {
		return s.store.Repositories().Messages.Get(ctx, messageID)
	})
	if err != nil {
		return models.Message{}, models.Thread{}, err
	}
	thread, err := s.authorized(ctx, actor, message.ThreadID, action)
	if err != nil {
		return models.Message{}, models.Thread{}, err
	}
	if message.DeletedFor(actor) {
		return models.Message{}, models.Thread{}, notFound("message not found")
	}
	if message.ExpiresAt != nil && !message.ExpiresAt.After(s.now()) {
		return models.Message{}, models.Thread{}, notFound("message not found")
	}
	return message, thread, nil
}

func deletionUserIDs(message models.Message) []uint {
	ids := make([]uint, 0, len(message.Deletions))
	for _, deletion := range message.Deletions {
		ids = append(ids, deletion.UserID)
	}
	return ids
}

// EditMessage replaces the body of the actor's own message.
func (s *conversationService) EditMessage(ctx context.Context, actor, messageID uint, req dto.EditMessageRequest) (dto.MessageResponse, error) {
	if err := s.validate(req); err != nil {
		return dto.MessageResponse{}, err
	}
	message, thread, err := s.loadMessage(ctx, actor, messageID, ActionWrite)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	ctx, span := s.startSpan(ctx, "conversations.edit_message", actor, thread.ID)
	updated, err := s.messages.Edit(ctx, message, actor, MessageContent{
		Plaintext:               req.Content,
		ClientCiphertext:        req.ClientEncryptedContent,
		ClientIV:                req.ClientIV,
		ClientEncryptionVersion: req.ClientEncryptionVersion,
	})
	endSpan(span, err)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	response := s.messages.Response(updated)
	s.publish(ctx, realtime.MessageEditedEvent(response, deletionUserIDs(updated)))
	return response, nil
}

// DeleteMessage hides a message for the actor or tombstones it for everyone.
func (s *conversationService) DeleteMessage(ctx context.Context, actor, messageID uint, scope dto.DeleteScope) error {
	message, thread, err := s.loadMessage(ctx, actor, messageID, ActionRead)
	if err != nil {
		return err
	}

	ctx, span := s.startSpan(ctx, "conversations.delete_message", actor, thread.ID)
	switch scope {
	case dto.DeleteForEveryone:
		err = s.messages.DeleteForEveryone(ctx, message, actor)
	case dto.DeleteForSelf, "":
		err = s.messages.DeleteForSelf(ctx, message, actor)
	default:
		err = invalid("unknown delete scope %q", scope)
	}
	endSpan(span, err)
	if err != nil {
		return err
	}

	if scope == dto.DeleteForEveryone {
		s.publish(ctx, realtime.MessageDeletedEvent(thread.ID, message.ID, actor, true))
	}
	return nil
}

// ReactMessage toggles the actor's emoji reaction.
func (s *conversationService) ReactMessage(ctx context.Context, actor, messageID uint, emoji string) (dto.ReactionResponse, error) {
	message, thread, err := s.loadMessage(ctx, actor, messageID, ActionWrite)
	if err != nil {
		return dto.ReactionResponse{}, err
	}
	added, err := s.messages.React(ctx, message, actor, emoji)
	if err != nil {
		return dto.ReactionResponse{}, err
	}

	event := realtime.ReactionChangedEvent(thread.ID, message.ID, actor, emoji, added)
	event.Exclude = deletionUserIDs(message)
	s.publish(ctx, event)

	action := "removed"
	if added {
		action = "added"
	}
	return dto.ReactionResponse{MessageID: message.ID, Emoji: emoji, Action: action}, nil
}

// MarkRead marks the given foreign messages in a thread as read.
func (s *conversationService) MarkRead(ctx context.Context, actor, threadID uint, messageIDs []uint) (dto.MarkReadResponse, error) {
	if len(messageIDs) == 0 {
		return dto.MarkReadResponse{}, invalid("message_ids is required")
	}
	if _, err := s.authorized(ctx, actor, threadID, ActionRead); err != nil {
		return dto.MarkReadResponse{}, err
	}

	changed, at, err := s.messages.MarkRead(ctx, threadID, actor, uniqueIDs(messageIDs))
	if err != nil {
		return dto.MarkReadResponse{}, err
	}
	if len(changed) > 0 {
		s.publish(ctx, realtime.ReadReceiptEvent(threadID, actor, changed, at))
	}
	if changed == nil {
		changed = []uint{}
	}
	return dto.MarkReadResponse{MessageIDs: changed, ReadAt: at}, nil
}

// ForwardMessage copies a readable message into another thread the actor can write to.
func (s *conversationService) ForwardMessage(ctx context.Context, actor, messageID, targetThreadID uint) (dto.MessageResponse, error) {
	if targetThreadID == 0 {
		return dto.MessageResponse{}, invalid("target_thread_id is required")
	}
	source, _, err := s.loadMessage(ctx, actor, messageID, ActionRead)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	plaintext, err := s.messages.Plaintext(source)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	attachments := make([]dto.AttachmentInput, 0, len(source.Attachments))
	for _, attachment := range source.Attachments {
		attachments = append(attachments, dto.AttachmentInput{
			FileType:        attachment.FileType,
			FileName:        attachment.FileName,
			FileSize:        attachment.FileSize,
			URL:             attachment.URL,
			DurationSeconds: attachment.DurationSeconds,
		})
	}
	forwardedFrom := source.ID

	return s.send(ctx, actor, targetThreadID, NewMessage{
		SenderID:        actor,
		Content:         MessageContent{Plaintext: plaintext},
		ForwardedFromID: &forwardedFrom,
		Attachments:     attachments,
	})
}

// PinMessage pins or unpins a message in a thread the actor can write to.
func (s *conversationService) PinMessage(ctx context.Context, actor, messageID uint, pinned bool) (dto.MessageResponse, error) {
	message, _, err := s.loadMessage(ctx, actor, messageID, ActionWrite)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	if err := s.messages.SetPinned(ctx, message, pinned); err != nil {
		return dto.MessageResponse{}, err
	}
	updated, err := s.messages.Get(ctx, message.ID)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	response := s.messages.Response(updated)
	s.publish(ctx, realtime.MessageEditedEvent(response, deletionUserIDs(updated)))
	return response, nil
}

// Typing records a typing heartbeat and tells the other participants.
func (s *conversationService) Typing(ctx context.Context, actor, threadID uint, isTyping bool) error {
	thread, err := s.authorized(ctx, actor, threadID, ActionWrite)
	if err != nil {
		return err
	}
	if isTyping {
		s.presence.Touch(ctx, threadID, actor)
	} else {
		s.presence.Clear(ctx, threadID, actor)
	}

	event := realtime.TypingEvent(threadID, actor, isTyping)
	if thread.IsGroup {
		blockers, err := s.blocks.BlockersOf(ctx, actor, thread.ParticipantIDs())
		if err != nil {
			return err
		}
		event.Exclude = blockers
	}
	s.publish(ctx, event)
	return nil
}
