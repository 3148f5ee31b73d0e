package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/threadline/internal/dto"
	"github.com/noah-isme/threadline/internal/models"
	"github.com/noah-isme/threadline/internal/realtime"
	"github.com/noah-isme/threadline/internal/repository"
	"github.com/noah-isme/threadline/pkg/keyring"
)

type recordingNotifier struct {
	mu      sync.Mutex
	intents []dto.NotificationIntent
}

func (r *recordingNotifier) Publish(_ context.Context, intent dto.NotificationIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, intent)
	return nil
}

func (r *recordingNotifier) recipients(kind string) []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uint
	for _, intent := range r.intents {
		if intent.Type == kind {
			ids = append(ids, intent.RecipientID)
		}
	}
	return ids
}

type harness struct {
	t        *testing.T
	db       *gorm.DB
	store    repository.Store
	keys     *keyring.KeyRing
	blocks   BlockRegistry
	hub      *realtime.Hub
	notifier *recordingNotifier
	svc      *conversationService
	clock    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "threadline.db") + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repository.Migrate(db))

	key, err := keyring.GenerateKey()
	require.NoError(t, err)
	keys, err := keyring.FromEncoded(key)
	require.NoError(t, err)

	store := repository.NewStore(db)
	blocks := NewBlockRegistry(store.Repositories().Blocks, nil, "", 0, zerolog.Nop())
	h := &harness{
		t:        t,
		db:       db,
		store:    store,
		keys:     keys,
		blocks:   blocks,
		hub:      realtime.NewHub(32, nil, zerolog.Nop()),
		notifier: &recordingNotifier{},
		clock:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.svc = h.service(keys)
	return h
}

func (h *harness) service(keys *keyring.KeyRing) *conversationService {
	svc := newConversationService(ConversationDeps{
		Store:     h.store,
		Keys:      keys,
		Blocks:    h.blocks,
		Hub:       h.hub,
		Notifier:  h.notifier,
		Validator: validator.New(),
		Logger:    zerolog.Nop(),
	})
	svc.setClock(func() time.Time { return h.clock })
	return svc
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) direct(a, b uint) dto.ThreadResponse {
	h.t.Helper()
	thread, _, err := h.svc.FindOrCreateDirectThread(context.Background(), a, dto.DirectThreadRequest{UserID: b})
	require.NoError(h.t, err)
	return thread
}

func (h *harness) group(name string, owner uint, members ...uint) dto.ThreadResponse {
	h.t.Helper()
	thread, err := h.svc.CreateGroup(context.Background(), owner, dto.CreateGroupRequest{Name: name, ParticipantIDs: members})
	require.NoError(h.t, err)
	h.advance(time.Second)
	return thread
}

func (h *harness) send(actor, threadID uint, content string) dto.MessageResponse {
	h.t.Helper()
	message, err := h.svc.SendMessage(context.Background(), actor, dto.SendMessageRequest{ThreadID: threadID, Content: content})
	require.NoError(h.t, err)
	h.advance(time.Second)
	return message
}

func (h *harness) history(actor, threadID uint) []dto.MessageResponse {
	h.t.Helper()
	detail, err := h.svc.GetThread(context.Background(), actor, threadID, dto.HistoryQuery{})
	require.NoError(h.t, err)
	return detail.Messages
}

func (h *harness) subscribe(userID, threadID uint) *realtime.Client {
	client := h.hub.NewClient(userID)
	h.hub.Subscribe(client, threadID)
	return client
}

func nextEvent(t *testing.T, client *realtime.Client, want realtime.EventType) realtime.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case event := <-client.Events():
			if event.Type() == want {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event for user %d", want, client.UserID())
			return realtime.Event{}
		}
	}
}

func drainNoEvent(t *testing.T, client *realtime.Client, unwanted realtime.EventType) {
	t.Helper()
	for {
		select {
		case event := <-client.Events():
			require.NotEqual(t, unwanted, event.Type(), "user %d received %s", client.UserID(), unwanted)
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func contents(messages []dto.MessageResponse) []string {
	out := make([]string, 0, len(messages))
	for _, message := range messages {
		out = append(out, message.Content)
	}
	return out
}

func TestSendToUserCreatesThreadAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	listener := h.subscribe(2, 1)

	message, err := h.svc.SendMessage(ctx, 1, dto.SendMessageRequest{RecipientID: 2, Content: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hi", message.Content)
	require.Equal(t, uint(1), message.ThreadID)

	event := nextEvent(t, listener, realtime.EventNewMessage)
	require.Equal(t, "hi", event.Payload.(realtime.NewMessage).Message.Content)

	threads, err := h.svc.ListThreads(ctx, 2, 0, 0)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.Equal(t, models.ThreadStatusActive, threads[0].Status)
	require.ElementsMatch(t, []uint{1, 2}, threads[0].ParticipantIDs)
	require.Equal(t, int64(1), threads[0].UnreadCount)
	require.Equal(t, []uint{2}, h.notifier.recipients(NotifyNewMessage))
}

func TestFindOrCreateDirectThreadConvergesUnderConcurrency(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	ids := make(chan uint, 10)
	created := make(chan bool, 10)
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		a, b := uint(1), uint(2)
		if i%2 == 1 {
			a, b = b, a
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			thread, isNew, err := h.svc.FindOrCreateDirectThread(context.Background(), a, dto.DirectThreadRequest{UserID: b})
			errs <- err
			ids <- thread.ID
			created <- isNew
		}()
	}
	wg.Wait()
	close(ids)
	close(created)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	seen := map[uint]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	require.Len(t, seen, 1)

	newCount := 0
	for isNew := range created {
		if isNew {
			newCount++
		}
	}
	require.Equal(t, 1, newCount)

	var count int64
	require.NoError(t, h.db.Model(&models.Thread{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestDirectThreadWithSelfIsInvalid(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.svc.FindOrCreateDirectThread(context.Background(), 4, dto.DirectThreadRequest{UserID: 4})
	require.ErrorIs(t, err, ErrValidation)
}

func TestBlockingGovernsDirectThreads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	thread := h.direct(1, 2)

	_, err := h.svc.Block(ctx, 1, dto.BlockRequest{UserID: 2})
	require.NoError(t, err)

	detail, err := h.svc.GetThread(ctx, 1, thread.ID, dto.HistoryQuery{})
	require.NoError(t, err)
	require.Equal(t, models.ThreadStatusBlocked, detail.Thread.Status)

	_, err = h.svc.SendMessage(ctx, 2, dto.SendMessageRequest{ThreadID: thread.ID, Content: "let me in"})
	require.ErrorIs(t, err, ErrForbidden)
	_, err = h.svc.SendMessage(ctx, 1, dto.SendMessageRequest{ThreadID: thread.ID, Content: "one way"})
	require.ErrorIs(t, err, ErrForbidden)

	_, _, err = h.svc.FindOrCreateDirectThread(ctx, 3, dto.DirectThreadRequest{UserID: 1})
	require.NoError(t, err)
	_, err = h.svc.Block(ctx, 3, dto.BlockRequest{UserID: 4})
	require.NoError(t, err)
	_, _, err = h.svc.FindOrCreateDirectThread(ctx, 4, dto.DirectThreadRequest{UserID: 3})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.Unblock(ctx, 1, dto.BlockRequest{UserID: 2})
	require.NoError(t, err)
	detail, err = h.svc.GetThread(ctx, 2, thread.ID, dto.HistoryQuery{})
	require.NoError(t, err)
	require.Equal(t, models.ThreadStatusActive, detail.Thread.Status)
	h.send(2, thread.ID, "thanks")
}

func TestUnblockKeepsThreadBlockedWhileOtherDirectionRemains(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	thread := h.direct(1, 2)

	_, err := h.svc.Block(ctx, 1, dto.BlockRequest{UserID: 2})
	require.NoError(t, err)
	_, err = h.svc.Block(ctx, 2, dto.BlockRequest{UserID: 1})
	require.NoError(t, err)
	_, err = h.svc.Unblock(ctx, 1, dto.BlockRequest{UserID: 2})
	require.NoError(t, err)

	detail, err := h.svc.GetThread(ctx, 1, thread.ID, dto.HistoryQuery{})
	require.NoError(t, err)
	require.Equal(t, models.ThreadStatusBlocked, detail.Thread.Status)
}

func TestGroupMessagesAreHiddenFromBlockers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := h.group("book club", 1, 2, 3)

	_, err := h.svc.Block(ctx, 3, dto.BlockRequest{UserID: 1})
	require.NoError(t, err)

	friend := h.subscribe(2, group.ID)
	blocker := h.subscribe(3, group.ID)

	h.send(1, group.ID, "chapter one")
	nextEvent(t, friend, realtime.EventNewMessage)
	drainNoEvent(t, blocker, realtime.EventNewMessage)

	require.Equal(t, []string{"chapter one"}, contents(h.history(2, group.ID)))
	require.Empty(t, h.history(3, group.ID))
	require.Equal(t, []uint{2}, h.notifier.recipients(NotifyNewMessage))

	h.send(3, group.ID, "still here")
	require.Equal(t, []string{"chapter one", "still here"}, contents(h.history(2, group.ID)))
	require.Equal(t, []string{"chapter one", "still here"}, contents(h.history(1, group.ID)))
}

func TestBodiesAreEncryptedAtRest(t *testing.T) {
	h := newHarness(t)
	thread := h.direct(1, 2)
	sent := h.send(1, thread.ID, "the secret plan")

	var stored models.Message
	require.NoError(t, h.db.First(&stored, sent.ID).Error)
	require.NotEmpty(t, stored.Ciphertext)
	require.NotContains(t, string(stored.Ciphertext), "secret")
	require.Equal(t, 1, stored.KeyVersion)

	require.Equal(t, []string{"the secret plan"}, contents(h.history(2, thread.ID)))
}

func TestMissingKeyRendersPlaceholder(t *testing.T) {
	h := newHarness(t)
	thread := h.direct(1, 2)
	h.send(1, thread.ID, "before rotation")

	key, err := keyring.GenerateKey()
	require.NoError(t, err)
	other, err := keyring.FromEncoded(key)
	require.NoError(t, err)
	h.svc = h.service(other)

	messages := h.history(2, thread.ID)
	require.Len(t, messages, 1)
	require.Equal(t, UnavailablePlaceholder, messages[0].Content)
	require.True(t, messages[0].EncryptionUnavailable)
}

func TestRotatedKeysKeepOldMessagesReadable(t *testing.T) {
	h := newHarness(t)
	thread := h.direct(1, 2)
	h.send(1, thread.ID, "first")

	key, err := keyring.GenerateKey()
	require.NoError(t, err)
	raw, err := keyring.ParseKeys(key)
	require.NoError(t, err)
	version, err := h.keys.Rotate(raw[0])
	require.NoError(t, err)
	require.Equal(t, 2, version)

	second := h.send(2, thread.ID, "second")
	var stored models.Message
	require.NoError(t, h.db.First(&stored, second.ID).Error)
	require.Equal(t, 2, stored.KeyVersion)
	require.Equal(t, []string{"first", "second"}, contents(h.history(1, thread.ID)))
}

func TestClientEncryptedMessagesStayOpaque(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	thread := h.direct(1, 2)
	target := h.direct(1, 3)

	_, err := h.svc.SendMessage(ctx, 1, dto.SendMessageRequest{ThreadID: thread.ID, Content: "both", ClientEncryptedContent: "abc", ClientIV: "iv"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = h.svc.SendMessage(ctx, 1, dto.SendMessageRequest{ThreadID: thread.ID, ClientEncryptedContent: "abc"})
	require.ErrorIs(t, err, ErrValidation)

	sent, err := h.svc.SendMessage(ctx, 1, dto.SendMessageRequest{ThreadID: thread.ID, ClientEncryptedContent: "b3BhcXVl", ClientIV: "aXY=", ClientEncryptionVersion: 2})
	require.NoError(t, err)
	require.Empty(t, sent.Content)
	require.Equal(t, "b3BhcXVl", sent.ClientEncryptedContent)
	require.Equal(t, 2, sent.ClientEncryptionVersion)

	var stored models.Message
	require.NoError(t, h.db.First(&stored, sent.ID).Error)
	require.Empty(t, stored.Ciphertext)

	_, err = h.svc.ForwardMessage(ctx, 1, sent.ID, target.ID)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestEditAndDeleteRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	thread := h.direct(1, 2)
	listener := h.subscribe(2, thread.ID)
	sent := h.send(1, thread.ID, "draft")

	_, err := h.svc.EditMessage(ctx, 2, sent.ID, dto.EditMessageRequest{Content: "hijack"})
	require.ErrorIs(t, err, ErrForbidden)

	edited, err := h.svc.EditMessage(ctx, 1, sent.ID, dto.EditMessageRequest{Content: "final"})
	require.NoError(t, err)
	require.Equal(t, "final", edited.Content)
	require.NotNil(t, edited.EditedAt)
	nextEvent(t, listener, realtime.EventMessageEdited)

	err = h.svc.DeleteMessage(ctx, 2, sent.ID, dto.DeleteForEveryone)
	require.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, h.svc.DeleteMessage(ctx, 1, sent.ID, dto.DeleteForEveryone))
	deleted := nextEvent(t, listener, realtime.EventMessageDeleted)
	require.True(t, deleted.Payload.(realtime.MessageDeleted).DeleteForEveryone)
	require.Empty(t, h.history(2, thread.ID))

	_, err = h.svc.EditMessage(ctx, 1, sent.ID, dto.EditMessageRequest{Content: "resurrect"})
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = h.svc.ReactMessage(ctx, 2, sent.ID, "👍")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestUnsendWindowIsEnforced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	thread := h.direct(1, 2)
	sent := h.send(1, thread.ID, "too late")

	h.advance(6 * time.Minute)
	err := h.svc.DeleteMessage(ctx, 1, sent.ID, dto.DeleteForEveryone)
	require.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, h.svc.DeleteMessage(ctx, 1, sent.ID, dto.DeleteForSelf))
	require.Empty(t, h.history(1, thread.ID))
	require.Equal(t, []string{"too late"}, contents(h.history(2, thread.ID)))
}

func TestReactionsToggle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	thread := h.direct(1, 2)
	sent := h.send(1, thread.ID, "nice")
	listener := h.subscribe(1, thread.ID)

	first, err := h.svc.ReactMessage(ctx, 2, sent.ID, "🔥")
	require.NoError(t, err)
	require.Equal(t, "added", first.Action)
	event := nextEvent(t, listener, realtime.EventReactionChanged)
	require.Equal(t, "added", event.Payload.(realtime.ReactionChanged).Action)

	second, err := h.svc.ReactMessage(ctx, 2, sent.ID, "🔥")
	require.NoError(t, err)
	require.Equal(t, "removed", second.Action)

	messages := h.history(1, thread.ID)
	require.Len(t, messages, 1)
	require.Empty(t, messages[0].Reactions)
}

func TestReadingAThreadMarksForeignMessagesRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	thread := h.direct(1, 2)
	h.send(1, thread.ID, "one")
	h.send(1, thread.ID, "two")
	h.send(2, thread.ID, "mine")
	sender := h.subscribe(1, thread.ID)

	detail, err := h.svc.GetThread(ctx, 2, thread.ID, dto.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, detail.Messages, 3)
	require.True(t, detail.Messages[0].Read)
	require.True(t, detail.Messages[1].Read)
	require.False(t, detail.Messages[2].Read)
	require.Zero(t, detail.Thread.UnreadCount)

	receipt := nextEvent(t, sender, realtime.EventReadReceipt)
	require.Len(t, receipt.Payload.(realtime.ReadReceipt).MessageIDs, 2)

	again, err := h.svc.MarkRead(ctx, 2, thread.ID, []uint{detail.Messages[0].ID})
	require.NoError(t, err)
	require.Empty(t, again.MessageIDs)
}

func TestHistoryPaging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	thread := h.direct(1, 2)
	var sent []dto.MessageResponse
	for _, body := range []string{"a", "b", "c", "d", "e"} {
		sent = append(sent, h.send(1, thread.ID, body))
	}

	page, err := h.svc.GetThread(ctx, 2, thread.ID, dto.HistoryQuery{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"d", "e"}, contents(page.Messages))

	older, err := h.svc.GetThread(ctx, 2, thread.ID, dto.HistoryQuery{BeforeID: sent[3].ID, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, contents(older.Messages))

	newer, err := h.svc.GetThread(ctx, 2, thread.ID, dto.HistoryQuery{SinceID: sent[2].ID})
	require.NoError(t, err)
	require.Equal(t, []string{"d", "e"}, contents(newer.Messages))
}

func TestLeaveHandsOwnershipOnAndArchivesEmptyGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := h.group("climbers", 1, 2, 3)
	h.send(1, group.ID, "welcome")

	_, err := h.svc.Promote(ctx, 1, group.ID, 2)
	require.NoError(t, err)
	h.advance(time.Second)

	require.NoError(t, h.svc.Leave(ctx, 1, group.ID))
	detail, err := h.svc.GetThread(ctx, 2, group.ID, dto.HistoryQuery{})
	require.NoError(t, err)
	require.Equal(t, uint(2), *detail.Thread.PrimaryAdminID)
	require.Equal(t, string(RoleOwner), detail.Thread.Role)
	require.Contains(t, h.notifier.recipients(NotifyGroupLeave), uint(2))

	_, err = h.svc.GetThread(ctx, 1, group.ID, dto.HistoryQuery{})
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, h.svc.Leave(ctx, 2, group.ID))
	detail, err = h.svc.GetThread(ctx, 3, group.ID, dto.HistoryQuery{})
	require.NoError(t, err)
	require.Equal(t, uint(3), *detail.Thread.PrimaryAdminID)
	require.Contains(t, detail.Thread.AdminIDs, uint(3))

	require.NoError(t, h.svc.Leave(ctx, 3, group.ID))
	var archived models.Thread
	require.NoError(t, h.db.First(&archived, group.ID).Error)
	require.Equal(t, models.ThreadStatusArchived, archived.Status)
	require.Nil(t, archived.PrimaryAdminID)

	found, err := h.svc.SearchGroups(ctx, 1, "climb")
	require.NoError(t, err)
	require.Len(t, found, 1)

	rejoined, err := h.svc.Rejoin(ctx, 1, group.ID)
	require.NoError(t, err)
	require.Equal(t, models.ThreadStatusActive, rejoined.Status)
	require.Equal(t, uint(1), *rejoined.PrimaryAdminID)
	require.Empty(t, h.history(1, group.ID), "history was cleared on leave")
}

func TestConcurrentLeavesKeepOneOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := h.group("crowd", 1, 2, 3, 4, 5)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, user := range []uint{1, 2, 3} {
		user := user
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.svc.Leave(ctx, user, group.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	detail, err := h.svc.GetThread(ctx, 4, group.ID, dto.HistoryQuery{})
	require.NoError(t, err)
	require.ElementsMatch(t, []uint{4, 5}, detail.Thread.ParticipantIDs)
	require.NotNil(t, detail.Thread.PrimaryAdminID)
	require.Contains(t, []uint{4, 5}, *detail.Thread.PrimaryAdminID)
}

func TestAdminHierarchyRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := h.group("ops", 1, 2, 3)

	_, err := h.svc.Promote(ctx, 2, group.ID, 3)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.Promote(ctx, 1, group.ID, 9)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = h.svc.Promote(ctx, 1, group.ID, 2)
	require.NoError(t, err)
	require.Equal(t, []uint{2}, h.notifier.recipients(NotifyGroupAdmin))

	_, err = h.svc.RemoveMember(ctx, 2, group.ID, 1)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.Demote(ctx, 2, group.ID, 1)
	require.ErrorIs(t, err, ErrInvalidState)

	removed, err := h.svc.RemoveMember(ctx, 2, group.ID, 3)
	require.NoError(t, err)
	require.NotContains(t, removed.ParticipantIDs, uint(3))
	require.Equal(t, []uint{3}, h.notifier.recipients(NotifyGroupRemoved))

	demoted, err := h.svc.Demote(ctx, 1, group.ID, 2)
	require.NoError(t, err)
	require.NotContains(t, demoted.AdminIDs, uint(2))
}

func TestTransferOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := h.group("garden", 1, 2)

	_, err := h.svc.TransferOwnership(ctx, 2, group.ID, 2)
	require.ErrorIs(t, err, ErrForbidden)

	updated, err := h.svc.TransferOwnership(ctx, 1, group.ID, 2)
	require.NoError(t, err)
	require.Equal(t, uint(2), *updated.PrimaryAdminID)
	require.Equal(t, string(RoleAdmin), updated.Role)
	require.Contains(t, updated.AdminIDs, uint(1))
}

func TestAddMembersHonoursPermissionsAndBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	canInvite := false
	group, err := h.svc.CreateGroup(ctx, 1, dto.CreateGroupRequest{Name: "closed", ParticipantIDs: []uint{2}, MembersCanInvite: &canInvite})
	require.NoError(t, err)

	_, err = h.svc.AddMembers(ctx, 2, group.ID, []uint{3})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.Block(ctx, 4, dto.BlockRequest{UserID: 1})
	require.NoError(t, err)
	updated, err := h.svc.AddMembers(ctx, 1, group.ID, []uint{3, 4})
	require.NoError(t, err)
	require.ElementsMatch(t, []uint{1, 2, 3}, updated.ParticipantIDs)
	require.Equal(t, []uint{2, 3}, h.notifier.recipients(NotifyGroupAdded))
}

func TestOutsidersCannotSeeThreads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	thread := h.direct(1, 2)
	sent := h.send(1, thread.ID, "private")

	_, err := h.svc.GetThread(ctx, 9, thread.ID, dto.HistoryQuery{})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.SendMessage(ctx, 9, dto.SendMessageRequest{ThreadID: thread.ID, Content: "hello?"})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.ReactMessage(ctx, 9, sent.ID, "👀")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.GetThread(ctx, 1, 999, dto.HistoryQuery{})
	require.ErrorIs(t, err, ErrNotFound)

	var denial *Denial
	require.True(t, errors.As(err, &denial))
	require.NotEmpty(t, denial.Reason)
}

func TestMessageRequestFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	request, created, err := h.svc.FindOrCreateDirectThread(ctx, 1, dto.DirectThreadRequest{UserID: 2, AsRequest: true})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.ThreadStatusPending, request.Status)
	require.Equal(t, []uint{2}, h.notifier.recipients(NotifyRequest))

	_, err = h.svc.Accept(ctx, 1, request.ID)
	require.ErrorIs(t, err, ErrForbidden)

	accepted, err := h.svc.Accept(ctx, 2, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.ThreadStatusActive, accepted.Status)
	require.Equal(t, models.RequestStatusAccepted, accepted.RequestStatus)
}

func TestUnblockReturnsUnansweredRequestToPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	request, _, err := h.svc.FindOrCreateDirectThread(ctx, 1, dto.DirectThreadRequest{UserID: 2, AsRequest: true})
	require.NoError(t, err)

	_, err = h.svc.Block(ctx, 2, dto.BlockRequest{UserID: 1})
	require.NoError(t, err)
	detail, err := h.svc.GetThread(ctx, 1, request.ID, dto.HistoryQuery{})
	require.NoError(t, err)
	require.Equal(t, models.ThreadStatusBlocked, detail.Thread.Status)

	_, err = h.svc.Unblock(ctx, 2, dto.BlockRequest{UserID: 1})
	require.NoError(t, err)
	detail, err = h.svc.GetThread(ctx, 1, request.ID, dto.HistoryQuery{})
	require.NoError(t, err)
	require.Equal(t, models.ThreadStatusPending, detail.Thread.Status)
	require.Equal(t, models.RequestStatusPending, detail.Thread.RequestStatus)

	accepted, err := h.svc.Accept(ctx, 2, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.ThreadStatusActive, accepted.Status)
	require.Equal(t, models.RequestStatusAccepted, accepted.RequestStatus)
}

func TestRejectedThreadBlocksInitiatorUntilRecipientReplies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	thread := h.direct(1, 2)
	h.send(1, thread.ID, "hey")

	require.NoError(t, h.svc.Reject(ctx, 2, thread.ID))
	listed, err := h.svc.ListThreads(ctx, 2, 0, 0)
	require.NoError(t, err)
	require.Empty(t, listed)

	_, err = h.svc.SendMessage(ctx, 1, dto.SendMessageRequest{ThreadID: thread.ID, Content: "hello again"})
	require.ErrorIs(t, err, ErrForbidden)

	reopened, created, err := h.svc.FindOrCreateDirectThread(ctx, 2, dto.DirectThreadRequest{UserID: 1})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, models.ThreadStatusActive, reopened.Status)
	h.send(1, thread.ID, "glad we talked")
}

func TestRejectingAGroupLeavesIt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := h.group("spam", 1, 2)

	require.NoError(t, h.svc.Reject(ctx, 2, group.ID))
	_, err := h.svc.GetThread(ctx, 2, group.ID, dto.HistoryQuery{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDisappearingMessagesExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := h.group("ephemeral", 1, 2)

	ttl := 60
	updated, err := h.svc.UpdateGroup(ctx, 1, group.ID, dto.UpdateGroupRequest{DisappearingTTLSeconds: &ttl})
	require.NoError(t, err)
	require.Equal(t, 60, *updated.DisappearingTTLSeconds)

	sent := h.send(1, group.ID, "poof")
	require.NotNil(t, sent.ExpiresAt)
	require.Len(t, h.history(2, group.ID), 1)

	h.advance(2 * time.Minute)
	require.Empty(t, h.history(2, group.ID))

	sweeper, err := NewExpirySweeper(h.store.Repositories().Messages, "", zerolog.Nop())
	require.NoError(t, err)
	sweeper.now = func() time.Time { return h.clock }
	expired, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), expired)

	var stored models.Message
	require.NoError(t, h.db.First(&stored, sent.ID).Error)
	require.True(t, stored.HardDeleted)
	require.Empty(t, stored.Ciphertext)
}

func TestInvalidSweeperCron(t *testing.T) {
	_, err := NewExpirySweeper(nil, "every tuesday", zerolog.Nop())
	require.Error(t, err)
}

func TestGroupSettingsAndNames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := h.group("Readers", 1, 2)

	_, err := h.svc.CreateGroup(ctx, 3, dto.CreateGroupRequest{Name: "readers"})
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = h.svc.UpdateGroup(ctx, 2, group.ID, dto.UpdateGroupRequest{Name: strPtr("Mine now")})
	require.ErrorIs(t, err, ErrForbidden)

	canSend := false
	_, err = h.svc.UpdateGroup(ctx, 1, group.ID, dto.UpdateGroupRequest{Name: strPtr("<b>Announcements</b>"), MembersCanSend: &canSend})
	require.NoError(t, err)

	detail, err := h.svc.GetThread(ctx, 2, group.ID, dto.HistoryQuery{})
	require.NoError(t, err)
	require.Equal(t, "<b>Announcements</b>", detail.Thread.GroupName)
	require.False(t, detail.Thread.MembersCanSend)

	_, err = h.svc.SendMessage(ctx, 2, dto.SendMessageRequest{ThreadID: group.ID, Content: "can I talk?"})
	require.ErrorIs(t, err, ErrForbidden)
	h.send(1, group.ID, "admins only")

	_, err = h.svc.SearchGroups(ctx, 2, "   ")
	require.ErrorIs(t, err, ErrValidation)
}

func TestThreadFlagsAndMutedNotifications(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := h.group("quiet", 1, 2, 3)

	muted, err := h.svc.SetThreadFlag(ctx, 2, group.ID, dto.ThreadFlagRequest{Flag: models.ThreadFlagMuted, Enabled: true})
	require.NoError(t, err)
	require.True(t, muted.Muted)

	online := h.hub.NewClient(3)
	require.NoError(t, h.svc.Connect(ctx, online, group.ID))

	h.send(1, group.ID, "anyone?")
	require.Empty(t, h.notifier.recipients(NotifyNewMessage))

	h.svc.Disconnect(ctx, online, group.ID)
	h.send(1, group.ID, "hello?")
	require.Equal(t, []uint{3}, h.notifier.recipients(NotifyNewMessage))

	hidden, err := h.svc.SetThreadFlag(ctx, 2, group.ID, dto.ThreadFlagRequest{Flag: models.ThreadFlagHidden, Enabled: true})
	require.NoError(t, err)
	require.True(t, hidden.Hidden)
	listed, err := h.svc.ListThreads(ctx, 2, 0, 0)
	require.NoError(t, err)
	require.Empty(t, listed)

	h.send(1, group.ID, "new message unhides")
	listed, err = h.svc.ListThreads(ctx, 2, 0, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestDestroyThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := h.group("temp", 1, 2)
	h.send(1, group.ID, "bye")

	require.NoError(t, h.svc.DestroyThread(ctx, 2, group.ID))
	_, err := h.svc.GetThread(ctx, 2, group.ID, dto.HistoryQuery{})
	require.ErrorIs(t, err, ErrNotFound)
	require.Len(t, h.history(1, group.ID), 1)

	require.NoError(t, h.svc.DestroyThread(ctx, 1, group.ID))
	_, err = h.svc.GetThread(ctx, 1, group.ID, dto.HistoryQuery{})
	require.ErrorIs(t, err, ErrNotFound)

	var count int64
	require.NoError(t, h.db.Model(&models.Message{}).Where("thread_id = ?", group.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestForwardReencryptsIntoTargetThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	source := h.direct(1, 2)
	target := h.direct(2, 3)
	original := h.send(1, source.ID, "pass it on")

	forwarded, err := h.svc.ForwardMessage(ctx, 2, original.ID, target.ID)
	require.NoError(t, err)
	require.Equal(t, "pass it on", forwarded.Content)
	require.Equal(t, original.ID, *forwarded.ForwardedFromID)
	require.Equal(t, target.ID, forwarded.ThreadID)

	_, err = h.svc.ForwardMessage(ctx, 3, original.ID, target.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, []string{"pass it on"}, contents(h.history(3, target.ID)))
}

func TestReplyTargetMustShareThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.direct(1, 2)
	second := h.direct(1, 3)
	elsewhere := h.send(1, second.ID, "other thread")
	parent := h.send(1, first.ID, "question")

	_, err := h.svc.SendMessage(ctx, 2, dto.SendMessageRequest{ThreadID: first.ID, Content: "answer", ReplyToID: &elsewhere.ID})
	require.ErrorIs(t, err, ErrInvalidState)

	reply, err := h.svc.SendMessage(ctx, 2, dto.SendMessageRequest{ThreadID: first.ID, Content: "answer", ReplyToID: &parent.ID})
	require.NoError(t, err)
	require.Equal(t, parent.ID, *reply.ReplyToID)
}

func TestSanitizedEmptyContentIsRejected(t *testing.T) {
	h := newHarness(t)
	thread := h.direct(1, 2)
	_, err := h.svc.SendMessage(context.Background(), 1, dto.SendMessageRequest{ThreadID: thread.ID, Content: "<script>alert(1)</script>"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestPinAndTyping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	thread := h.direct(1, 2)
	sent := h.send(1, thread.ID, "remember this")
	listener := h.subscribe(2, thread.ID)

	pinned, err := h.svc.PinMessage(ctx, 2, sent.ID, true)
	require.NoError(t, err)
	require.True(t, pinned.Pinned)

	require.NoError(t, h.svc.Typing(ctx, 1, thread.ID, true))
	typing := nextEvent(t, listener, realtime.EventTyping)
	require.True(t, typing.Payload.(realtime.Typing).IsTyping)
	require.True(t, h.svc.presence.IsTypingFresh(ctx, thread.ID, 1))
}

func TestConnectRequiresReadAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	thread := h.direct(1, 2)

	outsider := h.hub.NewClient(9)
	require.ErrorIs(t, h.svc.Connect(ctx, outsider, thread.ID), ErrNotFound)
	require.Zero(t, h.hub.SubscriberCount(thread.ID))

	member := h.hub.NewClient(2)
	require.NoError(t, h.svc.Connect(ctx, member, thread.ID))
	require.Equal(t, 1, h.hub.SubscriberCount(thread.ID))

	h.svc.Disconnect(ctx, member, thread.ID)
	require.Zero(t, h.hub.SubscriberCount(thread.ID))
	require.False(t, h.svc.presence.IsOnline(2))
}

func TestDisconnectAnnouncesOfflineOnEveryClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	thread := h.direct(1, 2)
	listener := h.subscribe(1, thread.ID)

	phone := h.hub.NewClient(2)
	laptop := h.hub.NewClient(2)
	require.NoError(t, h.svc.Connect(ctx, phone, thread.ID))
	require.NoError(t, h.svc.Connect(ctx, laptop, thread.ID))
	require.Equal(t, "online", nextEvent(t, listener, realtime.EventPresence).Payload.(realtime.UserStatus).Status)

	h.svc.Disconnect(ctx, phone, thread.ID)
	for {
		status := nextEvent(t, listener, realtime.EventPresence).Payload.(realtime.UserStatus)
		if status.Status == "offline" {
			require.Equal(t, uint(2), status.UserID)
			break
		}
	}
	require.True(t, h.svc.presence.IsOnline(2))

	h.svc.Disconnect(ctx, laptop, thread.ID)
	require.Equal(t, "offline", nextEvent(t, listener, realtime.EventPresence).Payload.(realtime.UserStatus).Status)
	require.False(t, h.svc.presence.IsOnline(2))
}

func TestPlainTextSurvivesRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	thread := h.direct(1, 2)
	other := h.direct(1, 3)

	bodies := []string{"Tom & Jerry", "if a < b then", "<3 you", "5 > 4 && \"quoted\" 'text'"}
	for _, body := range bodies {
		h.send(1, thread.ID, body)
	}
	require.Equal(t, bodies, contents(h.history(2, thread.ID)))

	sent := h.send(2, thread.ID, "fish & chips")
	edited, err := h.svc.EditMessage(ctx, 2, sent.ID, dto.EditMessageRequest{Content: "fish & chips <b>now</b>"})
	require.NoError(t, err)
	require.Equal(t, "fish & chips now", edited.Content)

	forwarded, err := h.svc.ForwardMessage(ctx, 1, sent.ID, other.ID)
	require.NoError(t, err)
	require.Equal(t, "fish & chips now", forwarded.Content)
}

func TestRemovedMemberStopsReceivingEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := h.group("live", 1, 2, 3)
	removed := h.subscribe(3, group.ID)

	_, err := h.svc.RemoveMember(ctx, 1, group.ID, 3)
	require.NoError(t, err)
	h.send(1, group.ID, "after removal")
	drainNoEvent(t, removed, realtime.EventNewMessage)
}

func strPtr(v string) *string { return &v }
