package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/threadline/internal/dto"
)

func receive(t *testing.T, client *Client) Event {
	t.Helper()
	select {
	case event := <-client.Events():
		return event
	case <-time.After(time.Second):
		t.Fatalf("no event for user %d", client.UserID())
		return Event{}
	}
}

func requireSilent(t *testing.T, client *Client) {
	t.Helper()
	select {
	case event := <-client.Events():
		t.Fatalf("unexpected %s event for user %d", event.Type(), client.UserID())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDeliversOnlyToThreadSubscribers(t *testing.T) {
	hub := NewHub(4, nil, zerolog.Nop())
	alice := hub.NewClient(1)
	bob := hub.NewClient(2)
	outsider := hub.NewClient(3)

	hub.Subscribe(alice, 10)
	hub.Subscribe(bob, 10)
	hub.Subscribe(outsider, 11)

	event := NewMessageEvent(dto.MessageResponse{ID: 5, ThreadID: 10, SenderID: 1, Content: "hi"}, nil)
	hub.Publish(context.Background(), event)

	require.Equal(t, EventNewMessage, receive(t, alice).Type())
	got := receive(t, bob)
	require.Equal(t, "hi", got.Payload.(NewMessage).Message.Content)
	requireSilent(t, outsider)
}

func TestHubHonoursExclusionsAndSelfSuppression(t *testing.T) {
	hub := NewHub(4, nil, zerolog.Nop())
	sender := hub.NewClient(1)
	blocker := hub.NewClient(2)
	other := hub.NewClient(3)
	for _, c := range []*Client{sender, blocker, other} {
		hub.Subscribe(c, 7)
	}

	hub.Deliver(NewMessageEvent(dto.MessageResponse{ID: 1, ThreadID: 7, SenderID: 1}, []uint{2}))
	require.Equal(t, EventNewMessage, receive(t, sender).Type(), "sender sees own message")
	require.Equal(t, EventNewMessage, receive(t, other).Type())
	requireSilent(t, blocker)

	hub.Deliver(TypingEvent(7, 1, true))
	requireSilent(t, sender)
	require.Equal(t, EventTyping, receive(t, blocker).Type())
	require.Equal(t, EventTyping, receive(t, other).Type())

	hub.Deliver(PresenceEvent(7, 3, false))
	requireSilent(t, other)
	require.Equal(t, "offline", receive(t, sender).Payload.(UserStatus).Status)
}

func TestHubDropsSlowClientWithoutBlockingOthers(t *testing.T) {
	hub := NewHub(1, nil, zerolog.Nop())
	slow := hub.NewClient(1)
	fast := hub.NewClient(2)
	hub.Subscribe(slow, 3)
	hub.Subscribe(fast, 3)

	hub.Deliver(TypingEvent(3, 9, true))
	<-fast.Events()
	hub.Deliver(TypingEvent(3, 9, false))

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow client was not dropped")
	}
	require.Equal(t, 1, hub.SubscriberCount(3))
	require.Equal(t, EventTyping, receive(t, fast).Type())
}

func TestHubUnsubscribeAll(t *testing.T) {
	hub := NewHub(4, nil, zerolog.Nop())
	client := hub.NewClient(1)
	hub.Subscribe(client, 1)
	hub.Subscribe(client, 2)
	hub.Unsubscribe(client, 1)
	require.Zero(t, hub.SubscriberCount(1))

	threads := client.Close()
	require.Equal(t, []uint{2}, threads)
	require.Zero(t, hub.SubscriberCount(2))
	require.Empty(t, client.Close(), "closing twice is a no-op")

	hub.Subscribe(client, 5)
	require.Zero(t, hub.SubscriberCount(5), "closed clients cannot resubscribe")
}

func TestEventEncodingRoundTrip(t *testing.T) {
	at := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	events := []Event{
		NewMessageEvent(dto.MessageResponse{ID: 1, ThreadID: 2, SenderID: 3, Content: "hello", CreatedAt: at}, []uint{9}),
		MessageEditedEvent(dto.MessageResponse{ID: 1, ThreadID: 2, SenderID: 3, Content: "edited", CreatedAt: at}, nil),
		MessageDeletedEvent(2, 1, 3, true),
		ReactionChangedEvent(2, 1, 4, "👍", true),
		ReadReceiptEvent(2, 4, []uint{1}, at),
		TypingEvent(2, 4, true),
		PresenceEvent(2, 4, true),
	}

	for _, event := range events {
		raw, err := json.Marshal(event)
		require.NoError(t, err)
		require.NotContains(t, string(raw), "exclude")

		decoded, err := DecodeEvent(raw)
		require.NoError(t, err)
		require.Equal(t, event.Type(), decoded.Type())
		require.Equal(t, event.ThreadID, decoded.ThreadID)
		require.Equal(t, event.Payload, decoded.Payload)
	}

	_, err := DecodeEvent([]byte(`{"type":"thread_exploded","thread_id":1,"data":{}}`))
	require.ErrorIs(t, err, ErrUnknownEvent)
}

const eventSchema = `{
  "type": "object",
  "required": ["type", "thread_id", "data"],
  "properties": {
    "type": {"enum": ["new_message", "message_edited", "message_deleted", "message_reaction", "messages_read", "user_typing", "user_status"]},
    "thread_id": {"type": "integer", "minimum": 1},
    "actor_id": {"type": "integer"},
    "data": {"type": "object"}
  },
  "additionalProperties": false
}`

func TestEventEncodingMatchesSchema(t *testing.T) {
	compiler := jsonschema.NewCompiler()
	require.NoError(t, compiler.AddResource("event.json", strings.NewReader(eventSchema)))
	schema, err := compiler.Compile("event.json")
	require.NoError(t, err)

	for _, event := range []Event{
		NewMessageEvent(dto.MessageResponse{ID: 1, ThreadID: 2, SenderID: 3}, []uint{4}),
		ReadReceiptEvent(2, 4, []uint{1, 2}, time.Now()),
		PresenceEvent(2, 4, false),
	} {
		raw, err := json.Marshal(event)
		require.NoError(t, err)

		var doc interface{}
		require.NoError(t, json.Unmarshal(raw, &doc))
		require.NoError(t, schema.Validate(doc))
	}
}

func TestRedisRelayCarriesEventsBetweenHubs(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newRelay := func() *RedisRelay {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisRelay(client, "threadline")
	}

	origin := NewHub(4, newRelay(), zerolog.Nop())
	remote := NewHub(4, newRelay(), zerolog.Nop())
	origin.Start(ctx)
	remote.Start(ctx)

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("threadline:chat")["threadline:chat"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	local := origin.NewClient(1)
	origin.Subscribe(local, 8)
	far := remote.NewClient(2)
	remote.Subscribe(far, 8)
	hidden := remote.NewClient(3)
	remote.Subscribe(hidden, 8)

	origin.Publish(ctx, NewMessageEvent(dto.MessageResponse{ID: 1, ThreadID: 8, SenderID: 1, Content: "across"}, []uint{3}))

	require.Equal(t, EventNewMessage, receive(t, local).Type())
	got := receive(t, far)
	require.Equal(t, "across", got.Payload.(NewMessage).Message.Content)
	requireSilent(t, hidden)
	requireSilent(t, local)
}

func TestPresenceTypingFreshness(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	presence := NewPresence(5*time.Second, client, "threadline", zerolog.Nop())
	presence.now = func() time.Time { return now }
	ctx := context.Background()

	require.False(t, presence.IsTypingFresh(ctx, 1, 2))
	presence.Touch(ctx, 1, 2)
	require.True(t, presence.IsTypingFresh(ctx, 1, 2))

	now = now.Add(6 * time.Second)
	mr.FastForward(6 * time.Second)
	require.False(t, presence.IsTypingFresh(ctx, 1, 2))

	presence.Touch(ctx, 1, 2)
	presence.Clear(ctx, 1, 2)
	require.False(t, presence.IsTypingFresh(ctx, 1, 2))
}

func TestPresenceSharesTypingAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	first := NewPresence(5*time.Second, client, "threadline", zerolog.Nop())
	second := NewPresence(5*time.Second, client, "threadline", zerolog.Nop())

	first.Touch(ctx, 4, 9)
	require.True(t, second.IsTypingFresh(ctx, 4, 9))
}

func TestPresenceConnectionCounting(t *testing.T) {
	presence := NewPresence(0, nil, "", zerolog.Nop())
	require.Equal(t, 1, presence.Connected(7))
	require.Equal(t, 2, presence.Connected(7))
	require.True(t, presence.IsOnline(7))
	require.Equal(t, 1, presence.Disconnected(7))
	require.Equal(t, 0, presence.Disconnected(7))
	require.False(t, presence.IsOnline(7))
	require.Equal(t, 0, presence.Disconnected(7))
}
