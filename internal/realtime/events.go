package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/threadline/internal/dto"
)

// EventType names an outbound event.
type EventType string

const (
	EventNewMessage      EventType = "new_message"
	EventMessageEdited   EventType = "message_edited"
	EventMessageDeleted  EventType = "message_deleted"
	EventReactionChanged EventType = "message_reaction"
	EventReadReceipt     EventType = "messages_read"
	EventTyping          EventType = "user_typing"
	EventPresence        EventType = "user_status"
)

// ErrUnknownEvent is returned when decoding an event of an unrecognised type.
var ErrUnknownEvent = errors.New("unknown event type")

// Payload is implemented only by the event variants declared in this file.
type Payload interface {
	eventType() EventType
}

// NewMessage announces a freshly stored message.
type NewMessage struct {
	Message dto.MessageResponse `json:"message"`
}

// MessageEdited announces a replaced message body.
type MessageEdited struct {
	Message dto.MessageResponse `json:"message"`
}

// MessageDeleted announces a deletion.
type MessageDeleted struct {
	MessageID         uint `json:"message_id"`
	DeletedByUserID   uint `json:"deleted_by_user_id"`
	DeleteForEveryone bool `json:"delete_for_everyone"`
}

// ReactionChanged announces a reaction toggle.
type ReactionChanged struct {
	MessageID uint   `json:"message_id"`
	UserID    uint   `json:"user_id"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
}

// ReadReceipt announces messages read by a participant.
type ReadReceipt struct {
	MessageIDs   []uint    `json:"message_ids"`
	ReadByUserID uint      `json:"read_by_user_id"`
	ReadAt       time.Time `json:"read_at"`
}

// Typing announces a typing indicator change.
type Typing struct {
	UserID   uint `json:"user_id"`
	IsTyping bool `json:"is_typing"`
}

// UserStatus announces a participant connecting or disconnecting.
type UserStatus struct {
	UserID uint   `json:"user_id"`
	Status string `json:"status"`
}

func (NewMessage) eventType() EventType      { return EventNewMessage }
func (MessageEdited) eventType() EventType   { return EventMessageEdited }
func (MessageDeleted) eventType() EventType  { return EventMessageDeleted }
func (ReactionChanged) eventType() EventType { return EventReactionChanged }
func (ReadReceipt) eventType() EventType     { return EventReadReceipt }
func (Typing) eventType() EventType          { return EventTyping }
func (UserStatus) eventType() EventType      { return EventPresence }

// Event is a thread-scoped message for subscribers. Exclude lists users that
// must never receive it and is not part of the client encoding.
type Event struct {
	ThreadID uint
	ActorID  uint
	Exclude  []uint
	Payload  Payload
}

// Type reports the variant carried by the event.
func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.eventType()
}

// selfSuppressed reports whether the actor's own connections skip this event.
func (e Event) selfSuppressed() bool {
	switch e.Payload.(type) {
	case Typing, UserStatus:
		return true
	default:
		return false
	}
}

func (e Event) excludes(userID uint) bool {
	for _, id := range e.Exclude {
		if id == userID {
			return true
		}
	}
	return false
}

type wireEvent struct {
	Type     EventType       `json:"type"`
	ThreadID uint            `json:"thread_id"`
	ActorID  uint            `json:"actor_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// MarshalJSON renders the client encoding: a type tag, the thread and the variant body.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("realtime: event without payload")
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Type: e.Type(), ThreadID: e.ThreadID, ActorID: e.ActorID, Data: data})
}

// UnmarshalJSON parses the client encoding back into a typed event.
func (e *Event) UnmarshalJSON(raw []byte) error {
	decoded, err := DecodeEvent(raw)
	if err != nil {
		return err
	}
	exclude := e.Exclude
	*e = decoded
	e.Exclude = exclude
	return nil
}

// DecodeEvent parses an encoded event, rejecting unknown types.
func DecodeEvent(raw []byte) (Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Event{}, err
	}

	var payload Payload
	var err error
	switch wire.Type {
	case EventNewMessage:
		payload, err = decodePayload[NewMessage](wire.Data)
	case EventMessageEdited:
		payload, err = decodePayload[MessageEdited](wire.Data)
	case EventMessageDeleted:
		payload, err = decodePayload[MessageDeleted](wire.Data)
	case EventReactionChanged:
		payload, err = decodePayload[ReactionChanged](wire.Data)
	case EventReadReceipt:
		payload, err = decodePayload[ReadReceipt](wire.Data)
	case EventTyping:
		payload, err = decodePayload[Typing](wire.Data)
	case EventPresence:
		payload, err = decodePayload[UserStatus](wire.Data)
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, wire.Type)
	}
	if err != nil {
		return Event{}, err
	}

	return Event{ThreadID: wire.ThreadID, ActorID: wire.ActorID, Payload: payload}, nil
}

func decodePayload[T Payload](data json.RawMessage) (Payload, error) {
	var value T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, err
		}
	}
	return value, nil
}

// NewMessageEvent builds a new_message event. hiddenFrom lists recipients that must not see it.
func NewMessageEvent(message dto.MessageResponse, hiddenFrom []uint) Event {
	return Event{ThreadID: message.ThreadID, ActorID: message.SenderID, Exclude: hiddenFrom, Payload: NewMessage{Message: message}}
}

// MessageEditedEvent builds a message_edited event.
func MessageEditedEvent(message dto.MessageResponse, hiddenFrom []uint) Event {
	return Event{ThreadID: message.ThreadID, ActorID: message.SenderID, Exclude: hiddenFrom, Payload: MessageEdited{Message: message}}
}

// MessageDeletedEvent builds a message_deleted event.
func MessageDeletedEvent(threadID, messageID, actorID uint, forEveryone bool) Event {
	return Event{ThreadID: threadID, ActorID: actorID, Payload: MessageDeleted{MessageID: messageID, DeletedByUserID: actorID, DeleteForEveryone: forEveryone}}
}

// ReactionChangedEvent builds a message_reaction event.
func ReactionChangedEvent(threadID, messageID, actorID uint, emoji string, added bool) Event {
	action := "removed"
	if added {
		action = "added"
	}
	return Event{ThreadID: threadID, ActorID: actorID, Payload: ReactionChanged{MessageID: messageID, UserID: actorID, Emoji: emoji, Action: action}}
}

// ReadReceiptEvent builds a messages_read event.
func ReadReceiptEvent(threadID, readerID uint, messageIDs []uint, at time.Time) Event {
	return Event{ThreadID: threadID, ActorID: readerID, Payload: ReadReceipt{MessageIDs: messageIDs, ReadByUserID: readerID, ReadAt: at}}
}

// TypingEvent builds a user_typing event.
func TypingEvent(threadID, userID uint, isTyping bool) Event {
	return Event{ThreadID: threadID, ActorID: userID, Payload: Typing{UserID: userID, IsTyping: isTyping}}
}

// PresenceEvent builds a user_status event.
func PresenceEvent(threadID, userID uint, online bool) Event {
	status := "offline"
	if online {
		status = "online"
	}
	return Event{ThreadID: threadID, ActorID: userID, Payload: UserStatus{UserID: userID, Status: status}}
}
