package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"gorm.io/datatypes"

	"github.com/noah-isme/threadline/internal/dto"
	"github.com/noah-isme/threadline/internal/models"
	"github.com/noah-isme/threadline/internal/repository"
	"github.com/noah-isme/threadline/pkg/keyring"
)

// UnavailablePlaceholder replaces bodies sealed with a key the ring no longer holds.
const UnavailablePlaceholder = "[message unavailable]"

const defaultUnsendWindow = 5 * time.Minute

// MessageContent is exactly one of a plaintext body or an opaque client-sealed body.
type MessageContent struct {
	Plaintext               string
	ClientCiphertext        string
	ClientIV                string
	ClientEncryptionVersion int
}

func (c MessageContent) clientSealed() bool {
	return strings.TrimSpace(c.ClientCiphertext) != ""
}

// NewMessage describes a message about to be stored.
type NewMessage struct {
	ThreadID        uint
	SenderID        uint
	Content         MessageContent
	ReplyToID       *uint
	ForwardedFromID *uint
	SharedPostID    *uint
	Attachments     []dto.AttachmentInput
	System          bool
	ExpiresAt       *time.Time
	HiddenFrom      []uint
}

// MessageBody is the readable form of a stored message.
type MessageBody struct {
	Content                 string
	ClientCiphertext        string
	ClientIV                string
	ClientEncryptionVersion int
	Unavailable             bool
}

// MessageStore owns the message encryption pipeline and message-level mutations.
type MessageStore struct {
	repo         repository.MessageRepository
	keys         *keyring.KeyRing
	sanitizer    *bluemonday.Policy
	unsendWindow time.Duration
	now          func() time.Time
}

// NewMessageStore creates a store over the given repository and key ring.
func NewMessageStore(repo repository.MessageRepository, keys *keyring.KeyRing, unsendWindow time.Duration) *MessageStore {
	if unsendWindow <= 0 {
		unsendWindow = defaultUnsendWindow
	}
	return &MessageStore{
		repo:         repo,
		keys:         keys,
		sanitizer:    bluemonday.StrictPolicy(),
		unsendWindow: unsendWindow,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// bind returns a copy of the store writing through repo, typically a transaction.
func (s *MessageStore) bind(repo repository.MessageRepository) *MessageStore {
	clone := *s
	clone.repo = repo
	return &clone
}

// stripMarkup removes HTML markup and returns plain text. Entities produced by
// the sanitizer are decoded again so "&" and "<" are stored as typed.
func (s *MessageStore) stripMarkup(value string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(value)))
}

func threadContext(threadID uint) []byte {
	return []byte(fmt.Sprintf("thread:%d", threadID))
}

func (s *MessageStore) seal(threadID uint, content MessageContent) (repository.BodyUpdate, error) {
	if content.clientSealed() {
		if strings.TrimSpace(content.Plaintext) != "" {
			return repository.BodyUpdate{}, invalid("content and client_encrypted_content are mutually exclusive")
		}
		if strings.TrimSpace(content.ClientIV) == "" {
			return repository.BodyUpdate{}, invalid("client_iv is required with client_encrypted_content")
		}
		ciphertext := content.ClientCiphertext
		iv := content.ClientIV
		return repository.BodyUpdate{
			ClientCiphertext:        &ciphertext,
			ClientIV:                &iv,
			ClientEncryptionVersion: content.ClientEncryptionVersion,
		}, nil
	}

	clean := s.stripMarkup(content.Plaintext)
	if clean == "" && strings.TrimSpace(content.Plaintext) != "" {
		return repository.BodyUpdate{}, invalid("message content empty after sanitization")
	}
	ciphertext, version, err := s.keys.Encrypt([]byte(clean), threadContext(threadID))
	if err != nil {
		return repository.BodyUpdate{}, classify(err, "key")
	}
	return repository.BodyUpdate{Ciphertext: ciphertext, KeyVersion: version}, nil
}

// Open decrypts a stored message. A missing key yields the placeholder rather than an error.
func (s *MessageStore) Open(message models.Message) MessageBody {
	if message.HardDeleted {
		return MessageBody{}
	}
	if message.IsClientEncrypted() {
		body := MessageBody{ClientCiphertext: *message.ClientCiphertext, ClientEncryptionVersion: message.ClientEncryptionVersion}
		if message.ClientIV != nil {
			body.ClientIV = *message.ClientIV
		}
		return body
	}
	if len(message.Ciphertext) == 0 {
		return MessageBody{}
	}

	plaintext, err := s.keys.Decrypt(message.Ciphertext, message.KeyVersion, threadContext(message.ThreadID))
	if err != nil {
		return MessageBody{Content: UnavailablePlaceholder, Unavailable: true}
	}
	return MessageBody{Content: string(plaintext)}
}

// Plaintext returns the server-readable body of a message for re-encryption elsewhere.
func (s *MessageStore) Plaintext(message models.Message) (string, error) {
	if message.HardDeleted {
		return "", invalidState("message was deleted")
	}
	if message.IsClientEncrypted() {
		return "", invalidState("end-to-end encrypted messages cannot be forwarded")
	}
	if len(message.Ciphertext) == 0 {
		return "", nil
	}
	plaintext, err := s.keys.Decrypt(message.Ciphertext, message.KeyVersion, threadContext(message.ThreadID))
	if err != nil {
		return "", fmt.Errorf("%w: message %d: %v", ErrEncryptionUnavailable, message.ID, err)
	}
	return string(plaintext), nil
}

// Send validates, encrypts and stores a message.
func (s *MessageStore) Send(ctx context.Context, input NewMessage) (models.Message, error) {
	hasBody := strings.TrimSpace(input.Content.Plaintext) != "" || input.Content.clientSealed()
	if !hasBody && len(input.Attachments) == 0 && input.SharedPostID == nil && input.ForwardedFromID == nil {
		return models.Message{}, invalid("message content is required")
	}

	if input.ReplyToID != nil {
		parent, err := s.repo.Get(ctx, *input.ReplyToID)
		if err != nil {
			if errors.Is(classify(err, "message"), ErrNotFound) {
				return models.Message{}, invalidState("reply target does not exist")
			}
			return models.Message{}, classify(err, "message")
		}
		if parent.ThreadID != input.ThreadID {
			return models.Message{}, invalidState("reply target belongs to another thread")
		}
	}

	body, err := s.seal(input.ThreadID, input.Content)
	if err != nil {
		return models.Message{}, err
	}

	message := models.Message{
		ThreadID:                input.ThreadID,
		SenderID:                input.SenderID,
		Ciphertext:              body.Ciphertext,
		KeyVersion:              body.KeyVersion,
		ClientCiphertext:        body.ClientCiphertext,
		ClientIV:                body.ClientIV,
		ClientEncryptionVersion: body.ClientEncryptionVersion,
		ReplyToID:               input.ReplyToID,
		ForwardedFromID:         input.ForwardedFromID,
		System:                  input.System,
		ExpiresAt:               input.ExpiresAt,
		CreatedAt:               s.now(),
	}
	if input.SharedPostID != nil {
		message.Metadata = datatypes.JSONMap{"shared_post_id": *input.SharedPostID}
	}
	for _, attachment := range input.Attachments {
		message.Attachments = append(message.Attachments, models.MessageAttachment{
			FileType:        attachment.FileType,
			FileName:        attachment.FileName,
			FileSize:        attachment.FileSize,
			URL:             attachment.URL,
			DurationSeconds: attachment.DurationSeconds,
		})
	}

	if err := s.repo.Create(ctx, &message, input.HiddenFrom); err != nil {
		return models.Message{}, classify(err, "message")
	}
	return message, nil
}

// Get loads a message by id.
func (s *MessageStore) Get(ctx context.Context, id uint) (models.Message, error) {
	message, err := s.repo.Get(ctx, id)
	if err != nil {
		return models.Message{}, classify(err, "message")
	}
	return message, nil
}

// Edit replaces the body of the actor's own live message.
func (s *MessageStore) Edit(ctx context.Context, message models.Message, actor uint, content MessageContent) (models.Message, error) {
	if message.HardDeleted {
		return models.Message{}, invalidState("message was deleted")
	}
	if message.SenderID != actor {
		return models.Message{}, forbidden("only the sender can edit a message")
	}
	if strings.TrimSpace(content.Plaintext) == "" && !content.clientSealed() {
		return models.Message{}, invalid("message content is required")
	}

	update, err := s.seal(message.ThreadID, content)
	if err != nil {
		return models.Message{}, err
	}
	update.EditedAt = s.now()

	updated, err := s.repo.UpdateBody(ctx, message.ID, update)
	if err != nil {
		return models.Message{}, classify(err, "message")
	}
	if !updated {
		return models.Message{}, invalidState("message was deleted")
	}
	return s.Get(ctx, message.ID)
}

// DeleteForSelf hides the message from the actor only.
func (s *MessageStore) DeleteForSelf(ctx context.Context, message models.Message, actor uint) error {
	if _, err := s.repo.AddDeletion(ctx, message.ID, actor); err != nil {
		return classify(err, "message")
	}
	return nil
}

// DeleteForEveryone tombstones the sender's own message within the unsend window.
func (s *MessageStore) DeleteForEveryone(ctx context.Context, message models.Message, actor uint) error {
	if message.SenderID != actor {
		return forbidden("only the sender can delete a message for everyone")
	}
	if message.HardDeleted {
		return invalidState("message was already deleted")
	}
	if s.now().Sub(message.CreatedAt) > s.unsendWindow {
		return forbidden("messages can only be deleted for everyone within %s of sending", s.unsendWindow)
	}

	deleted, err := s.repo.MarkHardDeleted(ctx, message.ID, s.now())
	if err != nil {
		return classify(err, "message")
	}
	if !deleted {
		return invalidState("message was already deleted")
	}
	return nil
}

// React toggles the actor's emoji on a live message and reports whether it was added.
func (s *MessageStore) React(ctx context.Context, message models.Message, actor uint, emoji string) (bool, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return false, invalid("emoji is required")
	}
	if message.HardDeleted {
		return false, invalidState("message was deleted")
	}
	added, err := s.repo.ToggleReaction(ctx, message.ID, actor, emoji)
	if err != nil {
		return false, classify(err, "reaction")
	}
	return added, nil
}

// MarkRead marks foreign unread messages in the thread as read and returns the ids that changed.
func (s *MessageStore) MarkRead(ctx context.Context, threadID, reader uint, messageIDs []uint) ([]uint, time.Time, error) {
	at := s.now()
	ids, err := s.repo.MarkRead(ctx, threadID, reader, messageIDs, at)
	if err != nil {
		return nil, at, classify(err, "message")
	}
	return ids, at, nil
}

// SetPinned pins or unpins a live message.
func (s *MessageStore) SetPinned(ctx context.Context, message models.Message, pinned bool) error {
	if message.HardDeleted {
		return invalidState("message was deleted")
	}
	changed, err := s.repo.SetPinned(ctx, message.ID, pinned)
	if err != nil {
		return classify(err, "message")
	}
	if !changed {
		return invalidState("message was deleted")
	}
	return nil
}

// History returns a page of messages visible to the viewer.
func (s *MessageStore) History(ctx context.Context, query repository.HistoryQuery) ([]models.Message, error) {
	query.Now = s.now()
	return retryRead(ctx, "message", func() ([]models.Message, error) {
		return s.repo.History(ctx, query)
	})
}

// ClearHistory removes all of the thread's messages from the user's view.
func (s *MessageStore) ClearHistory(ctx context.Context, threadID, userID uint) error {
	if _, err := s.repo.ClearHistoryFor(ctx, threadID, userID); err != nil {
		return classify(err, "message")
	}
	return nil
}

// Response renders a message for clients.
func (s *MessageStore) Response(message models.Message) dto.MessageResponse {
	body := s.Open(message)
	response := dto.MessageResponse{
		ID:                      message.ID,
		ThreadID:                message.ThreadID,
		SenderID:                message.SenderID,
		Content:                 body.Content,
		ClientEncryptedContent:  body.ClientCiphertext,
		ClientIV:                body.ClientIV,
		ClientEncryptionVersion: body.ClientEncryptionVersion,
		EncryptionUnavailable:   body.Unavailable,
		DeletedForEveryone:      message.HardDeleted,
		Read:                    message.Read,
		ReadAt:                  message.ReadAt,
		ReplyToID:               message.ReplyToID,
		ForwardedFromID:         message.ForwardedFromID,
		Pinned:                  message.Pinned,
		System:                  message.System,
		ExpiresAt:               message.ExpiresAt,
		EditedAt:                message.EditedAt,
		Attachments:             dto.NewAttachmentResponses(message.Attachments),
		Reactions:               dto.NewReactionSummaries(message.Reactions),
		CreatedAt:               message.CreatedAt,
	}
	if raw, ok := message.Metadata["shared_post_id"]; ok {
		if id, ok := toUint(raw); ok {
			response.SharedPostID = &id
		}
	}
	return response
}

func toUint(value interface{}) (uint, bool) {
	switch v := value.(type) {
	case uint:
		return v, true
	case int:
		return uint(v), v >= 0
	case int64:
		return uint(v), v >= 0
	case float64:
		return uint(v), v >= 0
	default:
		return 0, false
	}
}
