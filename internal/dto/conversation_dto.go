package dto

import (
	"time"

	"github.com/noah-isme/threadline/internal/models"
)

// DirectThreadRequest opens or reuses the 1:1 thread with another user.
type DirectThreadRequest struct {
	UserID    uint `json:"user_id" validate:"required"`
	AsRequest bool `json:"as_request"`
}

// CreateGroupRequest creates a named group with an initial member list.
type CreateGroupRequest struct {
	Name                   string `json:"name" validate:"required,min=1,max=100"`
	ParticipantIDs         []uint `json:"participant_ids" validate:"max=256"`
	MembersCanInvite       *bool  `json:"members_can_invite"`
	MembersCanSend         *bool  `json:"members_can_send"`
	DisappearingTTLSeconds *int   `json:"disappearing_ttl_seconds" validate:"omitempty,min=0,max=31536000"`
}

// UpdateGroupRequest changes group settings. Nil fields are left untouched.
type UpdateGroupRequest struct {
	Name                   *string `json:"name" validate:"omitempty,min=1,max=100"`
	MembersCanInvite       *bool   `json:"members_can_invite"`
	MembersCanSend         *bool   `json:"members_can_send"`
	DisappearingTTLSeconds *int    `json:"disappearing_ttl_seconds" validate:"omitempty,min=0,max=31536000"`
}

// AttachmentInput links a file stored elsewhere to a new message.
type AttachmentInput struct {
	FileType        string `json:"file_type" validate:"required,oneof=image video audio file voice"`
	FileName        string `json:"file_name" validate:"max=255"`
	FileSize        int64  `json:"file_size" validate:"min=0"`
	URL             string `json:"url" validate:"required,url,max=1024"`
	DurationSeconds *int   `json:"duration_seconds" validate:"omitempty,min=0"`
}

// SendMessageRequest posts a message into a thread, or to a user when ThreadID is zero.
// Content and ClientEncryptedContent are mutually exclusive.
type SendMessageRequest struct {
	ThreadID                uint              `json:"thread_id"`
	RecipientID             uint              `json:"recipient_id"`
	Content                 string            `json:"content" validate:"max=4000"`
	ClientEncryptedContent  string            `json:"client_encrypted_content" validate:"max=16000"`
	ClientIV                string            `json:"client_iv" validate:"max=64"`
	ClientEncryptionVersion int               `json:"client_encryption_version" validate:"min=0"`
	ReplyToID               *uint             `json:"reply_to_id"`
	SharedPostID            *uint             `json:"shared_post_id"`
	Attachments             []AttachmentInput `json:"attachments" validate:"max=10,dive"`
}

// EditMessageRequest replaces a message body.
type EditMessageRequest struct {
	Content                 string `json:"content" validate:"max=4000"`
	ClientEncryptedContent  string `json:"client_encrypted_content" validate:"max=16000"`
	ClientIV                string `json:"client_iv" validate:"max=64"`
	ClientEncryptionVersion int    `json:"client_encryption_version" validate:"min=0"`
}

// DeleteScope selects who a deletion applies to.
type DeleteScope string

const (
	DeleteForSelf     DeleteScope = "self"
	DeleteForEveryone DeleteScope = "everyone"
)

// DeleteMessageRequest removes a message for the caller or for everyone.
type DeleteMessageRequest struct {
	Scope DeleteScope `json:"scope" validate:"omitempty,oneof=self everyone"`
}

// ReactRequest toggles an emoji reaction.
type ReactRequest struct {
	Emoji string `json:"emoji" validate:"required,max=32"`
}

// MarkReadRequest marks messages in a thread as read.
type MarkReadRequest struct {
	MessageIDs []uint `json:"message_ids" validate:"required,min=1,max=500"`
}

// ForwardMessageRequest copies a message into another thread.
type ForwardMessageRequest struct {
	TargetThreadID uint `json:"target_thread_id" validate:"required"`
}

// MemberRequest names one user for a membership action.
type MemberRequest struct {
	UserID uint `json:"user_id" validate:"required"`
}

// AddMembersRequest adds users to a group.
type AddMembersRequest struct {
	UserIDs []uint `json:"user_ids" validate:"required,min=1,max=256"`
}

// ThreadFlagRequest sets or clears a per-user flag.
type ThreadFlagRequest struct {
	Flag    models.ThreadFlag `json:"flag" validate:"required,oneof=hidden deleted muted pinned"`
	Enabled bool              `json:"enabled"`
}

// PinRequest pins or unpins a message.
type PinRequest struct {
	Pinned bool `json:"pinned"`
}

// BlockRequest restricts another user.
type BlockRequest struct {
	UserID uint             `json:"user_id" validate:"required"`
	Kind   models.BlockKind `json:"kind" validate:"omitempty,oneof=block mute restrict"`
}

// HistoryQuery pages a thread's messages.
type HistoryQuery struct {
	BeforeID uint `query:"before_id"`
	SinceID  uint `query:"since_id"`
	Limit    int  `query:"limit" validate:"omitempty,min=1,max=200"`
}

// ThreadResponse is the caller-specific view of a thread.
type ThreadResponse struct {
	ID                     uint                 `json:"id"`
	IsGroup                bool                 `json:"is_group"`
	Status                 models.ThreadStatus  `json:"status"`
	RequestStatus          models.RequestStatus `json:"request_status"`
	GroupName              string               `json:"group_name,omitempty"`
	PrimaryAdminID         *uint                `json:"primary_admin_id,omitempty"`
	InitiatorID            *uint                `json:"initiator_id,omitempty"`
	AdminIDs               []uint               `json:"admin_ids"`
	ParticipantIDs         []uint               `json:"participant_ids"`
	Role                   string               `json:"role"`
	Muted                  bool                 `json:"muted"`
	Pinned                 bool                 `json:"pinned"`
	Hidden                 bool                 `json:"hidden"`
	MembersCanInvite       bool                 `json:"members_can_invite"`
	MembersCanSend         bool                 `json:"members_can_send"`
	DisappearingTTLSeconds *int                 `json:"disappearing_ttl_seconds,omitempty"`
	UnreadCount            int64                `json:"unread_count"`
	CreatedAt              time.Time            `json:"created_at"`
	UpdatedAt              time.Time            `json:"updated_at"`
}

// ThreadDetailResponse is a thread plus one page of its history.
type ThreadDetailResponse struct {
	Thread   ThreadResponse    `json:"thread"`
	Messages []MessageResponse `json:"messages"`
}

// AttachmentResponse describes a linked file.
type AttachmentResponse struct {
	ID              uint   `json:"id"`
	FileType        string `json:"file_type"`
	FileName        string `json:"file_name,omitempty"`
	FileSize        int64  `json:"file_size"`
	URL             string `json:"url"`
	DurationSeconds *int   `json:"duration_seconds,omitempty"`
}

// ReactionSummary aggregates one emoji on a message.
type ReactionSummary struct {
	Emoji   string `json:"emoji"`
	Count   int    `json:"count"`
	UserIDs []uint `json:"user_ids"`
}

// MessageResponse is the serialized representation of a message.
// Content is empty for client-encrypted and deleted messages.
type MessageResponse struct {
	ID                      uint                 `json:"id"`
	ThreadID                uint                 `json:"thread_id"`
	SenderID                uint                 `json:"sender_id"`
	Content                 string               `json:"content"`
	ClientEncryptedContent  string               `json:"client_encrypted_content,omitempty"`
	ClientIV                string               `json:"client_iv,omitempty"`
	ClientEncryptionVersion int                  `json:"client_encryption_version,omitempty"`
	EncryptionUnavailable   bool                 `json:"encryption_unavailable,omitempty"`
	DeletedForEveryone      bool                 `json:"deleted_for_everyone"`
	Read                    bool                 `json:"read"`
	ReadAt                  *time.Time           `json:"read_at,omitempty"`
	ReplyToID               *uint                `json:"reply_to_id,omitempty"`
	ForwardedFromID         *uint                `json:"forwarded_from_id,omitempty"`
	SharedPostID            *uint                `json:"shared_post_id,omitempty"`
	Pinned                  bool                 `json:"pinned"`
	System                  bool                 `json:"system"`
	ExpiresAt               *time.Time           `json:"expires_at,omitempty"`
	EditedAt                *time.Time           `json:"edited_at,omitempty"`
	Attachments             []AttachmentResponse `json:"attachments,omitempty"`
	Reactions               []ReactionSummary    `json:"reactions,omitempty"`
	CreatedAt               time.Time            `json:"created_at"`
}

// ReactionResponse reports the outcome of a reaction toggle.
type ReactionResponse struct {
	MessageID uint   `json:"message_id"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
}

// MarkReadResponse lists the messages whose read flag changed.
type MarkReadResponse struct {
	MessageIDs []uint    `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
}

// BlockResponse reports a relation change.
type BlockResponse struct {
	UserID  uint             `json:"user_id"`
	Kind    models.BlockKind `json:"kind"`
	Changed bool             `json:"changed"`
}

// NotificationIntent asks the external notification system to alert a user.
type NotificationIntent struct {
	Type        string    `json:"type"`
	RecipientID uint      `json:"recipient_id"`
	ActorID     uint      `json:"actor_id"`
	ThreadID    uint      `json:"thread_id"`
	MessageID   uint      `json:"message_id,omitempty"`
	GroupName   string    `json:"group_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewAttachmentResponses converts attachment models.
func NewAttachmentResponses(items []models.MessageAttachment) []AttachmentResponse {
	if len(items) == 0 {
		return nil
	}
	out := make([]AttachmentResponse, 0, len(items))
	for _, item := range items {
		out = append(out, AttachmentResponse{
			ID:              item.ID,
			FileType:        item.FileType,
			FileName:        item.FileName,
			FileSize:        item.FileSize,
			URL:             item.URL,
			DurationSeconds: item.DurationSeconds,
		})
	}
	return out
}

// NewReactionSummaries groups reactions by emoji in first-seen order.
func NewReactionSummaries(reactions []models.MessageReaction) []ReactionSummary {
	if len(reactions) == 0 {
		return nil
	}
	index := make(map[string]int)
	var out []ReactionSummary
	for _, reaction := range reactions {
		pos, ok := index[reaction.Emoji]
		if !ok {
			pos = len(out)
			index[reaction.Emoji] = pos
			out = append(out, ReactionSummary{Emoji: reaction.Emoji})
		}
		out[pos].Count++
		out[pos].UserIDs = append(out[pos].UserIDs, reaction.UserID)
	}
	return out
}
