package models

import (
	"sort"
	"time"

	"gorm.io/datatypes"
)

// ThreadStatus is the lifecycle state of a conversation thread.
type ThreadStatus string

const (
	ThreadStatusPending  ThreadStatus = "pending"
	ThreadStatusActive   ThreadStatus = "active"
	ThreadStatusArchived ThreadStatus = "archived"
	ThreadStatusBlocked  ThreadStatus = "blocked"
	ThreadStatusRejected ThreadStatus = "rejected"
)

// RequestStatus tracks the message-request handshake of a 1:1 thread.
type RequestStatus string

const (
	RequestStatusNone     RequestStatus = "none"
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusAccepted RequestStatus = "accepted"
)

// ThreadFlag is a per-user marker on a thread.
type ThreadFlag string

const (
	ThreadFlagHidden  ThreadFlag = "hidden"
	ThreadFlagDeleted ThreadFlag = "deleted"
	ThreadFlagMuted   ThreadFlag = "muted"
	ThreadFlagPinned  ThreadFlag = "pinned"
)

// Valid reports whether the flag is one of the known markers.
func (f ThreadFlag) Valid() bool {
	switch f {
	case ThreadFlagHidden, ThreadFlagDeleted, ThreadFlagMuted, ThreadFlagPinned:
		return true
	}
	return false
}

// BlockKind distinguishes the relations a user can hold against another user.
type BlockKind string

const (
	BlockKindBlock    BlockKind = "block"
	BlockKindMute     BlockKind = "mute"
	BlockKindRestrict BlockKind = "restrict"
)

// Valid reports whether the kind is a known relation.
func (k BlockKind) Valid() bool {
	switch k {
	case BlockKindBlock, BlockKindMute, BlockKindRestrict:
		return true
	}
	return false
}

// Thread is a 1:1 or group conversation.
type Thread struct {
	ID                     uint                `gorm:"primaryKey" json:"id"`
	IsGroup                bool                `gorm:"not null;index" json:"is_group"`
	Status                 ThreadStatus        `gorm:"size:16;not null;index" json:"status"`
	RequestStatus          RequestStatus       `gorm:"size:16;not null" json:"request_status"`
	DirectKey              *string             `gorm:"size:64;uniqueIndex" json:"-"`
	GroupName              *string             `gorm:"size:255" json:"group_name,omitempty"`
	GroupNameKey           *string             `gorm:"size:255;uniqueIndex" json:"-"`
	PrimaryAdminID         *uint               `gorm:"index" json:"primary_admin_id,omitempty"`
	InitiatorID            *uint               `json:"initiator_id,omitempty"`
	MembersCanInvite       bool                `gorm:"not null" json:"members_can_invite"`
	MembersCanSend         bool                `gorm:"not null" json:"members_can_send"`
	DisappearingTTLSeconds *int                `json:"disappearing_ttl_seconds,omitempty"`
	CreatedAt              time.Time           `json:"created_at"`
	UpdatedAt              time.Time           `gorm:"index" json:"updated_at"`
	Participants           []ThreadParticipant `gorm:"foreignKey:ThreadID" json:"participants,omitempty"`
	Admins                 []ThreadAdmin       `gorm:"foreignKey:ThreadID" json:"admins,omitempty"`
	Flags                  []ThreadUserFlag    `gorm:"foreignKey:ThreadID" json:"-"`
}

// ThreadParticipant is one member of a thread.
type ThreadParticipant struct {
	ThreadID uint      `gorm:"primaryKey;autoIncrement:false" json:"thread_id"`
	UserID   uint      `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	JoinedAt time.Time `gorm:"not null" json:"joined_at"`
}

// ThreadAdmin marks a participant holding the admin role.
type ThreadAdmin struct {
	ThreadID  uint      `gorm:"primaryKey;autoIncrement:false" json:"thread_id"`
	UserID    uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ThreadUserFlag stores hidden, deleted, muted and pinned markers per user.
type ThreadUserFlag struct {
	ThreadID  uint       `gorm:"primaryKey;autoIncrement:false" json:"thread_id"`
	UserID    uint       `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	Flag      ThreadFlag `gorm:"primaryKey;size:16" json:"flag"`
	CreatedAt time.Time  `json:"created_at"`
}

// HasParticipant reports whether the user currently belongs to the thread.
func (t Thread) HasParticipant(userID uint) bool {
	for _, p := range t.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// ParticipantIDs returns member ids ordered by join time, oldest first.
func (t Thread) ParticipantIDs() []uint {
	members := append([]ThreadParticipant(nil), t.Participants...)
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	ids := make([]uint, 0, len(members))
	for _, p := range members {
		ids = append(ids, p.UserID)
	}
	return ids
}

// AdminIDs returns admin ids ordered by the time they were granted the role.
func (t Thread) AdminIDs() []uint {
	admins := append([]ThreadAdmin(nil), t.Admins...)
	sort.SliceStable(admins, func(i, j int) bool {
		if admins[i].CreatedAt.Equal(admins[j].CreatedAt) {
			return admins[i].UserID < admins[j].UserID
		}
		return admins[i].CreatedAt.Before(admins[j].CreatedAt)
	})
	ids := make([]uint, 0, len(admins))
	for _, a := range admins {
		ids = append(ids, a.UserID)
	}
	return ids
}

// IsPrimaryAdmin reports whether the user owns the group.
func (t Thread) IsPrimaryAdmin(userID uint) bool {
	return t.PrimaryAdminID != nil && *t.PrimaryAdminID == userID
}

// IsAdmin reports whether the user is the primary admin or a co-admin.
func (t Thread) IsAdmin(userID uint) bool {
	if t.IsPrimaryAdmin(userID) {
		return true
	}
	for _, a := range t.Admins {
		if a.UserID == userID {
			return true
		}
	}
	return false
}

// HasFlag reports whether the user set the flag on this thread.
func (t Thread) HasFlag(userID uint, flag ThreadFlag) bool {
	for _, f := range t.Flags {
		if f.UserID == userID && f.Flag == flag {
			return true
		}
	}
	return false
}

// OtherParticipant returns the counterpart of a 1:1 thread.
func (t Thread) OtherParticipant(userID uint) (uint, bool) {
	if t.IsGroup {
		return 0, false
	}
	for _, p := range t.Participants {
		if p.UserID != userID {
			return p.UserID, true
		}
	}
	return 0, false
}

// Message is a single entry in a thread. Bodies are stored encrypted.
type Message struct {
	ID                      uint                `gorm:"primaryKey" json:"id"`
	ThreadID                uint                `gorm:"not null;index:idx_messages_thread_created,priority:1" json:"thread_id"`
	SenderID                uint                `gorm:"not null;index" json:"sender_id"`
	Ciphertext              []byte              `json:"-"`
	KeyVersion              int                 `gorm:"not null" json:"key_version"`
	ClientCiphertext        *string             `gorm:"type:text" json:"client_encrypted_content,omitempty"`
	ClientIV                *string             `gorm:"size:64" json:"client_iv,omitempty"`
	ClientEncryptionVersion int                 `gorm:"not null" json:"client_encryption_version"`
	Read                    bool                `gorm:"column:is_read;not null;index" json:"read"`
	ReadAt                  *time.Time          `json:"read_at,omitempty"`
	HardDeleted             bool                `gorm:"not null;index" json:"deleted_for_everyone"`
	ReplyToID               *uint               `json:"reply_to_id,omitempty"`
	ForwardedFromID         *uint               `json:"forwarded_from_id,omitempty"`
	Pinned                  bool                `gorm:"not null" json:"pinned"`
	System                  bool                `gorm:"not null" json:"system"`
	ExpiresAt               *time.Time          `gorm:"index" json:"expires_at,omitempty"`
	EditedAt                *time.Time          `json:"edited_at,omitempty"`
	Metadata                datatypes.JSONMap   `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt               time.Time           `gorm:"index:idx_messages_thread_created,priority:2" json:"created_at"`
	UpdatedAt               time.Time           `json:"updated_at"`
	Attachments             []MessageAttachment `gorm:"foreignKey:MessageID" json:"attachments,omitempty"`
	Reactions               []MessageReaction   `gorm:"foreignKey:MessageID" json:"reactions,omitempty"`
	Deletions               []MessageDeletion   `gorm:"foreignKey:MessageID" json:"-"`
}

// IsClientEncrypted reports whether the body was sealed on the client.
func (m Message) IsClientEncrypted() bool {
	return m.ClientCiphertext != nil && *m.ClientCiphertext != ""
}

// DeletedFor reports whether the user removed the message from their own view.
func (m Message) DeletedFor(userID uint) bool {
	for _, d := range m.Deletions {
		if d.UserID == userID {
			return true
		}
	}
	return false
}

// MessageDeletion records that a user removed a message from their view.
type MessageDeletion struct {
	MessageID uint      `gorm:"primaryKey;autoIncrement:false" json:"message_id"`
	UserID    uint      `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageReaction is one user's emoji reaction to a message.
type MessageReaction struct {
	MessageID uint      `gorm:"primaryKey;autoIncrement:false" json:"message_id"`
	UserID    uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Emoji     string    `gorm:"primaryKey;size:32" json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageAttachment describes a file uploaded elsewhere and linked to a message.
type MessageAttachment struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	MessageID       uint      `gorm:"not null;index" json:"message_id"`
	FileType        string    `gorm:"size:32;not null" json:"file_type"`
	FileName        string    `gorm:"size:255" json:"file_name"`
	FileSize        int64     `json:"file_size"`
	URL             string    `gorm:"size:1024;not null" json:"url"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// BlockRelation is a directed restriction one user holds against another.
type BlockRelation struct {
	UserID           uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	RestrictedUserID uint      `gorm:"primaryKey;autoIncrement:false;index" json:"restricted_user_id"`
	Kind             BlockKind `gorm:"primaryKey;size:16" json:"kind"`
	CreatedAt        time.Time `json:"created_at"`
}

// ConversationModels lists every model the conversation store migrates.
func ConversationModels() []interface{} {
	return []interface{}{
		&Thread{},
		&ThreadParticipant{},
		&ThreadAdmin{},
		&ThreadUserFlag{},
		&Message{},
		&MessageDeletion{},
		&MessageReaction{},
		&MessageAttachment{},
		&BlockRelation{},
	}
}
