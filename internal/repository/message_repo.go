package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/threadline/internal/models"
)

// HistoryQuery selects a page of messages visible to a viewer.
// BeforeID pages backwards from a cursor, SinceID returns messages newer than a cursor.
type HistoryQuery struct {
	ThreadID uint
	ViewerID uint
	BeforeID uint
	SinceID  uint
	Limit    int
	Now      time.Time
}

// BodyUpdate carries a replacement body for an edit.
type BodyUpdate struct {
	Ciphertext              []byte
	KeyVersion              int
	ClientCiphertext        *string
	ClientIV                *string
	ClientEncryptionVersion int
	EditedAt                time.Time
}

// MessageRepository persists messages and the per-user sets hanging off them.
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message, hiddenFrom []uint) error
	Get(ctx context.Context, id uint) (models.Message, error)
	History(ctx context.Context, query HistoryQuery) ([]models.Message, error)
	UpdateBody(ctx context.Context, id uint, update BodyUpdate) (bool, error)
	MarkHardDeleted(ctx context.Context, id uint, at time.Time) (bool, error)
	AddDeletion(ctx context.Context, messageID, userID uint) (bool, error)
	ClearHistoryFor(ctx context.Context, threadID, userID uint) (int, error)
	ToggleReaction(ctx context.Context, messageID, userID uint, emoji string) (bool, error)
	MarkRead(ctx context.Context, threadID, readerID uint, messageIDs []uint, at time.Time) ([]uint, error)
	UnreadForeignIDs(ctx context.Context, threadID, readerID uint, candidates []uint) ([]uint, error)
	SetPinned(ctx context.Context, id uint, pinned bool) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Create(ctx context.Context, message *models.Message, hiddenFrom []uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Reactions", "Deletions").Create(message).Error; err != nil {
			return err
		}
		for _, userID := range hiddenFrom {
			row := models.MessageDeletion{MessageID: message.ID, UserID: userID, CreatedAt: message.CreatedAt}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
			message.Deletions = append(message.Deletions, row)
		}
		return nil
	})
}

func (r *messageRepository) Get(ctx context.Context, id uint) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Preload("Attachments").
		Preload("Reactions").
		Preload("Deletions").
		First(&message, id).Error
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (r *messageRepository) cursor(ctx context.Context, threadID, id uint) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).Select("id", "thread_id", "created_at").
		Where("id = ? AND thread_id = ?", id, threadID).
		First(&message).Error
	return message, err
}

func (r *messageRepository) History(ctx context.Context, query HistoryQuery) ([]models.Message, error) {
	limit := normalizeLimit(query.Limit, 50, 200)
	now := query.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	db := r.db.WithContext(ctx).
		Preload("Attachments").
		Preload("Reactions").
		Where("messages.thread_id = ? AND messages.hard_deleted = ?", query.ThreadID, false).
		Where("(messages.expires_at IS NULL OR messages.expires_at > ?)", now).
		Where("NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = messages.id AND d.user_id = ?)", query.ViewerID)

	if query.BeforeID != 0 {
		anchor, err := r.cursor(ctx, query.ThreadID, query.BeforeID)
		if err != nil {
			return nil, err
		}
		db = db.Where("(messages.created_at < ? OR (messages.created_at = ? AND messages.id < ?))", anchor.CreatedAt, anchor.CreatedAt, anchor.ID)
	}
	if query.SinceID != 0 {
		anchor, err := r.cursor(ctx, query.ThreadID, query.SinceID)
		if err != nil {
			return nil, err
		}
		db = db.Where("(messages.created_at > ? OR (messages.created_at = ? AND messages.id > ?))", anchor.CreatedAt, anchor.CreatedAt, anchor.ID)
	}

	var messages []models.Message
	if err := db.Order("messages.created_at DESC").Order("messages.id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Oldest first for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// UpdateBody replaces the body of a message that is still live.
func (r *messageRepository) UpdateBody(ctx context.Context, id uint, update BodyUpdate) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND hard_deleted = ?", id, false).
		Updates(map[string]interface{}{
			"ciphertext":                update.Ciphertext,
			"key_version":               update.KeyVersion,
			"client_ciphertext":         update.ClientCiphertext,
			"client_iv":                 update.ClientIV,
			"client_encryption_version": update.ClientEncryptionVersion,
			"edited_at":                 update.EditedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkHardDeleted tombstones the message and drops its body. Only the first call has an effect.
func (r *messageRepository) MarkHardDeleted(ctx context.Context, id uint, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND hard_deleted = ?", id, false).
		Updates(map[string]interface{}{
			"hard_deleted":      true,
			"ciphertext":        nil,
			"client_ciphertext": nil,
			"client_iv":         nil,
			"pinned":            false,
			"updated_at":        at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *messageRepository) AddDeletion(ctx context.Context, messageID, userID uint) (bool, error) {
	row := models.MessageDeletion{MessageID: messageID, UserID: userID, CreatedAt: time.Now().UTC()}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	return result.RowsAffected > 0, result.Error
}

// ClearHistoryFor removes every message of the thread from the user's view.
func (r *messageRepository) ClearHistoryFor(ctx context.Context, threadID, userID uint) (int, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).Model(&models.Message{}).Where("thread_id = ?", threadID).Pluck("id", &ids).Error; err != nil {
		return 0, err
	}

	cleared := 0
	for _, id := range ids {
		added, err := r.AddDeletion(ctx, id, userID)
		if err != nil {
			return cleared, err
		}
		if added {
			cleared++
		}
	}
	return cleared, nil
}

// ToggleReaction removes the reaction when present and adds it otherwise.
// Each step is a single conditional statement; a lost race retries the opposite step.
func (r *messageRepository) ToggleReaction(ctx context.Context, messageID, userID uint, emoji string) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		removed := r.db.WithContext(ctx).
			Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
			Delete(&models.MessageReaction{})
		if removed.Error != nil {
			return false, removed.Error
		}
		if removed.RowsAffected > 0 {
			return false, nil
		}

		row := models.MessageReaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: time.Now().UTC()}
		inserted := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if inserted.Error != nil {
			return false, inserted.Error
		}
		if inserted.RowsAffected > 0 {
			return true, nil
		}
	}
	return false, ErrConflict
}

// UnreadForeignIDs narrows candidates to unread messages in the thread not sent by the reader.
func (r *messageRepository) UnreadForeignIDs(ctx context.Context, threadID, readerID uint, candidates []uint) ([]uint, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id IN ? AND thread_id = ? AND sender_id <> ? AND is_read = ?", candidates, threadID, readerID, false).
		Order("id ASC").
		Pluck("id", &ids).Error
	return ids, err
}

// MarkRead flips the read flag on foreign unread messages. Already-read messages keep their timestamp.
func (r *messageRepository) MarkRead(ctx context.Context, threadID, readerID uint, messageIDs []uint, at time.Time) ([]uint, error) {
	ids, err := r.UnreadForeignIDs(ctx, threadID, readerID, messageIDs)
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	err = r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id IN ? AND is_read = ?", ids, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at}).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *messageRepository) SetPinned(ctx context.Context, id uint, pinned bool) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND hard_deleted = ?", id, false).
		Update("pinned", pinned)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ExpireDue tombstones disappearing messages whose lifetime has passed.
func (r *messageRepository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("expires_at IS NOT NULL AND expires_at <= ? AND hard_deleted = ?", now, false).
		Updates(map[string]interface{}{
			"hard_deleted":      true,
			"ciphertext":        nil,
			"client_ciphertext": nil,
			"client_iv":         nil,
			"updated_at":        now,
		})
	return result.RowsAffected, result.Error
}
