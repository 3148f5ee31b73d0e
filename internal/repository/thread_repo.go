package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/threadline/internal/models"
)

// ThreadRepository persists threads together with their membership, admin and flag sets.
// Set mutations are single-element and idempotent; they report whether anything changed.
type ThreadRepository interface {
	Create(ctx context.Context, thread *models.Thread, participantIDs, adminIDs []uint) error
	Get(ctx context.Context, id uint) (models.Thread, error)
	FindDirect(ctx context.Context, directKey string) (models.Thread, error)
	ListForUser(ctx context.Context, userID uint, limit, offset int) ([]models.Thread, error)
	SearchGroups(ctx context.Context, userID uint, query string, limit int) ([]models.Thread, error)
	TransitionStatus(ctx context.Context, id uint, from []models.ThreadStatus, to models.ThreadStatus) (bool, error)
	UpdateFields(ctx context.Context, id uint, fields map[string]interface{}) error
	SetPrimaryAdmin(ctx context.Context, id uint, userID *uint) error
	AddParticipant(ctx context.Context, threadID, userID uint, joinedAt time.Time) (bool, error)
	RemoveParticipant(ctx context.Context, threadID, userID uint) (bool, error)
	AddAdmin(ctx context.Context, threadID, userID uint, at time.Time) (bool, error)
	RemoveAdmin(ctx context.Context, threadID, userID uint) (bool, error)
	ClearAdmins(ctx context.Context, threadID uint) error
	AddFlag(ctx context.Context, threadID, userID uint, flag models.ThreadFlag) (bool, error)
	RemoveFlag(ctx context.Context, threadID, userID uint, flag models.ThreadFlag) (bool, error)
	Touch(ctx context.Context, id uint, at time.Time) error
	UnreadCounts(ctx context.Context, userID uint, threadIDs []uint, now time.Time) (map[uint]int64, error)
	Delete(ctx context.Context, id uint) error
}

type threadRepository struct {
	db *gorm.DB
}

// NewThreadRepository constructs a thread repository backed by GORM.
func NewThreadRepository(db *gorm.DB) ThreadRepository {
	return &threadRepository{db: db}
}

func preloadThread(db *gorm.DB) *gorm.DB {
	return db.Preload("Participants").Preload("Admins").Preload("Flags")
}

func (r *threadRepository) Create(ctx context.Context, thread *models.Thread, participantIDs, adminIDs []uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(thread).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}

		joined := thread.CreatedAt
		if joined.IsZero() {
			joined = time.Now().UTC()
		}
		for i, userID := range participantIDs {
			// Offsets keep join order stable for ownership succession.
			row := models.ThreadParticipant{ThreadID: thread.ID, UserID: userID, JoinedAt: joined.Add(time.Duration(i) * time.Microsecond)}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		for i, userID := range adminIDs {
			row := models.ThreadAdmin{ThreadID: thread.ID, UserID: userID, CreatedAt: joined.Add(time.Duration(i) * time.Microsecond)}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
		}

		return preloadThread(tx).First(thread, thread.ID).Error
	})
}

func (r *threadRepository) Get(ctx context.Context, id uint) (models.Thread, error) {
	var thread models.Thread
	if err := preloadThread(r.db.WithContext(ctx)).First(&thread, id).Error; err != nil {
		return models.Thread{}, err
	}
	return thread, nil
}

func (r *threadRepository) FindDirect(ctx context.Context, directKey string) (models.Thread, error) {
	var thread models.Thread
	err := preloadThread(r.db.WithContext(ctx)).
		Where("is_group = ? AND direct_key = ?", false, directKey).
		First(&thread).Error
	if err != nil {
		return models.Thread{}, err
	}
	return thread, nil
}

func (r *threadRepository) ListForUser(ctx context.Context, userID uint, limit, offset int) ([]models.Thread, error) {
	limit = normalizeLimit(limit, 50, 100)
	if offset < 0 {
		offset = 0
	}

	var threads []models.Thread
	err := preloadThread(r.db.WithContext(ctx)).
		Joins("JOIN thread_participants tp ON tp.thread_id = threads.id AND tp.user_id = ?", userID).
		Where("threads.status <> ?", models.ThreadStatusArchived).
		Where("NOT EXISTS (SELECT 1 FROM thread_user_flags f WHERE f.thread_id = threads.id AND f.user_id = ? AND f.flag IN ?)",
			userID, []string{string(models.ThreadFlagHidden), string(models.ThreadFlagDeleted)}).
		Order("threads.updated_at DESC").
		Order("threads.id DESC").
		Limit(limit).
		Offset(offset).
		Find(&threads).Error
	if err != nil {
		return nil, err
	}
	return threads, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *threadRepository) SearchGroups(ctx context.Context, userID uint, query string, limit int) ([]models.Thread, error) {
	limit = normalizeLimit(limit, 20, 50)
	pattern := "%" + likeEscaper.Replace(strings.ToLower(strings.TrimSpace(query))) + "%"

	var threads []models.Thread
	err := preloadThread(r.db.WithContext(ctx)).
		Where("threads.is_group = ?", true).
		Where(`threads.group_name_key LIKE ? ESCAPE '\'`, pattern).
		Where(`(NOT EXISTS (SELECT 1 FROM thread_participants tp WHERE tp.thread_id = threads.id AND tp.user_id = ?)
			OR EXISTS (SELECT 1 FROM thread_user_flags f WHERE f.thread_id = threads.id AND f.user_id = ? AND f.flag = ?))`,
			userID, userID, string(models.ThreadFlagHidden)).
		Order("threads.updated_at DESC").
		Limit(limit).
		Find(&threads).Error
	if err != nil {
		return nil, err
	}
	return threads, nil
}

// TransitionStatus moves the thread to a new status only when its current status is one of from.
func (r *threadRepository) TransitionStatus(ctx context.Context, id uint, from []models.ThreadStatus, to models.ThreadStatus) (bool, error) {
	states := make([]string, 0, len(from))
	for _, status := range from {
		states = append(states, string(status))
	}

	result := r.db.WithContext(ctx).Model(&models.Thread{}).
		Where("id = ? AND status IN ?", id, states).
		Update("status", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *threadRepository) UpdateFields(ctx context.Context, id uint, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Model(&models.Thread{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *threadRepository) SetPrimaryAdmin(ctx context.Context, id uint, userID *uint) error {
	return r.db.WithContext(ctx).Model(&models.Thread{}).Where("id = ?", id).Update("primary_admin_id", userID).Error
}

func (r *threadRepository) AddParticipant(ctx context.Context, threadID, userID uint, joinedAt time.Time) (bool, error) {
	row := models.ThreadParticipant{ThreadID: threadID, UserID: userID, JoinedAt: joinedAt}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	return result.RowsAffected > 0, result.Error
}

func (r *threadRepository) RemoveParticipant(ctx context.Context, threadID, userID uint) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("thread_id = ? AND user_id = ?", threadID, userID).
		Delete(&models.ThreadParticipant{})
	return result.RowsAffected > 0, result.Error
}

func (r *threadRepository) AddAdmin(ctx context.Context, threadID, userID uint, at time.Time) (bool, error) {
	row := models.ThreadAdmin{ThreadID: threadID, UserID: userID, CreatedAt: at}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	return result.RowsAffected > 0, result.Error
}

func (r *threadRepository) RemoveAdmin(ctx context.Context, threadID, userID uint) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("thread_id = ? AND user_id = ?", threadID, userID).
		Delete(&models.ThreadAdmin{})
	return result.RowsAffected > 0, result.Error
}

func (r *threadRepository) ClearAdmins(ctx context.Context, threadID uint) error {
	return r.db.WithContext(ctx).Where("thread_id = ?", threadID).Delete(&models.ThreadAdmin{}).Error
}

func (r *threadRepository) AddFlag(ctx context.Context, threadID, userID uint, flag models.ThreadFlag) (bool, error) {
	row := models.ThreadUserFlag{ThreadID: threadID, UserID: userID, Flag: flag, CreatedAt: time.Now().UTC()}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	return result.RowsAffected > 0, result.Error
}

func (r *threadRepository) RemoveFlag(ctx context.Context, threadID, userID uint, flag models.ThreadFlag) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("thread_id = ? AND user_id = ? AND flag = ?", threadID, userID, flag).
		Delete(&models.ThreadUserFlag{})
	return result.RowsAffected > 0, result.Error
}

func (r *threadRepository) Touch(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Thread{}).Where("id = ?", id).UpdateColumn("updated_at", at).Error
}

func (r *threadRepository) UnreadCounts(ctx context.Context, userID uint, threadIDs []uint, now time.Time) (map[uint]int64, error) {
	counts := make(map[uint]int64, len(threadIDs))
	if len(threadIDs) == 0 {
		return counts, nil
	}

	type row struct {
		ThreadID uint
		Total    int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Select("thread_id, COUNT(*) AS total").
		Where("thread_id IN ?", threadIDs).
		Where("sender_id <> ? AND is_read = ? AND hard_deleted = ?", userID, false, false).
		Where("(expires_at IS NULL OR expires_at > ?)", now).
		Where("NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = messages.id AND d.user_id = ?)", userID).
		Group("thread_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, item := range rows {
		counts[item.ThreadID] = item.Total
	}
	return counts, nil
}

// Delete removes the thread and everything it owns.
func (r *threadRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		messageIDs := tx.Model(&models.Message{}).Select("id").Where("thread_id = ?", id)
		if err := tx.Where("message_id IN (?)", messageIDs).Delete(&models.MessageReaction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id IN (?)", messageIDs).Delete(&models.MessageDeletion{}).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id IN (?)", messageIDs).Delete(&models.MessageAttachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("thread_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("thread_id = ?", id).Delete(&models.ThreadUserFlag{}).Error; err != nil {
			return err
		}
		if err := tx.Where("thread_id = ?", id).Delete(&models.ThreadAdmin{}).Error; err != nil {
			return err
		}
		if err := tx.Where("thread_id = ?", id).Delete(&models.ThreadParticipant{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.Thread{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}
