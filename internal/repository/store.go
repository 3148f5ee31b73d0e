package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/threadline/internal/models"
)

// ErrConflict is returned when a unique constraint rejects a write.
var ErrConflict = errors.New("repository: unique constraint violated")

// Repositories groups the conversation repositories bound to one connection or transaction.
type Repositories struct {
	Threads  ThreadRepository
	Messages MessageRepository
	Blocks   BlockRepository
}

// Store hands out repositories and runs multi-step writes atomically.
type Store interface {
	Repositories() Repositories
	Transaction(ctx context.Context, fn func(repos Repositories) error) error
	// WithThreadLock loads the thread under a row lock and runs fn in the same transaction.
	WithThreadLock(ctx context.Context, threadID uint, fn func(repos Repositories, thread models.Thread) error) error
}

type gormStore struct {
	db *gorm.DB
}

// NewStore constructs a store backed by GORM.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func bind(db *gorm.DB) Repositories {
	return Repositories{
		Threads:  NewThreadRepository(db),
		Messages: NewMessageRepository(db),
		Blocks:   NewBlockRepository(db),
	}
}

func (s *gormStore) Repositories() Repositories {
	return bind(s.db)
}

func (s *gormStore) Transaction(ctx context.Context, fn func(repos Repositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(bind(tx))
	})
}

func (s *gormStore) WithThreadLock(ctx context.Context, threadID uint, fn func(repos Repositories, thread models.Thread) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread models.Thread
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", threadID).
			First(&thread).Error
		if err != nil {
			return err
		}
		if err := preloadThread(tx).First(&thread, thread.ID).Error; err != nil {
			return err
		}
		return fn(bind(tx), thread)
	})
}

// Migrate creates or updates the conversation tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(models.ConversationModels()...)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func normalizeLimit(limit, fallback, max int) int {
	if limit <= 0 || limit > max {
		return fallback
	}
	return limit
}
