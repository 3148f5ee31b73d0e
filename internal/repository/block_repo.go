package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/threadline/internal/models"
)

// BlockRepository persists directed block, mute and restrict relations.
type BlockRepository interface {
	Create(ctx context.Context, userID, restrictedID uint, kind models.BlockKind) (bool, error)
	Delete(ctx context.Context, userID, restrictedID uint, kind models.BlockKind) (bool, error)
	Exists(ctx context.Context, userID, restrictedID uint, kind models.BlockKind) (bool, error)
	HoldersAgainst(ctx context.Context, restrictedID uint, candidates []uint, kind models.BlockKind) ([]uint, error)
	ListByUser(ctx context.Context, userID uint) ([]models.BlockRelation, error)
}

type blockRepository struct {
	db *gorm.DB
}

// NewBlockRepository constructs a block repository backed by GORM.
func NewBlockRepository(db *gorm.DB) BlockRepository {
	return &blockRepository{db: db}
}

func (r *blockRepository) Create(ctx context.Context, userID, restrictedID uint, kind models.BlockKind) (bool, error) {
	row := models.BlockRelation{UserID: userID, RestrictedUserID: restrictedID, Kind: kind, CreatedAt: time.Now().UTC()}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	return result.RowsAffected > 0, result.Error
}

func (r *blockRepository) Delete(ctx context.Context, userID, restrictedID uint, kind models.BlockKind) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND restricted_user_id = ? AND kind = ?", userID, restrictedID, kind).
		Delete(&models.BlockRelation{})
	return result.RowsAffected > 0, result.Error
}

func (r *blockRepository) Exists(ctx context.Context, userID, restrictedID uint, kind models.BlockKind) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.BlockRelation{}).
		Where("user_id = ? AND restricted_user_id = ? AND kind = ?", userID, restrictedID, kind).
		Count(&count).Error
	return count > 0, err
}

// HoldersAgainst returns the candidates that hold a relation of the given kind against restrictedID.
func (r *blockRepository) HoldersAgainst(ctx context.Context, restrictedID uint, candidates []uint, kind models.BlockKind) ([]uint, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.BlockRelation{}).
		Where("restricted_user_id = ? AND kind = ? AND user_id IN ?", restrictedID, kind, candidates).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

func (r *blockRepository) ListByUser(ctx context.Context, userID uint) ([]models.BlockRelation, error) {
	var relations []models.BlockRelation
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&relations).Error
	return relations, err
}
