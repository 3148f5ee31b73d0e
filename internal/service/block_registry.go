package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/threadline/internal/models"
	"github.com/noah-isme/threadline/internal/repository"
)

const defaultBlockCacheTTL = time.Minute

// BlockRegistry answers who restricts whom. Only the block kind gates messaging;
// mute and restrict are stored for clients but never deny an action.
type BlockRegistry interface {
	IsBlocked(ctx context.Context, a, b uint) (bool, error)
	HasBlocked(ctx context.Context, blocker, blocked uint) (bool, error)
	BlockersOf(ctx context.Context, sender uint, recipients []uint) ([]uint, error)
	Block(ctx context.Context, blocker, blocked uint, kind models.BlockKind) (bool, error)
	Unblock(ctx context.Context, blocker, blocked uint, kind models.BlockKind) (bool, error)
	List(ctx context.Context, userID uint) ([]models.BlockRelation, error)
}

type blockRegistry struct {
	repo     repository.BlockRepository
	redis    *redis.Client
	prefix   string
	cacheTTL time.Duration
	logger   zerolog.Logger
}

// NewBlockRegistry creates a registry over the block repository. A nil redis client disables caching.
func NewBlockRegistry(repo repository.BlockRepository, redisClient *redis.Client, channelBase string, cacheTTL time.Duration, logger zerolog.Logger) BlockRegistry {
	if cacheTTL <= 0 {
		cacheTTL = defaultBlockCacheTTL
	}
	prefix := ""
	if channelBase != "" {
		prefix = channelBase + ":blocks"
	}
	return &blockRegistry{
		repo:     repo,
		redis:    redisClient,
		prefix:   prefix,
		cacheTTL: cacheTTL,
		logger:   logger.With().Str("component", "block_registry").Logger(),
	}
}

func (r *blockRegistry) cacheKey(blocker, blocked uint) string {
	return fmt.Sprintf("%s:%d:%d", r.prefix, blocker, blocked)
}

func (r *blockRegistry) cacheEnabled() bool {
	return r.redis != nil && r.prefix != ""
}

func (r *blockRegistry) IsBlocked(ctx context.Context, a, b uint) (bool, error) {
	blocked, err := r.HasBlocked(ctx, a, b)
	if err != nil || blocked {
		return blocked, err
	}
	return r.HasBlocked(ctx, b, a)
}

func (r *blockRegistry) HasBlocked(ctx context.Context, blocker, blocked uint) (bool, error) {
	if blocker == blocked {
		return false, nil
	}

	if r.cacheEnabled() {
		cached, err := r.redis.Get(ctx, r.cacheKey(blocker, blocked)).Result()
		switch {
		case err == nil:
			return cached == "1", nil
		case err != redis.Nil:
			r.logger.Warn().Err(err).Msg("block cache read failed")
		}
	}

	exists, err := r.repo.Exists(ctx, blocker, blocked, models.BlockKindBlock)
	if err != nil {
		return false, classify(err, "block relation")
	}

	// Only blocks are cached. A cached miss could be written after a
	// concurrent Block has invalidated the key and would hide the block.
	if exists && r.cacheEnabled() {
		if err := r.redis.Set(ctx, r.cacheKey(blocker, blocked), "1", r.cacheTTL).Err(); err != nil {
			r.logger.Warn().Err(err).Msg("block cache write failed")
		}
	}
	return exists, nil
}

// BlockersOf returns the recipients that have blocked the sender.
func (r *blockRegistry) BlockersOf(ctx context.Context, sender uint, recipients []uint) ([]uint, error) {
	candidates := make([]uint, 0, len(recipients))
	for _, id := range recipients {
		if id != sender {
			candidates = append(candidates, id)
		}
	}
	holders, err := r.repo.HoldersAgainst(ctx, sender, candidates, models.BlockKindBlock)
	if err != nil {
		return nil, classify(err, "block relation")
	}
	return holders, nil
}

func (r *blockRegistry) Block(ctx context.Context, blocker, blocked uint, kind models.BlockKind) (bool, error) {
	if blocker == blocked {
		return false, invalid("cannot restrict yourself")
	}
	if !kind.Valid() {
		return false, invalid("unknown restriction kind %q", kind)
	}
	created, err := r.repo.Create(ctx, blocker, blocked, kind)
	if err != nil {
		return false, classify(err, "block relation")
	}
	r.invalidate(ctx, blocker, blocked, kind)
	return created, nil
}

func (r *blockRegistry) Unblock(ctx context.Context, blocker, blocked uint, kind models.BlockKind) (bool, error) {
	if !kind.Valid() {
		return false, invalid("unknown restriction kind %q", kind)
	}
	removed, err := r.repo.Delete(ctx, blocker, blocked, kind)
	if err != nil {
		return false, classify(err, "block relation")
	}
	r.invalidate(ctx, blocker, blocked, kind)
	return removed, nil
}

func (r *blockRegistry) List(ctx context.Context, userID uint) ([]models.BlockRelation, error) {
	relations, err := r.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, classify(err, "block relation")
	}
	return relations, nil
}

func (r *blockRegistry) invalidate(ctx context.Context, blocker, blocked uint, kind models.BlockKind) {
	if kind != models.BlockKindBlock || !r.cacheEnabled() {
		return
	}
	if err := r.redis.Del(ctx, r.cacheKey(blocker, blocked)).Err(); err != nil {
		r.logger.Warn().Err(err).Msg("block cache invalidation failed")
	}
}
