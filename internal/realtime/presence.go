package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultTypingTTL = 5 * time.Second

// Presence keeps ephemeral typing and online state. Nothing here outlives a
// short liveness window; redis, when configured, shares it across nodes.
type Presence struct {
	mu     sync.Mutex
	typing map[uint]map[uint]time.Time
	online map[uint]int
	ttl    time.Duration
	redis  *redis.Client
	prefix string
	now    func() time.Time
	log    zerolog.Logger
}

// NewPresence creates a tracker. A nil redis client keeps state in memory only.
func NewPresence(ttl time.Duration, redisClient *redis.Client, channelBase string, logger zerolog.Logger) *Presence {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	prefix := ""
	if channelBase != "" {
		prefix = channelBase + ":presence"
	}
	return &Presence{
		typing: make(map[uint]map[uint]time.Time),
		online: make(map[uint]int),
		ttl:    ttl,
		redis:  redisClient,
		prefix: prefix,
		now:    time.Now,
		log:    logger.With().Str("component", "chat_presence").Logger(),
	}
}

func (p *Presence) typingKey(threadID, userID uint) string {
	return fmt.Sprintf("%s:typing:%d:%d", p.prefix, threadID, userID)
}

func (p *Presence) shared() bool {
	return p.redis != nil && p.prefix != ""
}

// Touch records that the user is typing in the thread right now.
func (p *Presence) Touch(ctx context.Context, threadID, userID uint) {
	p.mu.Lock()
	if _, ok := p.typing[threadID]; !ok {
		p.typing[threadID] = make(map[uint]time.Time)
	}
	p.typing[threadID][userID] = p.now()
	p.mu.Unlock()

	if p.shared() {
		if err := p.redis.Set(ctx, p.typingKey(threadID, userID), "1", p.ttl).Err(); err != nil {
			p.log.Debug().Err(err).Msg("failed to share typing state")
		}
	}
}

// Clear drops the user's typing state for the thread.
func (p *Presence) Clear(ctx context.Context, threadID, userID uint) {
	p.mu.Lock()
	if users, ok := p.typing[threadID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(p.typing, threadID)
		}
	}
	p.mu.Unlock()

	if p.shared() {
		if err := p.redis.Del(ctx, p.typingKey(threadID, userID)).Err(); err != nil {
			p.log.Debug().Err(err).Msg("failed to clear shared typing state")
		}
	}
}

// IsTypingFresh reports whether the user touched the thread within the liveness window.
func (p *Presence) IsTypingFresh(ctx context.Context, threadID, userID uint) bool {
	p.mu.Lock()
	at, ok := p.typing[threadID][userID]
	p.mu.Unlock()
	if ok && p.now().Sub(at) <= p.ttl {
		return true
	}

	if p.shared() {
		exists, err := p.redis.Exists(ctx, p.typingKey(threadID, userID)).Result()
		if err != nil {
			p.log.Debug().Err(err).Msg("failed to read shared typing state")
			return false
		}
		return exists > 0
	}
	return false
}

// Connected counts a new connection for the user and returns the open total.
func (p *Presence) Connected(userID uint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]++
	return p.online[userID]
}

// Disconnected releases one connection for the user and returns the open total.
func (p *Presence) Disconnected(userID uint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online[userID] <= 1 {
		delete(p.online, userID)
		return 0
	}
	p.online[userID]--
	return p.online[userID]
}

// IsOnline reports whether the user has an open connection on this node.
func (p *Presence) IsOnline(userID uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID] > 0
}
