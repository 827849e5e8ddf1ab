package handlers

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vineethgoud568-prog/CureMos/internal/redis"
)

const presenceTTL = 24 * time.Hour

// Presence tracks the peers attached to each session topic.
type Presence interface {
	// Join admits peerID unless limit peers are already present.
	Join(ctx context.Context, sessionID, peerID string, limit int) (bool, error)
	Leave(ctx context.Context, sessionID, peerID string) error
	Count(ctx context.Context, sessionID string) (int, error)
}

// RedisPresence keeps one set per session so that every server instance
// sees the same peers.
type RedisPresence struct {
	client *goredis.Client
}

func NewRedisPresence(client *goredis.Client) *RedisPresence {
	return &RedisPresence{client: client}
}

func (p *RedisPresence) Join(ctx context.Context, sessionID, peerID string, limit int) (bool, error) {
	key := redis.PresenceKey(sessionID)

	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, key, peerID)
	card := pipe.SCard(ctx, key)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	if card.Val() > int64(limit) {
		// over the limit, undo our own add
		if err := p.client.SRem(ctx, key, peerID).Err(); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *RedisPresence) Leave(ctx context.Context, sessionID, peerID string) error {
	return p.client.SRem(ctx, redis.PresenceKey(sessionID), peerID).Err()
}

func (p *RedisPresence) Count(ctx context.Context, sessionID string) (int, error) {
	n, err := p.client.SCard(ctx, redis.PresenceKey(sessionID)).Result()
	return int(n), err
}

// MemoryPresence is the single-process Presence.
type MemoryPresence struct {
	mu       sync.Mutex
	sessions map[string]map[string]struct{}
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{sessions: make(map[string]map[string]struct{})}
}

func (p *MemoryPresence) Join(_ context.Context, sessionID, peerID string, limit int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	peers, ok := p.sessions[sessionID]
	if !ok {
		peers = make(map[string]struct{})
		p.sessions[sessionID] = peers
	}
	if _, ok := peers[peerID]; !ok && len(peers) >= limit {
		return false, nil
	}
	peers[peerID] = struct{}{}
	return true, nil
}

func (p *MemoryPresence) Leave(_ context.Context, sessionID, peerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if peers, ok := p.sessions[sessionID]; ok {
		delete(peers, peerID)
		if len(peers) == 0 {
			delete(p.sessions, sessionID)
		}
	}
	return nil
}

func (p *MemoryPresence) Count(_ context.Context, sessionID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions[sessionID]), nil
}
