package storage

import (
	"context"
	"time"

	"workflow-collab-api/internal/realtime"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the presence mirror connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, c RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis %s", c.Addr)
	}
	return rdb, nil
}

// presence key: collab:presence:<userId>
// Hash of sessionId -> nodeId; the TTL bounds how long a crashed node's
// sessions stay visible.
func presenceKey(userID string) string { return "collab:presence:" + userID }

// RedisPresence mirrors local sessions into Redis so any node can answer
// "is this user online, and where". It implements realtime.SessionObserver.
type RedisPresence struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisPresence(rdb *redis.Client, nodeID string, ttl time.Duration, log *zap.Logger) *RedisPresence {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisPresence{rdb: rdb, nodeID: nodeID, ttl: ttl, log: log}
}

func (p *RedisPresence) SessionOpened(ctx context.Context, s *realtime.Session) {
	key := presenceKey(s.Identity().UserID)
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, s.ID(), p.nodeID)
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		p.log.Warn("presence online", zap.String("sessionId", s.ID()), zap.Error(err))
	}
}

func (p *RedisPresence) SessionClosed(ctx context.Context, s *realtime.Session, reason string) {
	if err := p.rdb.HDel(ctx, presenceKey(s.Identity().UserID), s.ID()).Err(); err != nil {
		p.log.Warn("presence offline",
			zap.String("sessionId", s.ID()),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

// SessionsAlive re-asserts every live session and renews the TTLs.
func (p *RedisPresence) SessionsAlive(ctx context.Context, sessions []*realtime.Session) {
	if len(sessions) == 0 {
		return
	}
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		renewed := make(map[string]struct{}, len(sessions))
		for _, s := range sessions {
			key := presenceKey(s.Identity().UserID)
			pipe.HSet(ctx, key, s.ID(), p.nodeID)
			if _, ok := renewed[key]; !ok {
				pipe.Expire(ctx, key, p.ttl)
				renewed[key] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		p.log.Warn("presence refresh", zap.Int("sessions", len(sessions)), zap.Error(err))
	}
}

// Lookup returns the sessions of userID across all nodes as sessionId -> nodeId.
// An offline user yields an empty map.
func (p *RedisPresence) Lookup(ctx context.Context, userID string) (map[string]string, error) {
	sessions, err := p.rdb.HGetAll(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lookup presence of %s", userID)
	}
	return sessions, nil
}
