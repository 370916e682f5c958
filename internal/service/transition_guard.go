package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// transitionScript moves the status field of KEYS[1] from ARGV[1] to ARGV[2]
// and stamps the transition time. A missing key means no process has claimed
// a transition yet and counts as a match.
var transitionScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if current and current ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'at', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RedisTransitionGuard is a compare-and-swap on a per-session status hash, so
// several server processes agree on one winning transition and can see the
// lifecycle another process already moved the session to.
type RedisTransitionGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisTransitionGuard(rdb *redis.Client, ttl time.Duration) *RedisTransitionGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTransitionGuard{rdb: rdb, ttl: ttl}
}

// Transition implements TransitionGuard.
func (g *RedisTransitionGuard) Transition(ctx context.Context, sessionID string, from, to model.SessionStatus, at time.Time) (bool, error) {
	key := config.CacheKey.SessionStatusKey(sessionID)
	won, err := transitionScript.Run(ctx, g.rdb, []string{key},
		string(from), string(to), at.UnixMilli(), int(g.ttl.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("status cas %s: %w", key, err)
	}
	return won == 1, nil
}

// Lookup implements TransitionGuard.
func (g *RedisTransitionGuard) Lookup(ctx context.Context, sessionID string) (GuardRecord, bool, error) {
	key := config.CacheKey.SessionStatusKey(sessionID)
	fields, err := g.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return GuardRecord{}, false, fmt.Errorf("status lookup %s: %w", key, err)
	}
	status, ok := fields["status"]
	if !ok {
		return GuardRecord{}, false, nil
	}

	rec := GuardRecord{Status: model.SessionStatus(status)}
	if raw, ok := fields["at"]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return GuardRecord{}, false, fmt.Errorf("status lookup %s: bad time %q: %w", key, raw, err)
		}
		rec.At = time.UnixMilli(ms).UTC()
	}
	return rec, true, nil
}
