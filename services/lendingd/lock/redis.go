// Package lock provides a Redis-backed loans.Locker for daemons running more
// than one replica against a shared ledger.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL   = 30 * time.Second
	defaultRetry = 25 * time.Millisecond
)

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options tunes the lock. Zero values take the defaults.
type Options struct {
	Prefix string
	TTL    time.Duration
	Retry  time.Duration
}

// Redis acquires per-key locks with SET NX PX. The TTL bounds how long a
// crashed holder can block a loan.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

func NewRedis(client redis.UniversalClient, opts Options, logger *slog.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("lock: redis client required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Redis{
		client: client,
		prefix: strings.TrimSpace(opts.Prefix),
		ttl:    opts.TTL,
		retry:  opts.Retry,
		logger: logger,
	}
	if l.prefix == "" {
		l.prefix = "sodium:loan-lock:"
	}
	if l.ttl <= 0 {
		l.ttl = defaultTTL
	}
	if l.retry <= 0 {
		l.retry = defaultRetry
	}
	return l, nil
}

// Key returns the Redis key guarding key.
func (l *Redis) Key(key common.Hash) string {
	return l.prefix + key.Hex()
}

// Lock blocks until the key is acquired, ctx is done or Redis fails.
func (l *Redis) Lock(ctx context.Context, key common.Hash) (func(), error) {
	name := l.Key(key)
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("lock: acquire %s: %w", name, err)
		}
		if ok {
			return l.unlocker(name, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Redis) unlocker(name, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{name}, token).Err(); err != nil {
			l.logger.Warn("loan lock release failed", "key", name, "error", err)
		}
	}
}
