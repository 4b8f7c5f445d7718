package lock

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"sodiumcore/native/loans"
)

var _ loans.Locker = (*Redis)(nil)

func TestNewRedisDefaults(t *testing.T) {
	_, err := NewRedis(nil, Options{}, nil)
	require.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = client.Close() })
	l, err := NewRedis(client, Options{Prefix: "  "}, nil)
	require.NoError(t, err)
	require.Equal(t, defaultTTL, l.ttl)
	require.Equal(t, defaultRetry, l.retry)
	require.Equal(t, "sodium:loan-lock:"+common.HexToHash("0x01").Hex(), l.Key(common.HexToHash("0x01")))
}

func TestLockSurfacesUnreachableRedis(t *testing.T) {
	// nothing listens on port 1, so SETNX fails at dial time
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	l, err := NewRedis(client, Options{TTL: time.Second}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	unlock, err := l.Lock(ctx, common.HexToHash("0x02"))
	require.Error(t, err)
	require.Nil(t, unlock)
}
