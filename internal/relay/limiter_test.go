package relay_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduflow/platform/mediaupload/internal/relay"
)

// counterRedis keeps INCR counters and TTLs in memory. Commands it does not
// override panic through the nil embedded Cmdable.
type counterRedis struct {
	redis.Cmdable
	counts    map[string]int64
	ttls      map[string]time.Duration
	expireErr error
}

func newCounterRedis() *counterRedis {
	return &counterRedis{counts: map[string]int64{}, ttls: map[string]time.Duration{}}
}

func (c *counterRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	c.counts[key]++
	return redis.NewIntResult(c.counts[key], nil)
}

func (c *counterRedis) Expire(_ context.Context, key string, d time.Duration) *redis.BoolCmd {
	if c.expireErr != nil {
		return redis.NewBoolResult(false, c.expireErr)
	}
	c.ttls[key] = d
	return redis.NewBoolResult(true, nil)
}

func (c *counterRedis) TTL(_ context.Context, key string) *redis.DurationCmd {
	if d, ok := c.ttls[key]; ok {
		return redis.NewDurationResult(d, nil)
	}
	return redis.NewDurationResult(-1, nil)
}

func TestRedisLimiterCountsWithinWindow(t *testing.T) {
	rdb := newCounterRedis()
	l := relay.NewRedisLimiter(rdb, 2, 30*time.Second)
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		ok, err := l.Allow(ctx, "status:10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, want, ok, "request %d", i+1)
	}
	assert.Equal(t, 30*time.Second, rdb.ttls["rate:status:10.0.0.1"])
}

func TestRedisLimiterReportsExpireFailure(t *testing.T) {
	rdb := newCounterRedis()
	rdb.expireErr = errors.New("connection reset")
	l := relay.NewRedisLimiter(rdb, 2, 30*time.Second)

	_, err := l.Allow(context.Background(), "status:10.0.0.1")
	assert.ErrorIs(t, err, rdb.expireErr)
}

func TestRedisLimiterRestoresLostWindow(t *testing.T) {
	rdb := newCounterRedis()
	rdb.counts["rate:status:10.0.0.1"] = 5
	l := relay.NewRedisLimiter(rdb, 2, 30*time.Second)

	ok, err := l.Allow(context.Background(), "status:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, rdb.ttls["rate:status:10.0.0.1"])
}
