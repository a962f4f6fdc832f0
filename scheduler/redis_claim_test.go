package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisClaimer(t *testing.T, ttl time.Duration) (*RedisClaimer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisClaimer(client, "test:claim", ttl, testLogger()), mr
}

func TestRedisClaimerExclusive(t *testing.T) {
	c, mr := newTestRedisClaimer(t, time.Minute)
	ctx := context.Background()
	slot := at(10, 5)

	release, ok, err := c.Claim(ctx, 7, slot)
	require.NoError(t, err)
	require.True(t, ok)

	key := c.key(7, slot)
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))

	_, ok, err = c.Claim(ctx, 7, slot)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	assert.False(t, mr.Exists(key))

	_, ok, err = c.Claim(ctx, 7, slot)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisClaimerReleaseKeepsForeignClaim(t *testing.T) {
	c, mr := newTestRedisClaimer(t, time.Minute)
	slot := at(10, 5)

	release, ok, err := c.Claim(context.Background(), 7, slot)
	require.NoError(t, err)
	require.True(t, ok)

	key := c.key(7, slot)
	mr.Set(key, "someone-else")
	release()

	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisClaimerUnavailable(t *testing.T) {
	c, mr := newTestRedisClaimer(t, time.Minute)
	mr.Close()

	_, ok, err := c.Claim(context.Background(), 7, at(10, 5))
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, IsStoreError(err))
}

func TestSchedulerWithRedisClaims(t *testing.T) {
	c, _ := newTestRedisClaimer(t, time.Minute)
	task := messageTask(1, "0 */5 * * * *")
	task.LastExecution = timePtr(at(10, 0))
	store := newMemStore(task)
	gw := &fakeGateway{}
	s := newTestScheduler(store, gw, &manualClock{}, c, Options{})
	require.NoError(t, s.cache.Load(context.Background()))

	s.CatchUp(at(10, 12))
	assertSlots(t, []time.Time{at(10, 5), at(10, 10)}, slotsOf(store.executions(1)))
	assert.Len(t, gw.sent(), 2)
}
