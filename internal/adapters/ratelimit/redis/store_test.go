package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, "test:"), mr
}

func bucketSpecs(hourly, daily int64) []domain.BucketSpec {
	return []domain.BucketSpec{
		{Key: "key-1", Type: "hourly", Limit: hourly, Period: time.Hour},
		{Key: "key-1", Type: "daily", Limit: daily, Period: 24 * time.Hour},
	}
}

func TestStore_ConsumeAllOrNothing(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		res, err := store.Consume(ctx, bucketSpecs(3, 100), now)
		require.NoError(t, err)
		require.True(t, res.Admitted, "request %d", i)
	}

	res, err := store.Consume(ctx, bucketSpecs(3, 100), now)
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.True(t, res.Buckets[0].Exhausted())
	assert.Equal(t, int64(3), res.Buckets[1].Count)

	daily, err := store.Count(ctx, bucketSpecs(3, 100)[1])
	require.NoError(t, err)
	assert.Equal(t, int64(3), daily, "rejected call must not consume the daily bucket")
}

func TestStore_ConsumeRollsWindow(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Truncate(time.Millisecond)
	one := []domain.BucketSpec{{Key: "key-1", Type: "hourly", Limit: 1, Period: time.Hour}}

	res, err := store.Consume(ctx, one, start)
	require.NoError(t, err)
	require.True(t, res.Admitted)
	assert.Equal(t, start.Add(time.Hour).UnixMilli(), res.Buckets[0].ResetTime.UnixMilli())

	res, err = store.Consume(ctx, one, start.Add(10*time.Minute))
	require.NoError(t, err)
	require.False(t, res.Admitted)

	res, err = store.Consume(ctx, one, start.Add(150*time.Minute))
	require.NoError(t, err)
	require.True(t, res.Admitted)
	assert.Equal(t, start.Add(3*time.Hour).UnixMilli(), res.Buckets[0].ResetTime.UnixMilli())
	assert.Equal(t, int64(1), res.Buckets[0].Count)
}

func TestStore_ConsumeConcurrent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Consume(ctx, bucketSpecs(7, 1000), now)
			if assert.NoError(t, err) && res.Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(7), admitted.Load())
}

func TestStore_BucketKeyHashTag(t *testing.T) {
	store := NewWithClient(nil, "rl:")

	assert.Equal(t, "rl:{key-1}:hourly", store.bucketKey(domain.BucketSpec{Key: "key-1", Type: "hourly"}))
	assert.Equal(t, "rl:{key-1}:writes:window", store.bucketKey(domain.BucketSpec{Key: "key-1|writes", Type: "window"}))
}

func TestStore_Unavailable(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	_, err := store.Consume(context.Background(), bucketSpecs(1, 1), time.Now())
	assert.Error(t, err)
}
