package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, "hydrodl:token", capacity, refill, time.Minute)
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2, 0)

	allowed, _, err := bucket.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, allowed, "first token")

	allowed, _, _ = bucket.Allow(ctx)
	assert.True(t, allowed, "second token")

	allowed, _, _ = bucket.Allow(ctx)
	assert.False(t, allowed, "third token must be rejected")
}

func TestTokenBucketWaitHonoursContext(t *testing.T) {
	bucket := newBucket(t, 1, 0)
	require.NoError(t, bucket.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := bucket.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucketWaitRefills(t *testing.T) {
	// Refill uses Go's clock, so a fast refill rate lets Wait succeed in real time.
	bucket := newBucket(t, 1, 50)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bucket.Wait(ctx))
	require.NoError(t, bucket.Wait(ctx))
}

func TestLocalLimiter(t *testing.T) {
	var l Limiter = NewLocal(1000, 0)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, Unlimited{}.Wait(ctx))
}
