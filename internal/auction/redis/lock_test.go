package redis_test

import (
	"context"
	"testing"
	"time"

	auctionredis "ms-bidding/internal/auction/redis"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLock(t *testing.T) (*auctionredis.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return auctionredis.NewRedis(client), mr
}

func TestLockSettlement_Exclusive(t *testing.T) {
	lock, _ := setupLock(t)
	ctx := context.Background()

	ok, err := lock.LockSettlement(ctx, "auction-1", "attempt-a")
	require.NoError(t, err)
	assert.True(t, ok)

	// A second attempt on the same auction is refused while the lock is held.
	ok, err = lock.LockSettlement(ctx, "auction-1", "attempt-b")
	require.NoError(t, err)
	assert.False(t, ok)

	// Other auctions are unaffected.
	ok, err = lock.LockSettlement(ctx, "auction-2", "attempt-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnlockSettlement_OwnerOnly(t *testing.T) {
	lock, _ := setupLock(t)
	ctx := context.Background()

	ok, err := lock.LockSettlement(ctx, "auction-1", "attempt-a")
	require.NoError(t, err)
	require.True(t, ok)

	// A non-owner unlock is a silent no-op; the lock stays held.
	require.NoError(t, lock.UnlockSettlement(ctx, "auction-1", "attempt-b"))
	ok, err = lock.LockSettlement(ctx, "auction-1", "attempt-c")
	require.NoError(t, err)
	assert.False(t, ok)

	// The owner releases it and the next attempt can acquire.
	require.NoError(t, lock.UnlockSettlement(ctx, "auction-1", "attempt-a"))
	ok, err = lock.LockSettlement(ctx, "auction-1", "attempt-c")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnlockSettlement_AfterExpiry(t *testing.T) {
	lock, mr := setupLock(t)
	ctx := context.Background()

	ok, err := lock.LockSettlement(ctx, "auction-1", "attempt-a")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(3 * time.Minute)

	// Unlocking an expired lock is not an error.
	require.NoError(t, lock.UnlockSettlement(ctx, "auction-1", "attempt-a"))

	ok, err = lock.LockSettlement(ctx, "auction-1", "attempt-b")
	require.NoError(t, err)
	assert.True(t, ok)
}
