package redis

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis holds the per-auction settlement lock. The lock only arbitrates
// which settlement attempt proceeds; the unique order constraint in the
// store is the correctness backstop if the lock expires mid-attempt.
type Redis struct {
	Client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{Client: client}
}

// getSettlementLockTTL returns the lock TTL from the environment or the
// default. The TTL exists so a crashed settlement attempt cannot wedge an
// auction forever.
func (r *Redis) getSettlementLockTTL() time.Duration {
	defaultTTL := 2 * time.Minute

	ttlStr := os.Getenv("SETTLEMENT_LOCK_TTL_SECONDS")
	if ttlStr == "" {
		return defaultTTL
	}

	ttlSec, err := strconv.Atoi(ttlStr)
	if err != nil || ttlSec <= 0 {
		return defaultTTL
	}
	return time.Duration(ttlSec) * time.Second
}

// LockSettlement attempts to become the exclusive settlement attempt for an
// auction. Returns false when another attempt already holds the lock, which
// callers treat as a safe no-op.
func (r *Redis) LockSettlement(ctx context.Context, auctionID, attemptID string) (bool, error) {
	key := settlementKey(auctionID)
	return r.Client.SetNX(ctx, key, attemptID, r.getSettlementLockTTL()).Result()
}

// UnlockSettlement releases the lock only if this attempt still owns it.
func (r *Redis) UnlockSettlement(ctx context.Context, auctionID, attemptID string) error {
	key := settlementKey(auctionID)
	val, err := r.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil // already expired
	}
	if err != nil {
		return err
	}
	if val == attemptID {
		_, err := r.Client.Del(ctx, key).Result()
		return err
	}
	return nil
}

func settlementKey(auctionID string) string {
	return fmt.Sprintf("settlement_lock:%s", auctionID)
}
