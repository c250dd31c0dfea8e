package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DecisionLock serializes concurrent decisions on one trainer booking (double clicks, mail
// scanners following links).
type DecisionLock struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewDecisionLock(client *redis.Client, ttl time.Duration) *DecisionLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &DecisionLock{Client: client, TTL: ttl}
}

func decisionKey(bookingID string) string {
	return "trainer_decision:" + bookingID
}

// Acquire takes the lock for bookingID on behalf of owner. It returns false when someone
// else holds it.
func (l *DecisionLock) Acquire(ctx context.Context, bookingID, owner string) (bool, error) {
	ok, err := l.Client.SetNX(ctx, decisionKey(bookingID), owner, l.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire decision lock %s: %w", bookingID, err)
	}
	return ok, nil
}

// Release drops the lock if owner still holds it. An expired or foreign lock is left alone.
func (l *DecisionLock) Release(ctx context.Context, bookingID, owner string) error {
	if err := releaseScript.Run(ctx, l.Client, []string{decisionKey(bookingID)}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release decision lock %s: %w", bookingID, err)
	}
	return nil
}
