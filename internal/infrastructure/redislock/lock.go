package redislock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token, so a
// lease that expired and was taken by another replica is never released here.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a best-effort lease on a Redis key. One Lock value represents one
// owner; use a Lock per process.
type Lock struct {
	Client *redis.Client
	token  string
}

func New(client *redis.Client) *Lock {
	return &Lock{Client: client, token: uuid.NewString()}
}

// TryLock takes the lease if nobody holds it. It does not block.
func (l *Lock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.Client.SetNX(ctx, key, l.token, ttl).Result()
}

// Unlock releases the lease if this owner still holds it.
func (l *Lock) Unlock(ctx context.Context, key string) error {
	err := releaseScript.Run(ctx, l.Client, []string{key}, l.token).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}
