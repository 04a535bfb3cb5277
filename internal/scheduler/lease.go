package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease elects one instance to run a job tick.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

const leaseKeyPrefix = "enroll:lease:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLease struct {
	client *redis.Client
	owner  string
}

func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client, owner: uuid.NewString()}
}

func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, leaseKeyPrefix+name, l.owner, ttl).Result()
}

// Release only deletes the key while this instance still owns it.
func (l *RedisLease) Release(ctx context.Context, name string) error {
	return releaseScript.Run(ctx, l.client, []string{leaseKeyPrefix + name}, l.owner).Err()
}

// LocalLease always grants. Used when no Redis is configured.
type LocalLease struct{}

func (LocalLease) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }

func (LocalLease) Release(context.Context, string) error { return nil }
