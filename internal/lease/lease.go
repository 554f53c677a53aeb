// Package lease provides the short-lived mutual exclusion that lets only one replica run a
// poll tick. Correctness never depends on it; it only avoids redundant gateway lookups.
package lease

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

type Lease interface {
	// TryAcquire reports whether the caller holds key for ttl.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Local always acquires. It is used when no Redis is configured.
type Local struct{}

func (Local) TryAcquire(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

type Redis struct {
	client *redis.Client
	prefix string
	owner  string
}

func NewRedis(addr, password string, db int, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	host, _ := os.Hostname()
	return &Redis{
		client: rdb,
		prefix: prefix,
		owner:  host + ":" + strconv.Itoa(os.Getpid()),
	}, nil
}

// TryAcquire sets the key only if it is absent. The lease is never released explicitly;
// it expires after ttl so a crashed holder cannot block the next tick.
func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), r.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(key string) string {
	prefix := strings.TrimRight(r.prefix, ":")
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}
