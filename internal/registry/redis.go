package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "callsignal:processed:"

// Redis is a registry shared by every agent process of the same user
// (e.g. several devices), so a call answered on one is dropped on the others.
//
// Each entry is a key with a PX expiry equal to the retention, which gives
// bounded growth without a sweeper.
type Redis struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
	timeout   time.Duration
}

func NewRedis(rdb *redis.Client, userID string, retention time.Duration) *Redis {
	if retention <= 0 {
		retention = DefaultRetention(20 * time.Second)
	}
	prefix := defaultKeyPrefix
	if userID != "" {
		prefix = defaultKeyPrefix + userID + ":"
	}
	return &Redis{rdb: rdb, prefix: prefix, retention: retention, timeout: 2 * time.Second}
}

func (r *Redis) key(id string) string { return r.prefix + id }

func (r *Redis) Contains(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.rdb.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("registry: redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Mark(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return ErrEmptyID
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// NX keeps the first mark's timestamp and expiry.
	if err := r.rdb.SetNX(ctx, r.key(id), at.UnixMilli(), r.retention).Err(); err != nil {
		return fmt.Errorf("registry: redis setnx: %w", err)
	}
	return nil
}
