package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const stockKeyPrefix = "stock:"

// putSnapshotScript writes the snapshot only if it is newer than the cached
// one, so out-of-order deliveries never move the cache backwards.
var putSnapshotScript = redis.NewScript(`
local key = KEYS[1]
local version = tonumber(ARGV[1])

local current = redis.call('HGET', key, 'version')
if current and tonumber(current) >= version then
	return 0
end

redis.call('HSET', key,
	'version', ARGV[1],
	'restocked', ARGV[2],
	'reserved', ARGV[3],
	'committed', ARGV[4],
	'available', ARGV[5])

local ttl = tonumber(ARGV[6])
if ttl > 0 then
	redis.call('PEXPIRE', key, ttl)
end

return 1
`)

// RedisSnapshotCache is a read model of per-product availability.
type RedisSnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSnapshotCache builds the cache; ttl of 0 keeps entries forever.
func NewRedisSnapshotCache(client *redis.Client, ttl time.Duration) *RedisSnapshotCache {
	return &RedisSnapshotCache{client: client, ttl: ttl}
}

func (r *RedisSnapshotCache) PutSnapshot(ctx context.Context, snap domain.Availability) error {
	key := stockKeyPrefix + snap.ProductID

	err := putSnapshotScript.Run(ctx, r.client, []string{key},
		snap.Version, snap.Restocked, snap.Reserved, snap.Committed, snap.Available, r.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (r *RedisSnapshotCache) GetSnapshot(ctx context.Context, productID string) (*domain.Availability, error) {
	key := stockKeyPrefix + productID

	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	snap := domain.Availability{ProductID: productID}
	if snap.Version, err = strconv.ParseUint(fields["version"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse snapshot version: %w", err)
	}
	for name, dst := range map[string]*int{
		"restocked": &snap.Restocked,
		"reserved":  &snap.Reserved,
		"committed": &snap.Committed,
		"available": &snap.Available,
	} {
		if *dst, err = strconv.Atoi(fields[name]); err != nil {
			return nil, fmt.Errorf("parse snapshot %s: %w", name, err)
		}
	}
	return &snap, nil
}

func (r *RedisSnapshotCache) Name() string {
	return "redis-snapshot"
}

func (r *RedisSnapshotCache) Deliver(ctx context.Context, _ domain.StockEvent, snap domain.Availability) error {
	return r.PutSnapshot(ctx, snap)
}
