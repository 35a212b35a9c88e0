package stock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache is a read-through snapshot cache for item reads, invalidated on
// every mutation. Concurrent misses for the same item collapse into one
// loader call.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func itemKey(itemID int64) string {
	return fmt.Sprintf("stock:item:%d", itemID)
}

func versionKey(itemID int64) string {
	return fmt.Sprintf("stock:item:%d:ver", itemID)
}

// setIfUnchanged stores the snapshot only when the item's version still
// matches the one read before the load. A mutation that invalidated the key
// mid-load bumps the version, so the stale snapshot is discarded instead of
// pinned until the TTL expires.
var setIfUnchanged = redis.NewScript(`
local ver = redis.call("GET", KEYS[2])
if not ver then ver = "0" end
if ver == ARGV[2] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
	return 1
end
return 0
`)

// GetItem loads a cached item or populates it using the loader.
func (c *Cache) GetItem(ctx context.Context, itemID int64, loader func(context.Context) (Item, error)) (Item, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key := itemKey(itemID)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var item Item
		if err := json.Unmarshal(payload, &item); err == nil {
			return item, nil
		}
		// Corrupt payload: fall through and reload.
	} else if err != redis.Nil {
		return Item{}, err
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		ver, err := c.client.Get(ctx, versionKey(itemID)).Result()
		if err == redis.Nil {
			ver = "0"
		} else if err != nil {
			return Item{}, err
		}
		item, err := loader(ctx)
		if err != nil {
			return Item{}, err
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return Item{}, err
		}
		keys := []string{key, versionKey(itemID)}
		if err := setIfUnchanged.Run(ctx, c.client, keys, raw, ver, c.ttl.Milliseconds()).Err(); err != nil {
			return Item{}, err
		}
		return item, nil
	})
	if err != nil {
		return Item{}, err
	}
	return value.(Item), nil
}

// Invalidate drops the cached snapshot after a mutation and bumps the item
// version so an in-flight loader cannot re-pin the old one.
func (c *Cache) Invalidate(ctx context.Context, itemID int64) {
	if c == nil || c.client == nil {
		return
	}
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, itemKey(itemID))
	pipe.Incr(ctx, versionKey(itemID))
	_, _ = pipe.Exec(ctx)
}
