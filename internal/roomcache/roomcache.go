// Package roomcache mirrors live room snapshots into Redis so operators and other processes can
// inspect rooms without reaching the owning lobby.
package roomcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DoyleJ11/party-room/pkg/types"
)

var ErrNotFound = errors.New("room not cached")

// commands is the subset of the redis client the cache uses.
type commands interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

type Cache struct {
	rdb commands
	ttl time.Duration
}

func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0, // use default DB
	})
}

func New(rdb commands, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// Key normalizes the join code so lookups are case-insensitive.
func Key(joinCode string) string {
	return "room:" + strings.ToUpper(joinCode)
}

func (c *Cache) Save(ctx context.Context, snap types.RoomSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal room snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, Key(snap.JoinCode), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store in Redis: %w", err)
	}
	return nil
}

func (c *Cache) Load(ctx context.Context, joinCode string) (types.RoomSnapshot, error) {
	data, err := c.rdb.Get(ctx, Key(joinCode)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.RoomSnapshot{}, ErrNotFound
		}
		return types.RoomSnapshot{}, fmt.Errorf("failed to read from Redis: %w", err)
	}
	var snap types.RoomSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return types.RoomSnapshot{}, fmt.Errorf("failed to unmarshal room snapshot: %w", err)
	}
	return snap, nil
}

func (c *Cache) Delete(ctx context.Context, joinCode string) error {
	if err := c.rdb.Del(ctx, Key(joinCode)).Err(); err != nil {
		return fmt.Errorf("failed to delete from Redis: %w", err)
	}
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
