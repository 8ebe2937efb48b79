// Package cache fronts the room directory with a Redis read-through cache.
package cache

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRoomTTL = 5 * time.Minute
	roomKeyPrefix  = "chat:room:"
)

// RoomDirectory answers whether a room exists.
type RoomDirectory interface {
	RoomExists(ctx context.Context, roomId int) (bool, error)
}

// redisClient is the subset of *redis.Client the cache needs.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RoomCache remembers rooms known to exist for ttl. Negative answers are
// never cached so a newly created room is usable at once. Redis failures
// fall through to the backing directory.
type RoomCache struct {
	client  redisClient
	backing RoomDirectory
	ttl     time.Duration
	log     *log.Logger
}

func NewRoomCache(client *redis.Client, backing RoomDirectory, ttl time.Duration, logger *log.Logger) *RoomCache {
	return newRoomCache(client, backing, ttl, logger)
}

func newRoomCache(client redisClient, backing RoomDirectory, ttl time.Duration, logger *log.Logger) *RoomCache {
	if ttl <= 0 {
		ttl = DefaultRoomTTL
	}

	return &RoomCache{
		client:  client,
		backing: backing,
		ttl:     ttl,
		log:     logger,
	}
}

func roomKey(roomId int) string {
	return roomKeyPrefix + strconv.Itoa(roomId)
}

func (c *RoomCache) RoomExists(ctx context.Context, roomId int) (bool, error) {
	key := roomKey(roomId)

	_, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
	default:
		c.log.Printf("room cache get %q: %v", key, err)
	}

	exists, err := c.backing.RoomExists(ctx, roomId)
	if err != nil || !exists {
		return exists, err
	}

	if err := c.client.Set(ctx, key, "1", c.ttl).Err(); err != nil {
		c.log.Printf("room cache set %q: %v", key, err)
	}

	return true, nil
}
