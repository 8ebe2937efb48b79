package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type fakeRedis struct {
	mu     sync.Mutex
	data   map[string]string
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.data[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRoomCache_RoomExists(t *testing.T) {
	ctx := context.Background()

	t.Run("miss populates cache, hit skips backing store", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("RoomExists", mock.Anything, 7).Return(true, nil).Once()

		rc := newFakeRedis()
		c := newRoomCache(rc, db, time.Minute, testutil.TestLogger(t))

		ok, err := c.RoomExists(ctx, 7)
		assert.NoError(t, err)
		assert.True(t, ok, "expected room to exist")
		assert.Equal(t, "1", rc.data["chat:room:7"], "expected room to be cached")
		assert.Equal(t, time.Minute, rc.ttls["chat:room:7"], "expected configured ttl")

		ok, err = c.RoomExists(ctx, 7)
		assert.NoError(t, err)
		assert.True(t, ok, "expected cached room to exist")
	})

	t.Run("missing room is not cached", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("RoomExists", mock.Anything, 8).Return(false, nil).Twice()

		rc := newFakeRedis()
		c := newRoomCache(rc, db, time.Minute, testutil.TestLogger(t))

		for i := 0; i < 2; i++ {
			ok, err := c.RoomExists(ctx, 8)
			assert.NoError(t, err)
			assert.False(t, ok, "expected room not to exist")
		}
		assert.Empty(t, rc.data, "expected nothing cached for a missing room")
	})

	t.Run("backing store error is returned", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		dbErr := errors.New("db down")
		db.On("RoomExists", mock.Anything, 9).Return(false, dbErr).Once()

		c := newRoomCache(newFakeRedis(), db, time.Minute, testutil.TestLogger(t))

		_, err := c.RoomExists(ctx, 9)
		assert.ErrorIs(t, err, dbErr)
	})

	t.Run("redis failure falls through to backing store", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("RoomExists", mock.Anything, 10).Return(true, nil).Once()

		rc := newFakeRedis()
		rc.getErr = errors.New("connection refused")
		rc.setErr = errors.New("connection refused")
		c := newRoomCache(rc, db, time.Minute, testutil.TestLogger(t))

		ok, err := c.RoomExists(ctx, 10)
		assert.NoError(t, err, "expected redis errors not to surface")
		assert.True(t, ok)
	})

	t.Run("zero ttl uses default", func(t *testing.T) {
		c := newRoomCache(newFakeRedis(), &database.MockChatRepository{}, 0, testutil.TestLogger(t))
		assert.Equal(t, DefaultRoomTTL, c.ttl)
	})
}
