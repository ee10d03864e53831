package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	guuid "github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStorage) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewRedisStorage(client, "test:")
	t.Cleanup(st.Close)

	return mr, st
}

func TestRedisStorage(t *testing.T) {
	_, st := newTestRedis(t)
	runStorageContract(t, st)
}

func TestRedisStorage_DefaultPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	st := NewRedisStorage(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	t.Cleanup(st.Close)

	ctx := context.Background()
	id, err := st.ReserveUserID(ctx)
	require.NoError(t, err)
	user, _, err := st.CreateUser(ctx, time.Now(), NewUser{ID: id, Email: "a@example.com", PasswordHash: "h"}, nil)
	require.NoError(t, err)

	assert.True(t, mr.Exists("auth:user:email:a@example.com"))
	assert.Equal(t, "h", mr.HGet("auth:user:1", "password_hash"))
	assert.Equal(t, int64(1), user.ID)
}

func TestRedisStorage_DuplicateRefreshHash(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	_, st := newTestRedis(t)

	user := mustCreateUser(ctx, t, st)
	h := newHash(t)

	_, err := st.CreateOrReplaceSession(ctx, now, user.ID, guuid.NewString(), h, now.Add(time.Hour))
	require.NoError(t, err)

	_, err = st.CreateOrReplaceSession(ctx, now, user.ID, guuid.NewString(), h, now.Add(time.Hour))
	assert.Error(t, err)
}

func TestRedisStorage_PingAfterShutdown(t *testing.T) {
	mr, st := newTestRedis(t)
	mr.Close()

	assert.Error(t, st.Ping(context.Background()))
}
