package roomcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/party-room/pkg/types"
)

type memRedis struct {
	data map[string][]byte
	ttls map[string]time.Duration
	err  error
}

func newMemRedis() *memRedis {
	return &memRedis{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memRedis) Set(_ context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	if m.err != nil {
		return redis.NewStatusResult("", m.err)
	}
	m.data[key] = value.([]byte)
	m.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (m *memRedis) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (m *memRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (m *memRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", m.err)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "room:AB12CD", Key("ab12cd"))
	assert.Equal(t, Key("AB12CD"), Key("Ab12cD"))
}

func TestCache_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	mem := newMemRedis()
	c := New(mem, time.Hour)

	snap := types.RoomSnapshot{
		RoomID:     "R1",
		JoinCode:   "AB12CD",
		HostID:     "host",
		MaxPlayers: 4,
		Participants: []types.Participant{
			{UserID: "host", Name: "Host", IsHost: true},
			{UserID: "guest", Name: "Guest", IsReady: true},
		},
		Version: 3,
	}
	require.NoError(t, c.Save(ctx, snap))
	assert.Equal(t, time.Hour, mem.ttls["room:AB12CD"])

	got, err := c.Load(ctx, "ab12cd")
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	require.NoError(t, c.Delete(ctx, "AB12CD"))
	_, err = c.Load(ctx, "AB12CD")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCache_SaveError(t *testing.T) {
	mem := newMemRedis()
	mem.err = errors.New("connection refused")
	c := New(mem, time.Minute)

	err := c.Save(context.Background(), types.RoomSnapshot{JoinCode: "X"})
	require.Error(t, err)
	assert.ErrorIs(t, err, mem.err)
	assert.Error(t, c.Ping(context.Background()))
}
