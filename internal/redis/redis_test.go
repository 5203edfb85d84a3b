package redis

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airelay/internal/config"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	port, err := strconv.Atoi(s.Port())
	require.NoError(t, err)
	c, err := NewRedisClient(config.RedisConfig{Host: s.Host(), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, s
}

func TestStringsRoundTripAndExpiry(t *testing.T) {
	c, s := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetStrings(ctx, "models")
	assert.ErrorIs(t, err, ErrCacheMiss)

	want := []string{"gemini-2.5-flash", "gemini-2.0-flash"}
	require.NoError(t, c.SetStrings(ctx, "models", want, time.Minute))
	got, err := c.GetStrings(ctx, "models")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	s.FastForward(2 * time.Minute)
	_, err = c.GetStrings(ctx, "models")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestDel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	require.NoError(t, c.Del(ctx))
	require.NoError(t, c.Del(ctx, "k"))
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestGetStringsRejectsGarbage(t *testing.T) {
	c, s := newTestClient(t)
	require.NoError(t, s.Set("models", "not json"))
	_, err := c.GetStrings(context.Background(), "models")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}

func TestNilClient(t *testing.T) {
	var c *Client
	assert.Error(t, c.Set(context.Background(), "k", "v", 0))
	assert.NoError(t, c.Close())
}

func TestNewRedisClientUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	port, _ := strconv.Atoi(s.Port())
	s.Close()
	_, err := NewRedisClient(config.RedisConfig{Host: s.Host(), Port: port})
	assert.Error(t, err)
}
