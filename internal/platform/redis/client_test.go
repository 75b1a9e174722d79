package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contactr/internal/platform/config"
)

func TestNew_EmptyURLDisablesPresence(t *testing.T) {
	client, err := New(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestNew_BadURL(t *testing.T) {
	_, err := New(context.Background(), config.RedisConfig{URL: "http://not-redis"})
	require.ErrorContains(t, err, "REDIS_URL")
}

func TestOptions(t *testing.T) {
	cfg := config.RedisConfig{
		URL:          "redis://localhost:6379/2",
		PoolSize:     7,
		MinIdleConns: 2,
		DialTimeout:  time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	t.Run("env values fill the pool", func(t *testing.T) {
		opts, err := options(cfg)
		require.NoError(t, err)
		assert.Equal(t, "localhost:6379", opts.Addr)
		assert.Equal(t, 2, opts.DB)
		assert.Equal(t, 7, opts.PoolSize)
		assert.Equal(t, 2, opts.MinIdleConns)
		assert.Equal(t, time.Second, opts.DialTimeout)
		assert.Equal(t, 2*time.Second, opts.ReadTimeout)
		assert.Equal(t, 3*time.Second, opts.WriteTimeout)
	})

	t.Run("pool size in the url wins", func(t *testing.T) {
		withPool := cfg
		withPool.URL = "redis://localhost:6379/0?pool_size=3"
		opts, err := options(withPool)
		require.NoError(t, err)
		assert.Equal(t, 3, opts.PoolSize)
	})
}
