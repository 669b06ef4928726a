package database

import (
	"context"
	"testing"
	"time"

	"appointment-bot/internal/common/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestRedisConfig(addr string) config.RedisConfig {
	return config.RedisConfig{
		Address:      addr,
		DB:           2,
		QueueDB:      3,
		PoolSize:     7,
		MinIdleConns: 2,
		DialTimeout:  1500,
		ReadTimeout:  250,
		WriteTimeout: 300,
	}
}

func TestNewRedis_AppliesSettings(t *testing.T) {
	r := NewRedis(createTestRedisConfig("cache:6379"))
	defer r.Close()

	opts := r.Client.Options()
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)
	assert.Equal(t, 2, opts.MinIdleConns)
	assert.Equal(t, 1500*time.Millisecond, opts.DialTimeout)
	assert.Equal(t, 250*time.Millisecond, opts.ReadTimeout)
	assert.Equal(t, 300*time.Millisecond, opts.WriteTimeout)
}

func TestRedis_QueueOptUsesQueueDB(t *testing.T) {
	r := NewRedis(createTestRedisConfig("cache:6379"))
	defer r.Close()

	q := r.QueueOpt()
	assert.Equal(t, "cache:6379", q.Addr)
	assert.Equal(t, 3, q.DB)
	assert.Equal(t, 7, q.PoolSize)
	assert.Equal(t, 250*time.Millisecond, q.ReadTimeout)
}

func TestRedis_Ping(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := createTestRedisConfig(mr.Addr())
	cfg.DB = 0

	r := NewRedis(cfg)
	defer r.Close()
	require.NoError(t, r.Ping(context.Background()))

	mr.Close()
	err := r.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}
