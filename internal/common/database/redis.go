package database

import (
	"context"
	"fmt"

	"appointment-bot/internal/common/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Redis serves the tenant cache, quota counters and dedup keys from DB and
// hands the notification queue its own QueueDB on the same server.
type Redis struct {
	Client *redis.Client
	cfg    config.RedisConfig
}

func NewRedis(cfg config.RedisConfig) *Redis {
	return &Redis{Client: redis.NewClient(redisOptions(cfg)), cfg: cfg}
}

func redisOptions(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  config.GetDuration(cfg.DialTimeout),
		ReadTimeout:  config.GetDuration(cfg.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.WriteTimeout),
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
}

// QueueOpt is the asynq connection for the notification queue.
func (r *Redis) QueueOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:         r.cfg.Address,
		Password:     r.cfg.Password,
		DB:           r.cfg.QueueDB,
		DialTimeout:  config.GetDuration(r.cfg.DialTimeout),
		ReadTimeout:  config.GetDuration(r.cfg.ReadTimeout),
		WriteTimeout: config.GetDuration(r.cfg.WriteTimeout),
		PoolSize:     r.cfg.PoolSize,
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s db %d unreachable: %w", r.cfg.Address, r.cfg.DB, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.Client.Close()
}
