package database

import (
	"context"
	"log"

	"github.com/go-redis/redis/v8"
	"github.com/pixelmind/backend/internal/config"
)

// OpenRedis returns a connected client, or nil when Redis is unreachable.
// Callers treat a nil client as "no cache, no rate limit, no blacklist".
func OpenRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("[REDIS] Redis connection failed, continuing without Redis: %v", err)
		rdb.Close()
		return nil
	}

	log.Println("[REDIS] Redis connection established")
	return rdb
}
