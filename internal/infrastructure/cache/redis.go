package cache

import (
	"context"
	"fmt"
	"time"

	"membershippay/internal/config"

	"github.com/go-redis/redis/v8"
)

// InitRedis connects and pings; the refund lock cannot work without Redis,
// so a failed ping is fatal to the caller.
func InitRedis(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
