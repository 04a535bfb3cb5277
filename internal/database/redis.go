package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var RDB *redis.Client

// ConnectRedis leaves RDB nil when addr is empty or unreachable. Callers treat a
// nil client as single-instance mode.
func ConnectRedis(addr string) {
	if addr == "" {
		slog.Warn("REDIS_ADDR is not set, scheduled jobs will run without a shared lease")
		return
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Unable to connect to Redis", "addr", addr, "error", err)
		_ = client.Close()
		return
	}

	RDB = client
	slog.Info("Connected to Redis successfully", "addr", addr)
}

func CloseRedis() {
	if RDB != nil {
		_ = RDB.Close()
	}
}
