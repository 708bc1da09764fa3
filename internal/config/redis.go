package config

// This file defines the Redis client constructor.  Redis is the distributed
// backend of the idempotency cache.  The client parameters are loaded from
// environment variables.  An unreachable server at startup is not fatal: the
// cache runs on its local fallback and keeps probing Redis.

import (
	"context"
	"crypto/tls"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient instantiates a Redis client using environment variables.
// Supported variables are:
//
//	REDIS_HOST and REDIS_PORT – hostname and port of the Redis server
//	REDIS_ADDR – host:port shorthand (host/port take precedence when both are set)
//	REDIS_PASSWORD – optional password
//	REDIS_DB – database number (default 0)
//	REDIS_TLS – enable TLS when "true" or "1"
//
// It returns nil when no address is configured, which selects local-only
// caching.
func NewRedisClient() *redis.Client {
	host := os.Getenv("REDIS_HOST")
	port := os.Getenv("REDIS_PORT")
	addr := os.Getenv("REDIS_ADDR")
	if host != "" && port != "" {
		addr = host + ":" + port
	}
	if addr == "" {
		zap.L().Info("redis not configured, idempotency cache is local-only")
		return nil
	}
	var tlsConf *tls.Config
	if envBool("REDIS_TLS", false) {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           envInt("REDIS_DB", 0),
		TLSConfig:    tlsConf,
		DialTimeout:  envDur("REDIS_DIAL_TIMEOUT", time.Second),
		ReadTimeout:  envDur("REDIS_READ_TIMEOUT", 500*time.Millisecond),
		WriteTimeout: envDur("REDIS_WRITE_TIMEOUT", 500*time.Millisecond),
	})
	// Ping the server with a short timeout so startup logs show the state.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		zap.L().Warn("redis unreachable at startup, starting on local fallback",
			zap.String("addr", addr), zap.Error(err))
	}
	return client
}
