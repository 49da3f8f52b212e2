package objectstore

import (
	"github.com/redis/go-redis/v9"

	"github.com/adrianmcphee/shelterbase"
)

// RedisOptions returns redis.Options for the index store named in cfg
// (REDIS_ADDR, REDIS_PASSWORD, REDIS_DB). ok is false when no address is
// configured, in which case the store runs without secondary indexes.
//
// For Sentinel, Cluster or TLS build redis.Options directly.
func RedisOptions(cfg shelterbase.Config) (opts *redis.Options, ok bool) {
	if cfg.RedisAddr == "" {
		return nil, false
	}
	return &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, true
}
