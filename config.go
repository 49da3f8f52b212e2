package shelterbase

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration defaults
const (
	DefaultStoreURI         = "mongodb://localhost:27017"
	DefaultDatabase         = "aac"
	DefaultCollection       = "animals"
	DefaultOperationTimeout = 5 * time.Second
	DefaultPageSize         = 1000
	MaxPageSize             = 10000
	DefaultCacheCapacity    = 10000
	DefaultCacheShards      = 8
	DefaultNearMeters       = 5000
	DefaultNearLimit        = 100
)

// Config holds everything needed to open a gateway.
type Config struct {
	StoreURI         string        // mongodb://, file://, s3://, gs:// or minio://
	Database         string        // database name (mongodb) or key prefix (object stores)
	Collection       string        // collection name
	ApplyValidator   bool          // install the schema as a store-side validator on open
	LogLevel         string        // debug, info, warn, error
	OperationTimeout time.Duration // upper bound for every store call
	PageSize         int           // limit applied when a read does not set one

	CacheEnabled  bool
	CacheTTL      time.Duration // 0 keeps entries until the next write
	CacheCapacity int

	RedisAddr     string // optional index store for object-store backends
	RedisPassword string
	RedisDB       int
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		StoreURI:         DefaultStoreURI,
		Database:         DefaultDatabase,
		Collection:       DefaultCollection,
		LogLevel:         "info",
		OperationTimeout: DefaultOperationTimeout,
		PageSize:         DefaultPageSize,
		CacheEnabled:     true,
		CacheCapacity:    DefaultCacheCapacity,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by environment variables.
//
// Environment variables read (with defaults):
//   - MONGO_URI (default: "mongodb://localhost:27017")
//   - MONGO_DB (default: "aac")
//   - MONGO_COLL (default: "animals")
//   - MONGO_APPLY_VALIDATOR (default: false)
//   - LOG_LEVEL (default: "info")
//   - STORE_TIMEOUT (default: 5s)
//   - PAGE_SIZE (default: 1000)
//   - CACHE_ENABLED (default: true)
//   - CACHE_TTL (default: 0, entries live until the next write)
//   - CACHE_CAPACITY (default: 10000)
//   - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB (default: unset)
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	cfg.StoreURI = getEnv("MONGO_URI", cfg.StoreURI)
	cfg.Database = getEnv("MONGO_DB", cfg.Database)
	cfg.Collection = getEnv("MONGO_COLL", cfg.Collection)
	cfg.ApplyValidator = getEnvAsBool("MONGO_APPLY_VALIDATOR", cfg.ApplyValidator)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.OperationTimeout = getEnvAsDuration("STORE_TIMEOUT", cfg.OperationTimeout)
	cfg.PageSize = getEnvAsInt("PAGE_SIZE", cfg.PageSize)

	cfg.CacheEnabled = getEnvAsBool("CACHE_ENABLED", cfg.CacheEnabled)
	cfg.CacheTTL = getEnvAsDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.CacheCapacity = getEnvAsInt("CACHE_CAPACITY", cfg.CacheCapacity)

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getEnvAsInt("REDIS_DB", 0)

	return cfg
}

// Validate checks if the Config is usable
func (c Config) Validate() error {
	if c.StoreURI == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "StoreURI",
			"reason": "store URI is required",
		})
	}
	if c.Collection == "" || strings.ContainsAny(c.Collection, "$/") {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Collection",
			"value":  c.Collection,
			"reason": "must be non-empty and contain no '$' or '/'",
		})
	}
	if c.Database == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Database",
			"reason": "database name is required",
		})
	}
	if c.OperationTimeout <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "OperationTimeout",
			"value":  c.OperationTimeout,
			"reason": "must be positive",
		})
	}
	if c.PageSize <= 0 || c.PageSize > MaxPageSize {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "PageSize",
			"value":  c.PageSize,
			"reason": "must be between 1 and " + strconv.Itoa(MaxPageSize),
		})
	}
	if c.CacheEnabled && c.CacheCapacity <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "CacheCapacity",
			"value":  c.CacheCapacity,
			"reason": "must be positive when the cache is enabled",
		})
	}
	if c.CacheTTL < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "CacheTTL",
			"value":  c.CacheTTL,
			"reason": "must be non-negative",
		})
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvAsInt reads an integer environment variable with a default fallback.
func getEnvAsInt(key string, defaultVal int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultVal
	}

	return value
}

// getEnvAsBool accepts 1/0, true/false, yes/no and on/off.
func getEnvAsBool(key string, defaultVal bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultVal
	}
}

// getEnvAsDuration accepts Go durations ("750ms") or whole seconds ("5").
func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}
