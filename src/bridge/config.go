package bridge

import (
	"os"
	"strconv"
)

// RedisConfig locates the Redis server shared by a group of relays.
// Prefix namespaces both the per-destination frame channels
// (<prefix>frames:<destination>) and the viewer set keys, so relay
// groups on one server stay apart.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// DefaultRedisConfig targets a local Redis under the notesync:relay: prefix.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "notesync:relay:",
	}
}

// RedisConfigFromEnv overlays REDIS_ADDR, REDIS_PASSWORD, REDIS_DB and
// REDIS_PREFIX on the defaults. An unparsable REDIS_DB is ignored.
func RedisConfigFromEnv() *RedisConfig {
	cfg := DefaultRedisConfig()

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			cfg.DB = db
		}
	}
	if prefix := os.Getenv("REDIS_PREFIX"); prefix != "" {
		cfg.Prefix = prefix
	}
	return cfg
}

// Enabled reports whether the relay should run a bridge. The bridge is
// opt-in: REDIS_ADDR must be set explicitly.
func Enabled() bool {
	return os.Getenv("REDIS_ADDR") != ""
}
