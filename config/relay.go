package config

import "os"

// RelayConfig holds settings for the development relay server.
type RelayConfig struct {
	Addr      string // listen address, default ":5000"
	JWTSecret string // HS256 secret used to verify bearer tokens
	Store     string // "bolt" or "postgres"
	BoltPath  string // bbolt file, default "notesync.db"
	DSN       string // PostgreSQL connection string
	Socket    *SocketConfig
}

// DefaultRelayConfig returns a RelayConfig with sensible defaults.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		Addr:      ":5000",
		JWTSecret: "notesync-dev-secret",
		Store:     "bolt",
		BoltPath:  "notesync.db",
		Socket:    DefaultSocketConfig(),
	}
}

// RelayConfigFromEnv loads relay configuration from environment variables.
func RelayConfigFromEnv() *RelayConfig {
	cfg := DefaultRelayConfig()

	if v := os.Getenv("NOTESYNC_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("NOTESYNC_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("NOTESYNC_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("NOTESYNC_BOLT_PATH"); v != "" {
		cfg.BoltPath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DSN = v
	}
	return cfg
}
