package config

import (
	"os"
	"strconv"
	"time"
)

// ClientConfig holds settings for a realtime note session.
type ClientConfig struct {
	RelayURL string // websocket endpoint, default "ws://localhost:5000/ws"
	APIURL   string // REST base, default "http://localhost:5000/api"

	ReconnectDelay       time.Duration // fixed delay before a reconnect attempt
	MaxReconnectAttempts int           // consecutive failed attempts before giving up
	Heartbeat            time.Duration // transport ping interval, both directions
	HandshakeTimeout     time.Duration

	TypingStopDelay time.Duration // quiet period before "typing stopped"
	SaveDelay       time.Duration // save debounce

	TokenMargin   time.Duration // minimum remaining validity of a handed-out token
	TokenLifetime time.Duration // nominal lifetime when the provider gives no expiry

	LookupTimeout  time.Duration // identity lookups
	RequestTimeout time.Duration // REST calls
}

// DefaultClientConfig returns a ClientConfig with the standard timings.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RelayURL:             "ws://localhost:5000/ws",
		APIURL:               "http://localhost:5000/api",
		ReconnectDelay:       5 * time.Second,
		MaxReconnectAttempts: 10,
		Heartbeat:            4 * time.Second,
		HandshakeTimeout:     5 * time.Second,
		TypingStopDelay:      2 * time.Second,
		SaveDelay:            1500 * time.Millisecond,
		TokenMargin:          10 * time.Minute,
		TokenLifetime:        time.Hour,
		LookupTimeout:        5 * time.Second,
		RequestTimeout:       10 * time.Second,
	}
}

// ClientConfigFromEnv loads client configuration from environment variables.
// Falls back to defaults for any missing or unparsable values.
func ClientConfigFromEnv() *ClientConfig {
	cfg := DefaultClientConfig()

	if v := os.Getenv("NOTESYNC_RELAY_URL"); v != "" {
		cfg.RelayURL = v
	}
	if v := os.Getenv("NOTESYNC_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("NOTESYNC_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxReconnectAttempts = n
		}
	}
	cfg.ReconnectDelay = durationEnv("NOTESYNC_RECONNECT_DELAY", cfg.ReconnectDelay)
	cfg.Heartbeat = durationEnv("NOTESYNC_HEARTBEAT", cfg.Heartbeat)
	cfg.SaveDelay = durationEnv("NOTESYNC_SAVE_DELAY", cfg.SaveDelay)
	cfg.TypingStopDelay = durationEnv("NOTESYNC_TYPING_DELAY", cfg.TypingStopDelay)
	return cfg
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
