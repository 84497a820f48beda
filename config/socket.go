package config

import "time"

// SocketConfig holds relay-side WebSocket configuration.
type SocketConfig struct {
	MaxConnections  int `json:"max_connections"`
	PingInterval    int `json:"ping_interval_seconds"`
	WriteTimeout    int `json:"write_timeout_seconds"`
	ReadBufferSize  int `json:"read_buffer_size"`
	WriteBufferSize int `json:"write_buffer_size"`
	SendQueueSize   int `json:"send_queue_size"`
}

// DefaultSocketConfig returns the default relay WebSocket configuration.
func DefaultSocketConfig() *SocketConfig {
	return &SocketConfig{
		MaxConnections:  1000,
		PingInterval:    4,
		WriteTimeout:    10,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendQueueSize:   256,
	}
}

// Ping returns the ping interval as a duration.
func (c *SocketConfig) Ping() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

// Write returns the write timeout as a duration.
func (c *SocketConfig) Write() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}
