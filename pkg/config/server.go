package config

import "time"

// ServerConfig contains control-plane HTTP server configuration.
type ServerConfig struct {
	// Addr is the listen address of the control-plane API.
	Addr string

	// AuthToken guards the API when set; requests must carry it as a
	// bearer token. Empty disables bearer auth (dev mode).
	AuthToken string

	// ShutdownTimeout bounds the graceful HTTP shutdown.
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:            ":8080",
		ShutdownTimeout: 15 * time.Second,
	}
}
