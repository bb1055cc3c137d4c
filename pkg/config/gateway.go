package config

import "time"

// GatewayConfig contains gateway dispatch-core configuration.
type GatewayConfig struct {
	// RouteTTL is how long an executor route stays valid without a
	// heartbeat.
	RouteTTL time.Duration

	// InFlightTTL is the TTL refresh applied to capacity counters on
	// every reservation.
	InFlightTTL time.Duration

	// ResultTTL is how long a stored result envelope survives under
	// results:{requestId}.
	ResultTTL time.Duration

	// DefaultOrgMaxInFlight caps concurrent dispatches per org when the
	// org has no explicit quota.
	DefaultOrgMaxInFlight int

	// SyncWaitTimeout is how long a synchronous dispatch waits for the
	// executor before replying with status "dispatched".
	SyncWaitTimeout time.Duration

	// Token authenticates POST /internal/v1/dispatch callers.
	Token string

	// BaseURL is where engine workers reach the gateway; empty disables
	// remote dispatch (GATEWAY_NOT_CONFIGURED).
	BaseURL string

	// ListenAddr is the gateway server's listen address.
	ListenAddr string
}

// DefaultGatewayConfig returns the built-in gateway defaults.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		RouteTTL:              60 * time.Second,
		InFlightTTL:           10 * time.Minute,
		ResultTTL:             5 * time.Minute,
		DefaultOrgMaxInFlight: 32,
		SyncWaitTimeout:       10 * time.Second,
		ListenAddr:            ":8090",
	}
}
