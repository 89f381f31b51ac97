package omi

import (
	"log/slog"
	"time"
)

// AuthStrategy acquires an authorization header value (e.g., "Basic ..." or "Bearer ...").
type AuthStrategy interface {
	AuthorizationValue() (string, error)
}

// StaticAuth implements AuthStrategy using a pre-specified token value.
type StaticAuth struct{ Value string }

func (s StaticAuth) AuthorizationValue() (string, error) { return s.Value, nil }

const (
	DefaultPollAmount     = 50
	DefaultMaxMessageSize = 10240
	DefaultIdleTimeout    = 60 * time.Minute
)

// ReconnectPolicy drives the connector's backoff between failed connects.
// Attempt n waits n*10*Unit while n < MaxAttempts, then Cooldown.
type ReconnectPolicy struct {
	Unit        time.Duration
	MaxAttempts int
	Cooldown    time.Duration
}

// ConnectorOptions configures a connection to one O-MI node.
type ConnectorOptions struct {
	Auth AuthStrategy

	MaxMessageSize   int64
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	// PendingTimeout bounds how long a send waits for an in-flight write
	// before it counts as "send pending".
	PendingTimeout time.Duration
	WriteTimeout   time.Duration
	// InsecureSkipVerify trusts any server certificate on wss:// endpoints.
	InsecureSkipVerify bool

	Reconnect ReconnectPolicy

	Logger *slog.Logger // optional; defaults to slog.Default()
}

// DefaultConnectorOptions gives baseline defaults matching the reference O-MI node setup.
func DefaultConnectorOptions() ConnectorOptions {
	return ConnectorOptions{
		MaxMessageSize:     DefaultMaxMessageSize,
		IdleTimeout:        DefaultIdleTimeout,
		HandshakeTimeout:   10 * time.Second,
		PendingTimeout:     10 * time.Second,
		WriteTimeout:       10 * time.Second,
		InsecureSkipVerify: true,
		Reconnect: ReconnectPolicy{
			Unit:        time.Second,
			MaxAttempts: 10,
			Cooldown:    60 * time.Minute,
		},
	}
}
