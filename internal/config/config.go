package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stepherg/omi"
)

type Config struct {
	GatewayID  string           `yaml:"gateway_id"`
	LiveUpdate bool             `yaml:"live_update"`
	Log        LogConfig        `yaml:"log"`
	Status     StatusConfig     `yaml:"status"`
	Registry   RegistryConfig   `yaml:"registry"`
	Connector  ConnectorConfig  `yaml:"connector"`
	Polling    PollingConfig    `yaml:"polling"`
	Endpoints  []EndpointConfig `yaml:"endpoints"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type StatusConfig struct {
	Addr string `yaml:"addr"`
}

type RegistryConfig struct {
	Backend string     `yaml:"backend"` // memory or nats
	NATS    NATSConfig `yaml:"nats"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Bucket  string `yaml:"bucket"`
	History uint8  `yaml:"history"`
}

type ConnectorConfig struct {
	Auth               string          `yaml:"auth"`
	MaxMessageSize     int64           `yaml:"max_message_size"`
	IdleTimeout        time.Duration   `yaml:"idle_timeout"`
	HandshakeTimeout   time.Duration   `yaml:"handshake_timeout"`
	PendingTimeout     time.Duration   `yaml:"pending_timeout"`
	WriteTimeout       time.Duration   `yaml:"write_timeout"`
	InsecureSkipVerify *bool           `yaml:"insecure_skip_verify"`
	Reconnect          ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	Unit        time.Duration `yaml:"unit"`
	MaxAttempts int           `yaml:"max_attempts"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

type PollingConfig struct {
	TTL        int    `yaml:"ttl"`
	Amount     int    `yaml:"amount"`
	Terminal   string `yaml:"terminal"`
	Probe      string `yaml:"probe"`
	DateFormat string `yaml:"date_format"`
}

type EndpointConfig struct {
	URL       string           `yaml:"url"`
	Resources []ResourceConfig `yaml:"resources"`
}

type ResourceConfig struct {
	ID     string        `yaml:"id"`
	Path   string        `yaml:"path"`
	Action string        `yaml:"action"`
	Mode   string        `yaml:"mode"`
	Period time.Duration `yaml:"period"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("OMI_STATUS_ADDR"); v != "" {
		c.Status.Addr = v
	}
	if v := getenv("OMI_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) applyDefaults() {
	def := omi.DefaultConnectorOptions()
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Status.Addr == "" {
		c.Status.Addr = ":8090"
	}
	if c.Registry.Backend == "" {
		c.Registry.Backend = "memory"
	}
	if c.Registry.NATS.Bucket == "" {
		c.Registry.NATS.Bucket = "omi"
	}
	if c.Registry.NATS.History == 0 {
		c.Registry.NATS.History = 64
	}
	if c.Connector.MaxMessageSize == 0 {
		c.Connector.MaxMessageSize = def.MaxMessageSize
	}
	if c.Connector.IdleTimeout == 0 {
		c.Connector.IdleTimeout = def.IdleTimeout
	}
	if c.Connector.HandshakeTimeout == 0 {
		c.Connector.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.Connector.PendingTimeout == 0 {
		c.Connector.PendingTimeout = def.PendingTimeout
	}
	if c.Connector.WriteTimeout == 0 {
		c.Connector.WriteTimeout = def.WriteTimeout
	}
	if c.Connector.InsecureSkipVerify == nil {
		v := def.InsecureSkipVerify
		c.Connector.InsecureSkipVerify = &v
	}
	if c.Connector.Reconnect.Unit == 0 {
		c.Connector.Reconnect.Unit = def.Reconnect.Unit
	}
	if c.Connector.Reconnect.MaxAttempts == 0 {
		c.Connector.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if c.Connector.Reconnect.Cooldown == 0 {
		c.Connector.Reconnect.Cooldown = def.Reconnect.Cooldown
	}
	if c.Polling.Amount == 0 {
		c.Polling.Amount = omi.DefaultPollAmount
	}
}

func (c *Config) validate() error {
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch c.Registry.Backend {
	case "memory":
	case "nats":
		if c.Registry.NATS.URL == "" {
			return fmt.Errorf("registry.nats.url is required for the nats backend")
		}
	default:
		return fmt.Errorf("registry.backend must be memory or nats, got %q", c.Registry.Backend)
	}
	if c.Polling.TTL < 0 {
		return fmt.Errorf("polling.ttl must not be negative")
	}
	if c.Polling.Amount < 0 {
		return fmt.Errorf("polling.amount must not be negative")
	}
	for i, ep := range c.Endpoints {
		u, err := url.Parse(ep.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("endpoints[%d].url must be a ws:// or wss:// url, got %q", i, ep.URL)
		}
		if _, err := ep.Descriptors(); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
	}
	return nil
}

// LogLevel parses Log.Level the way slog spells levels (debug, info, warn,
// error, optionally with an offset such as info+2).
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// ConnectorOptions converts the connector section into library options.
// The authorization value and logger are left to the caller.
func (c *Config) ConnectorOptions() omi.ConnectorOptions {
	opts := omi.ConnectorOptions{
		MaxMessageSize:   c.Connector.MaxMessageSize,
		IdleTimeout:      c.Connector.IdleTimeout,
		HandshakeTimeout: c.Connector.HandshakeTimeout,
		PendingTimeout:   c.Connector.PendingTimeout,
		WriteTimeout:     c.Connector.WriteTimeout,
		Reconnect: omi.ReconnectPolicy{
			Unit:        c.Connector.Reconnect.Unit,
			MaxAttempts: c.Connector.Reconnect.MaxAttempts,
			Cooldown:    c.Connector.Reconnect.Cooldown,
		},
	}
	if c.Connector.InsecureSkipVerify != nil {
		opts.InsecureSkipVerify = *c.Connector.InsecureSkipVerify
	}
	if c.Connector.Auth != "" {
		opts.Auth = omi.StaticAuth{Value: c.Connector.Auth}
	}
	return opts
}

// Descriptors converts the configured resources of one endpoint.
func (e EndpointConfig) Descriptors() ([]omi.ResourceDescriptor, error) {
	out := make([]omi.ResourceDescriptor, 0, len(e.Resources))
	for i, r := range e.Resources {
		if r.ID == "" {
			return nil, fmt.Errorf("resources[%d]: id is required", i)
		}
		action, err := omi.ParseAction(r.Action)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.ID, err)
		}
		d := omi.ResourceDescriptor{ID: omi.ResourceID(r.ID), Path: r.Path, Action: action}
		if action == omi.ActionRead {
			if d.Mode, err = omi.ParseMode(r.Mode); err != nil {
				return nil, fmt.Errorf("resource %s: %w", r.ID, err)
			}
			d.Period = r.Period
		}
		out = append(out, d)
	}
	return out, nil
}
