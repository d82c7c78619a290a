/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package config provides configuration management for excalmq.

CONFIGURATION SOURCES (in order of precedence):
===============================================
1. Command-line flags (highest priority)
2. Environment variables (EXCALMQ_* prefix, .env files included)
3. Configuration file (TOML or JSON, chosen by extension)
4. Default values (lowest priority)

CONFIGURATION CATEGORIES:
=========================
- Network: bind_addr, advertise_addr
- Limits: frame section sizes, mailbox backlog, timeouts, rate limiting
- Queues: garbage collection of idle queues and departed mailboxes
- Auth: require, token_file
- Logging: log_level, log_json
- Observability: metrics, health
- Gateways: ws, discovery

EXAMPLE CONFIGURATION FILE:
===========================

	bind_addr = ":7878"
	log_level = "info"

	[limits]
	max_body_bytes = 8388608
	send_timeout = "5s"

	[auth]
	require = true
	token_file = "/etc/excalmq/tokens.json"

ENVIRONMENT VARIABLES:
======================
Nested settings join their section name with an underscore.
Example: EXCALMQ_BIND_ADDR=":7878" EXCALMQ_LIMITS_SEND_TIMEOUT="2s"
*/
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "EXCALMQ_"

// DefaultConfigPaths lists where the server looks for a configuration file
// when none is given.
var DefaultConfigPaths = []string{
	"./excalmq.toml",
	"./excalmq.json",
	"/etc/excalmq/excalmq.toml",
}

// Duration is a time.Duration written as a Go duration string ("5s") in
// files and environment variables.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LimitsConfig bounds what one connection may cost.
type LimitsConfig struct {
	MaxHeaderBytes uint32   `json:"max_header_bytes" toml:"max_header_bytes" env:"MAX_HEADER_BYTES"`
	MaxBodyBytes   uint32   `json:"max_body_bytes" toml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	MaxBacklog     int      `json:"max_backlog" toml:"max_backlog" env:"MAX_BACKLOG"`
	MaxConnections int      `json:"max_connections" toml:"max_connections" env:"MAX_CONNECTIONS"`
	SendTimeout    Duration `json:"send_timeout" toml:"send_timeout" env:"SEND_TIMEOUT"`
	IdleTimeout    Duration `json:"idle_timeout" toml:"idle_timeout" env:"IDLE_TIMEOUT"`
	RateLimit      float64  `json:"rate_limit" toml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst      int      `json:"rate_burst" toml:"rate_burst" env:"RATE_BURST"`
}

// QueuesConfig controls garbage collection in the queue registry.
type QueuesConfig struct {
	GCInterval        Duration `json:"gc_interval" toml:"gc_interval" env:"GC_INTERVAL"`
	GCGrace           Duration `json:"gc_grace" toml:"gc_grace" env:"GC_GRACE"`
	DepartedRetention Duration `json:"departed_retention" toml:"departed_retention" env:"DEPARTED_RETENTION"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// Require rejects every request but Ping from unauthenticated sessions.
	Require bool `json:"require" toml:"require" env:"REQUIRE"`
	// TokenFile is the local token store. Empty disables local tokens.
	TokenFile string `json:"token_file" toml:"token_file" env:"TOKEN_FILE"`
	// AcceptExternal accepts external token, bearer and cookie credentials
	// without verifying them.
	AcceptExternal bool `json:"accept_external" toml:"accept_external" env:"ACCEPT_EXTERNAL"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled" env:"ENABLED"`
	Addr    string `json:"addr" toml:"addr" env:"ADDR"`
}

// HealthConfig configures the gRPC health service.
type HealthConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled" env:"ENABLED"`
	Addr    string `json:"addr" toml:"addr" env:"ADDR"`
}

// ObservabilityConfig groups metrics and health.
type ObservabilityConfig struct {
	Metrics MetricsConfig `json:"metrics" toml:"metrics" envPrefix:"METRICS_"`
	Health  HealthConfig  `json:"health" toml:"health" envPrefix:"HEALTH_"`
}

// WSConfig configures the WebSocket gateway.
type WSConfig struct {
	Enabled        bool     `json:"enabled" toml:"enabled" env:"ENABLED"`
	Addr           string   `json:"addr" toml:"addr" env:"ADDR"`
	Path           string   `json:"path" toml:"path" env:"PATH"`
	AllowedOrigins []string `json:"allowed_origins" toml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// DiscoveryConfig configures mDNS advertisement.
type DiscoveryConfig struct {
	Enabled  bool   `json:"enabled" toml:"enabled" env:"ENABLED"`
	Instance string `json:"instance" toml:"instance" env:"INSTANCE"`
}

// Config is the complete server configuration.
type Config struct {
	BindAddr      string `json:"bind_addr" toml:"bind_addr" env:"BIND_ADDR"`
	AdvertiseAddr string `json:"advertise_addr" toml:"advertise_addr" env:"ADVERTISE_ADDR"`
	LogLevel      string `json:"log_level" toml:"log_level" env:"LOG_LEVEL"`
	LogJSON       bool   `json:"log_json" toml:"log_json" env:"LOG_JSON"`

	Limits        LimitsConfig        `json:"limits" toml:"limits" envPrefix:"LIMITS_"`
	Queues        QueuesConfig        `json:"queues" toml:"queues" envPrefix:"QUEUES_"`
	Auth          AuthConfig          `json:"auth" toml:"auth" envPrefix:"AUTH_"`
	Observability ObservabilityConfig `json:"observability" toml:"observability"`
	WS            WSConfig            `json:"ws" toml:"ws" envPrefix:"WS_"`
	Discovery     DiscoveryConfig     `json:"discovery" toml:"discovery" envPrefix:"DISCOVERY_"`

	// ConfigFile is the file the configuration was loaded from.
	ConfigFile string `json:"-" toml:"-" env:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BindAddr: ":7878",
		LogLevel: "info",
		Limits: LimitsConfig{
			MaxHeaderBytes: 64 * 1024,
			MaxBodyBytes:   8 * 1024 * 1024,
			MaxBacklog:     10000,
			SendTimeout:    Duration(5 * time.Second),
			IdleTimeout:    Duration(5 * time.Minute),
			RateLimit:      1000,
			RateBurst:      100,
		},
		Queues: QueuesConfig{
			GCInterval:        Duration(30 * time.Second),
			GCGrace:           Duration(time.Minute),
			DepartedRetention: Duration(5 * time.Minute),
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{Addr: ":9100"},
			Health:  HealthConfig{Addr: ":9101"},
		},
		WS: WSConfig{
			Addr: ":7879",
			Path: "/mtp",
		},
	}
}

// Manager holds the active configuration.
type Manager struct {
	config *Config
	mu     sync.RWMutex
}

var globalManager = &Manager{
	config: DefaultConfig(),
}

// NewManager creates a manager holding the default configuration.
func NewManager() *Manager {
	return &Manager{config: DefaultConfig()}
}

// Global returns the process-wide manager.
func Global() *Manager {
	return globalManager
}

// Get returns a copy of the active configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	cfg.WS.AllowedOrigins = append([]string(nil), m.config.WS.AllowedOrigins...)
	return &cfg
}

func (m *Manager) Set(cfg *Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// LoadFromFile replaces the active configuration with defaults overlaid by
// the file at path. Files ending in .json are JSON, everything else TOML.
func (m *Manager) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}

	cfg := DefaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, cfg)
	} else {
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	cfg.ConfigFile = path
	m.Set(cfg)
	return nil
}

// LoadFromEnv overlays EXCALMQ_* environment variables on the active
// configuration. Unset variables leave their settings alone.
func (m *Manager) LoadFromEnv() error {
	cfg := m.Get()
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config environment: %w", err)
	}
	m.Set(cfg)
	return nil
}

// FindConfigFile returns the first of DefaultConfigPaths that exists.
func FindConfigFile() (string, bool) {
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// Validate checks the configuration for settings the server cannot run
// with.
func (c *Config) Validate() error {
	var errs []error
	if c.BindAddr == "" {
		errs = append(errs, errors.New("bind_addr is required"))
	}
	if c.Limits.MaxBacklog <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_backlog must be positive, got %d", c.Limits.MaxBacklog))
	}
	if c.Limits.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("limits.max_connections must not be negative, got %d", c.Limits.MaxConnections))
	}
	if c.Limits.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("limits.rate_limit must not be negative, got %g", c.Limits.RateLimit))
	}
	if c.Limits.RateLimit > 0 && c.Limits.RateBurst < 1 {
		errs = append(errs, errors.New("limits.rate_burst must be at least 1 when rate limiting is on"))
	}
	if c.Limits.SendTimeout < 0 || c.Limits.IdleTimeout < 0 {
		errs = append(errs, errors.New("limits timeouts must not be negative"))
	}
	if c.Queues.GCInterval.Std() <= 0 {
		errs = append(errs, errors.New("queues.gc_interval must be positive"))
	}
	if c.Queues.GCGrace < 0 || c.Queues.DepartedRetention < 0 {
		errs = append(errs, errors.New("queue retention settings must not be negative"))
	}
	if c.Auth.Require && c.Auth.TokenFile == "" && !c.Auth.AcceptExternal {
		errs = append(errs, errors.New("auth.require needs auth.token_file or auth.accept_external"))
	}
	if c.Observability.Metrics.Enabled && c.Observability.Metrics.Addr == "" {
		errs = append(errs, errors.New("observability.metrics.addr is required when metrics are enabled"))
	}
	if c.Observability.Health.Enabled && c.Observability.Health.Addr == "" {
		errs = append(errs, errors.New("observability.health.addr is required when health is enabled"))
	}
	if c.WS.Enabled {
		if c.WS.Addr == "" {
			errs = append(errs, errors.New("ws.addr is required when the gateway is enabled"))
		}
		if !strings.HasPrefix(c.WS.Path, "/") {
			errs = append(errs, fmt.Errorf("ws.path must start with /, got %q", c.WS.Path))
		}
	}
	return errors.Join(errs...)
}

// GetAdvertiseAddr returns the address clients should use to reach this
// server. If not explicitly set it is derived from the bind address, with
// the local IP substituted for a wildcard host.
func (c *Config) GetAdvertiseAddr() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	return resolveAdvertiseAddr(c.BindAddr)
}

func resolveAdvertiseAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if localIP := detectLocalIP(); localIP != "" {
			return net.JoinHostPort(localIP, port)
		}
	}
	return addr
}

// detectLocalIP returns the first non-loopback IPv4 address of an up
// interface.
func detectLocalIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				return ipnet.IP.String()
			}
		}
	}
	return ""
}
