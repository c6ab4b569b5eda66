// Package config provides configuration parsing and validation for the router.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete router configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	TUN     TUNConfig     `yaml:"tun"`
	SOCKS5  SOCKS5Config  `yaml:"socks5"`
	DNS     DNSConfig     `yaml:"dns"`
	Table   TableConfig   `yaml:"table"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// TUNConfig describes the local TUN device the router reads client
// packets from and writes replies to. These fields are validated but
// not used to open a device: cmd/router runs the router against an
// in-memory loopback device.
type TUNConfig struct {
	// Name is the interface name to create or attach to. Empty lets
	// the OS pick a name (e.g. "utun0" on Darwin, "tun0" on Linux).
	Name string `yaml:"name"`

	// Address is the IPv4 address assigned to the TUN interface, in
	// CIDR form, e.g. "10.0.0.2/24".
	Address string `yaml:"address"`

	// MTU is the interface MTU in bytes.
	MTU int `yaml:"mtu"`
}

// SOCKS5Config describes the upstream SOCKS5 proxy TCP and UDP traffic
// is tunneled through.
type SOCKS5Config struct {
	// Address is the proxy's host:port.
	Address string `yaml:"address"`

	// DialTimeout is validated but not passed to the router, which
	// bounds the TCP connect plus SOCKS5 handshake with its own fixed
	// 5-second limit.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Username/Password enable RFC 1929 username/password auth on the
	// handshake. Leave both empty to use no-auth.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// UDPAssociateEnabled is stored and edited by the setup wizard but
	// not passed to the router, which always requests a UDP ASSOCIATE
	// session for non-DNS UDP traffic. If the proxy answers an associate
	// request with REP=0x07 (command not supported), the router stops
	// retrying for its lifetime and drops non-DNS UDP; other failures
	// are retried on the next non-DNS datagram. DNS queries always use
	// DNS-over-TCP.
	UDPAssociateEnabled bool `yaml:"udp_associate_enabled"`
}

// DNSConfig describes how DNS lookups originating from the TUN device
// are resolved.
type DNSConfig struct {
	// Resolver is the host:port of the DNS-over-TCP resolver queries
	// are forwarded to through the SOCKS5 proxy's CONNECT command. If
	// empty, the destination address/port from the intercepted
	// datagram is used instead.
	Resolver string `yaml:"resolver"`

	// QueryTimeout is validated but not passed to the router, which
	// bounds each DNS-over-TCP query with its own fixed 5-second limit.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// TableConfig bounds the connection tracking table.
type TableConfig struct {
	// TCPCapacity is the maximum number of concurrently tracked TCP
	// flows. The least recently used flow is evicted to make room.
	TCPCapacity int `yaml:"tcp_capacity"`

	// UDPCapacity is the maximum number of concurrently tracked UDP
	// flows.
	UDPCapacity int `yaml:"udp_capacity"`

	// IdleTimeout is validated but not passed to the router, whose
	// eviction sweep uses fixed idle timeouts of 120 seconds for TCP
	// flows and 60 seconds for UDP flows.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SweepInterval is validated but not passed to the router, whose
	// eviction sweep runs every 30 seconds.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MetricsConfig controls the optional Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		TUN: TUNConfig{
			Name:    "",
			Address: "10.0.0.2/24",
			MTU:     1500,
		},
		SOCKS5: SOCKS5Config{
			Address:             "127.0.0.1:1080",
			DialTimeout:         10 * time.Second,
			UDPAssociateEnabled: true,
		},
		DNS: DNSConfig{
			Resolver:     "",
			QueryTimeout: 5 * time.Second,
		},
		Table: TableConfig{
			TCPCapacity:   1000,
			UDPCapacity:   500,
			IdleTimeout:   5 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying defaults for
// anything left unset and validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default}, or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.TUN.Address == "" {
		errs = append(errs, "tun.address is required")
	}
	if c.TUN.MTU <= 0 {
		errs = append(errs, "tun.mtu must be positive")
	}

	if c.SOCKS5.Address == "" {
		errs = append(errs, "socks5.address is required")
	}
	if c.SOCKS5.DialTimeout <= 0 {
		errs = append(errs, "socks5.dial_timeout must be positive")
	}
	if (c.SOCKS5.Username == "") != (c.SOCKS5.Password == "") {
		errs = append(errs, "socks5.username and socks5.password must both be set or both be empty")
	}

	if c.DNS.QueryTimeout <= 0 {
		errs = append(errs, "dns.query_timeout must be positive")
	}

	if c.Table.TCPCapacity <= 0 {
		errs = append(errs, "table.tcp_capacity must be positive")
	}
	if c.Table.UDPCapacity <= 0 {
		errs = append(errs, "table.udp_capacity must be positive")
	}
	if c.Table.IdleTimeout <= 0 {
		errs = append(errs, "table.idle_timeout must be positive")
	}
	if c.Table.SweepInterval <= 0 {
		errs = append(errs, "table.sweep_interval must be positive")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with a non-empty SOCKS5
// password replaced by a placeholder, safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.SOCKS5.Password != "" {
		redacted.SOCKS5.Password = redactedValue
	}

	return redacted
}

// String returns a YAML representation with sensitive values redacted.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}
