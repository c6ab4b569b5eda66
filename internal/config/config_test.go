package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.SOCKS5.Address != "127.0.0.1:1080" {
		t.Errorf("SOCKS5.Address = %s, want 127.0.0.1:1080", cfg.SOCKS5.Address)
	}
	if cfg.Table.TCPCapacity != 1000 {
		t.Errorf("Table.TCPCapacity = %d, want 1000", cfg.Table.TCPCapacity)
	}
	if cfg.Table.UDPCapacity != 500 {
		t.Errorf("Table.UDPCapacity = %d, want 500", cfg.Table.UDPCapacity)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestParseValidConfig(t *testing.T) {
	yamlConfig := `
log:
  level: debug
  format: json

tun:
  name: tun0
  address: "10.0.0.2/24"
  mtu: 1500

socks5:
  address: "127.0.0.1:1080"
  dial_timeout: 3s
  udp_associate_enabled: true

dns:
  resolver: "1.1.1.1:53"
  query_timeout: 2s

table:
  tcp_capacity: 2000
  udp_capacity: 800
  idle_timeout: 2m
  sweep_interval: 15s
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if cfg.TUN.Name != "tun0" {
		t.Errorf("TUN.Name = %s, want tun0", cfg.TUN.Name)
	}
	if cfg.SOCKS5.DialTimeout != 3*time.Second {
		t.Errorf("SOCKS5.DialTimeout = %v, want 3s", cfg.SOCKS5.DialTimeout)
	}
	if !cfg.SOCKS5.UDPAssociateEnabled {
		t.Error("SOCKS5.UDPAssociateEnabled = false, want true")
	}
	if cfg.DNS.Resolver != "1.1.1.1:53" {
		t.Errorf("DNS.Resolver = %s, want 1.1.1.1:53", cfg.DNS.Resolver)
	}
	if cfg.Table.TCPCapacity != 2000 {
		t.Errorf("Table.TCPCapacity = %d, want 2000", cfg.Table.TCPCapacity)
	}
}

func TestParseAppliesDefaultsForUnsetFields(t *testing.T) {
	cfg, err := Parse([]byte(`socks5:
  address: "10.0.0.1:1080"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info (default)", cfg.Log.Level)
	}
	if cfg.Table.TCPCapacity != 1000 {
		t.Errorf("Table.TCPCapacity = %d, want 1000 (default)", cfg.Table.TCPCapacity)
	}
	if cfg.SOCKS5.Address != "10.0.0.1:1080" {
		t.Errorf("SOCKS5.Address = %s, want override", cfg.SOCKS5.Address)
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("not: valid: yaml: [["))
	if err == nil {
		t.Fatal("expected parse error for malformed YAML")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad log level")
	}
}

func TestValidateRejectsBadLogFormat(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad log format")
	}
}

func TestValidateRequiresTunAddress(t *testing.T) {
	cfg := Default()
	cfg.TUN.Address = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing tun address")
	}
}

func TestValidateRequiresSocks5Address(t *testing.T) {
	cfg := Default()
	cfg.SOCKS5.Address = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing socks5 address")
	}
}

func TestValidateRejectsPartialCredentials(t *testing.T) {
	cfg := Default()
	cfg.SOCKS5.Username = "alice"
	cfg.SOCKS5.Password = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for username without password")
	}
}

func TestValidateRequiresMetricsAddressWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for metrics enabled without address")
	}
}

func TestValidateRejectsNonPositiveCapacities(t *testing.T) {
	cfg := Default()
	cfg.Table.TCPCapacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero tcp capacity")
	}
}

func TestLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	content := `socks5:
  address: "127.0.0.1:1081"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SOCKS5.Address != "127.0.0.1:1081" {
		t.Errorf("SOCKS5.Address = %s, want 127.0.0.1:1081", cfg.SOCKS5.Address)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/router.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestExpandEnvVarsSimple(t *testing.T) {
	os.Setenv("ROUTER_TEST_SOCKS5_ADDR", "203.0.113.5:1080")
	defer os.Unsetenv("ROUTER_TEST_SOCKS5_ADDR")

	cfg, err := Parse([]byte(`socks5:
  address: "${ROUTER_TEST_SOCKS5_ADDR}"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.SOCKS5.Address != "203.0.113.5:1080" {
		t.Errorf("SOCKS5.Address = %s, want expanded value", cfg.SOCKS5.Address)
	}
}

func TestExpandEnvVarsDefaultFallback(t *testing.T) {
	os.Unsetenv("ROUTER_TEST_UNSET_VAR")

	cfg, err := Parse([]byte(`socks5:
  address: "${ROUTER_TEST_UNSET_VAR:-127.0.0.1:1080}"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.SOCKS5.Address != "127.0.0.1:1080" {
		t.Errorf("SOCKS5.Address = %s, want fallback default", cfg.SOCKS5.Address)
	}
}

func TestRedactedClearsPassword(t *testing.T) {
	cfg := Default()
	cfg.SOCKS5.Username = "alice"
	cfg.SOCKS5.Password = "hunter2"

	redacted := cfg.Redacted()
	if redacted.SOCKS5.Password != redactedValue {
		t.Errorf("Redacted password = %s, want %s", redacted.SOCKS5.Password, redactedValue)
	}
	// original is untouched
	if cfg.SOCKS5.Password != "hunter2" {
		t.Error("Redacted mutated the original config")
	}
}

func TestStringDoesNotLeakPassword(t *testing.T) {
	cfg := Default()
	cfg.SOCKS5.Password = "hunter2"

	out := cfg.String()
	if strings.Contains(out, "hunter2") {
		t.Error("String() leaked the SOCKS5 password")
	}
}
