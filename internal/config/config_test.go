package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_ParsesSections(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(cfgPath, []byte(`
server:
  http:
    addr: "127.0.0.1:9999"
    read_timeout: 10s
    max_request_size: 2MB
auth:
  type: api_key
  api_key:
    keys_file: "`+filepath.Join(dir, "keys.yml")+`"
logging:
  level: debug
  format: json
workspace:
  root: "`+dir+`"
policies:
  file: "`+filepath.Join(dir, "policy.yml")+`"
limits:
  max_concurrent: 3
  max_per_minute: 30
  max_per_hour: 500
  queue_timeout: 30s
audit:
  output: "`+filepath.Join(dir, "audit.jsonl")+`"
  max_log_size: 1KB
  block_threshold: 5
  integrity:
    enabled: true
    algorithm: hmac-sha512
  storage:
    sqlite_path: "`+filepath.Join(dir, "audit.db")+`"
  webhook:
    url: "https://siem.example.com/ingest"
    headers:
      X-Token: abc
`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.HTTP.ReadTimeout != "10s" {
		t.Fatalf("read_timeout: expected 10s, got %q", cfg.Server.HTTP.ReadTimeout)
	}
	if cfg.Server.HTTP.WriteTimeout != "5m" {
		t.Fatalf("write_timeout default: got %q", cfg.Server.HTTP.WriteTimeout)
	}
	if cfg.Auth.Type != "api_key" || cfg.Auth.APIKey.HeaderName != "X-API-Key" {
		t.Fatalf("auth: got %+v", cfg.Auth)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Fatalf("logging: got %+v", cfg.Logging)
	}
	if cfg.Limits.MaxConcurrent != 3 || cfg.Limits.MaxPerMinute != 30 || cfg.Limits.MaxPerHour != 500 {
		t.Fatalf("limits: got %+v", cfg.Limits)
	}
	if cfg.Limits.MaxBackoffLevel != 5 || cfg.Limits.TickInterval != "100ms" {
		t.Fatalf("limits defaults: got %+v", cfg.Limits)
	}
	if cfg.Audit.MaxLogSize != "1KB" || cfg.Audit.BlockThreshold != 5 || cfg.Audit.HighFailureThreshold != 10 {
		t.Fatalf("audit: got %+v", cfg.Audit)
	}
	if !cfg.Audit.Integrity.Enabled || cfg.Audit.Integrity.Algorithm != "hmac-sha512" || cfg.Audit.Integrity.KeyEnv != "CMDGATE_AUDIT_KEY" {
		t.Fatalf("integrity: got %+v", cfg.Audit.Integrity)
	}
	if cfg.Audit.Webhook.Headers["X-Token"] != "abc" || cfg.Audit.Webhook.BatchSize != 100 || cfg.Audit.Webhook.MaxRetries != 3 {
		t.Fatalf("webhook: got %+v", cfg.Audit.Webhook)
	}
}

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.HTTP.Addr != "127.0.0.1:8080" {
		t.Errorf("addr = %q", cfg.Server.HTTP.Addr)
	}
	if cfg.Auth.Type != "none" {
		t.Errorf("auth.type = %q", cfg.Auth.Type)
	}
	if cfg.Limits.MaxConcurrent != 5 || cfg.Limits.MaxPerMinute != 60 || cfg.Limits.MaxPerHour != 1000 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if cfg.Audit.MaxLogSize != "10MiB" || cfg.Audit.BlockThreshold != 10 {
		t.Errorf("audit = %+v", cfg.Audit)
	}
	if cfg.Audit.OTEL.Protocol != "grpc" || cfg.Audit.OTEL.BatchMaxSize != 512 || cfg.Audit.OTEL.ServiceName != "cmdgate" {
		t.Errorf("audit.otel = %+v", cfg.Audit.OTEL)
	}
	if cfg.Metrics.Path != "/metrics" || cfg.Health.Path != "/health" {
		t.Errorf("paths = %q %q", cfg.Metrics.Path, cfg.Health.Path)
	}
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"auth type", "auth: {type: oauth}", "auth.type"},
		{"api key file", "auth: {type: api_key}", "keys_file"},
		{"log level", "logging: {level: loud}", "logging.level"},
		{"log format", "logging: {format: xml}", "logging.format"},
		{"duration", "limits: {tick_interval: soon}", "limits.tick_interval"},
		{"size", "audit: {max_log_size: lots}", "audit.max_log_size"},
		{"zero size", "audit: {max_log_size: 0B}", "audit.max_log_size"},
		{"hour below minute", "limits: {max_per_minute: 100, max_per_hour: 50}", "max_per_hour"},
		{"algorithm", "audit: {integrity: {algorithm: md5}}", "algorithm"},
		{"key source", "audit: {integrity: {key_source: hsm}}", "key_source"},
		{"tls", "server: {tls: {enabled: true}}", "server.tls"},
		{"otel endpoint", "audit: {otel: {enabled: true}}", "audit.otel.endpoint"},
		{"otel protocol", "audit: {otel: {enabled: true, endpoint: 'localhost:4317', protocol: udp}}", "audit.otel.protocol"},
		{"otel severity", "audit: {otel: {enabled: true, endpoint: 'localhost:4317', min_severity: LOUD}}", "min_severity"},
		{"watch without file", "policies: {watch: true}", "policies.watch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CMDGATE_HTTP_ADDR", "0.0.0.0:7000")
	t.Setenv("CMDGATE_LOG_LEVEL", "warn")
	t.Setenv("CMDGATE_WORKSPACE", "/srv/ws")
	t.Setenv("CMDGATE_POLICY_FILE", "/etc/cmdgate/policy.yml")
	t.Setenv("CMDGATE_DATA_DIR", "/data")

	cfg := Default()
	if cfg.Server.HTTP.Addr != "0.0.0.0:7000" {
		t.Errorf("addr = %q", cfg.Server.HTTP.Addr)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Workspace.Root != "/srv/ws" {
		t.Errorf("workspace = %q", cfg.Workspace.Root)
	}
	if cfg.Policies.File != "/etc/cmdgate/policy.yml" {
		t.Errorf("policy file = %q", cfg.Policies.File)
	}
	if cfg.Audit.Output != filepath.Join("/data", "audit.jsonl") {
		t.Errorf("audit output = %q", cfg.Audit.Output)
	}
	if cfg.Audit.Storage.SQLitePath != "" {
		t.Errorf("sqlite must stay disabled, got %q", cfg.Audit.Storage.SQLitePath)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"512B", 512},
		{"1KB", 1000},
		{"1KiB", 1024},
		{"10MB", 10 * 1000 * 1000},
		{"10MiB", 10 * 1024 * 1024},
		{"2gb", 2 * 1000 * 1000 * 1000},
		{"1_000", 1000},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	for _, in := range []string{"", "MB", "-1", "abc", "99999999999GB"} {
		if _, err := ParseByteSize(in); err == nil {
			t.Errorf("ParseByteSize(%q) expected error", in)
		}
	}
}
