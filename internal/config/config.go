package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Policies  PoliciesConfig  `yaml:"policies"`
	Limits    LimitsConfig    `yaml:"limits"`
	Audit     AuditConfig     `yaml:"audit"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
}

type ServerConfig struct {
	HTTP ServerHTTPConfig `yaml:"http"`
	TLS  ServerTLSConfig  `yaml:"tls"`
}

type ServerHTTPConfig struct {
	Addr string `yaml:"addr"`

	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	MaxRequestSize  string `yaml:"max_request_size"`
}

type ServerTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type AuthConfig struct {
	Type   string           `yaml:"type"` // none or api_key
	APIKey AuthAPIKeyConfig `yaml:"api_key"`
}

type AuthAPIKeyConfig struct {
	KeysFile   string `yaml:"keys_file"`
	HeaderName string `yaml:"header_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stderr, stdout or a file path
}

type WorkspaceConfig struct {
	// Root is the directory every validated path must stay inside.
	Root string `yaml:"root"`
}

type PoliciesConfig struct {
	// File replaces the builtin allowlist table when set.
	File string `yaml:"file"`
	// ManifestPath is an optional sha256 manifest the policy file must match.
	ManifestPath string `yaml:"manifest_path"`
	// Watch reloads File when it changes. A file that fails to load leaves
	// the previous table in force.
	Watch         bool   `yaml:"watch"`
	WatchDebounce string `yaml:"watch_debounce"`
}

type LimitsConfig struct {
	MaxConcurrent   int    `yaml:"max_concurrent"`
	MaxPerMinute    int    `yaml:"max_per_minute"`
	MaxPerHour      int    `yaml:"max_per_hour"`
	MaxBackoffLevel int    `yaml:"max_backoff_level"`
	TickInterval    string `yaml:"tick_interval"`
	// QueueTimeout bounds how long an operation may wait for admission.
	// Empty means no bound.
	QueueTimeout string `yaml:"queue_timeout"`
}

type AuditConfig struct {
	Output     string `yaml:"output"`
	MaxLogSize string `yaml:"max_log_size"`

	// BlockThreshold is the number of blocked commands from one agent that
	// raises a security event.
	BlockThreshold       int    `yaml:"block_threshold"`
	HighFailureThreshold int    `yaml:"high_failure_threshold"`
	AnalysisWindow       string `yaml:"analysis_window"`

	Integrity AuditIntegrityConfig `yaml:"integrity"`
	Storage   AuditStorageConfig   `yaml:"storage"`

	// Optional: forward entries to an HTTP webhook.
	Webhook AuditWebhookConfig `yaml:"webhook"`

	// Optional: export entries as OTLP log records.
	OTEL AuditOTELConfig `yaml:"otel"`
}

type AuditOTELConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc or http

	TLS struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
		Insecure bool   `yaml:"insecure"`
	} `yaml:"tls"`

	Headers      map[string]string `yaml:"headers"`
	Timeout      string            `yaml:"timeout"`
	BatchTimeout string            `yaml:"batch_timeout"`
	BatchMaxSize int               `yaml:"batch_max_size"`

	IncludeOperations []string `yaml:"include_operations"`
	ExcludeOperations []string `yaml:"exclude_operations"`
	MinSeverity       string   `yaml:"min_severity"`

	ServiceName        string            `yaml:"service_name"`
	ResourceAttributes map[string]string `yaml:"resource_attributes"`
}

type AuditIntegrityConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Algorithm string `yaml:"algorithm"` // hmac-sha256 or hmac-sha512

	// KeySource selects where the key comes from: file, env, aws_kms,
	// aws_secrets_manager, azure_keyvault, hashicorp_vault or gcp_kms. Empty
	// infers it from whichever settings are present.
	KeySource string `yaml:"key_source"`
	KeyFile   string `yaml:"key_file"`
	KeyEnv    string `yaml:"key_env"`

	AWSKMS            AWSKMSConfig            `yaml:"aws_kms"`
	AWSSecretsManager AWSSecretsManagerConfig `yaml:"aws_secrets_manager"`
	AzureKeyVault     AzureKeyVaultConfig     `yaml:"azure_keyvault"`
	HashiCorpVault    HashiCorpVaultConfig    `yaml:"hashicorp_vault"`
	GCPKMS            GCPKMSConfig            `yaml:"gcp_kms"`
}

type AWSKMSConfig struct {
	KeyID            string `yaml:"key_id"`
	Region           string `yaml:"region"`
	EncryptedDEKFile string `yaml:"encrypted_dek_file"`
	RoleARN          string `yaml:"role_arn"`
}

type AWSSecretsManagerConfig struct {
	SecretID string `yaml:"secret_id"`
	Region   string `yaml:"region"`
	RoleARN  string `yaml:"role_arn"`
	KeyField string `yaml:"key_field"`
}

type AzureKeyVaultConfig struct {
	VaultURL   string `yaml:"vault_url"`
	KeyName    string `yaml:"key_name"`
	KeyVersion string `yaml:"key_version"`
}

type HashiCorpVaultConfig struct {
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"`
	TokenFile  string `yaml:"token_file"`
	K8sRole    string `yaml:"kubernetes_role"`
	AppRoleID  string `yaml:"approle_id"`
	SecretID   string `yaml:"secret_id"`
	SecretPath string `yaml:"secret_path"`
	KeyField   string `yaml:"key_field"`
}

type GCPKMSConfig struct {
	KeyName          string `yaml:"key_name"`
	EncryptedDEKFile string `yaml:"encrypted_dek_file"`
}

type AuditStorageConfig struct {
	// SQLitePath enables the queryable SQLite mirror when set.
	SQLitePath string `yaml:"sqlite_path"`
}

type AuditWebhookConfig struct {
	URL           string            `yaml:"url"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	Timeout       string            `yaml:"timeout"`
	MaxRetries    int               `yaml:"max_retries"`
	Headers       map[string]string `yaml:"headers"`
}

// ApprovalsConfig enables the queue where operators approve commands the
// allowlist marked as needing confirmation.
type ApprovalsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Timeout string `yaml:"timeout"`
	Retain  string `yaml:"retain"`
	// RequireTOTP makes approving require a code from the secret held in
	// TOTPSecretEnv.
	RequireTOTP   bool   `yaml:"require_totp"`
	TOTPSecretEnv string `yaml:"totp_secret_env"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Path string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = "127.0.0.1:8080"
	}
	if cfg.Server.HTTP.ReadTimeout == "" {
		cfg.Server.HTTP.ReadTimeout = "30s"
	}
	if cfg.Server.HTTP.WriteTimeout == "" {
		cfg.Server.HTTP.WriteTimeout = "5m"
	}
	if cfg.Server.HTTP.ShutdownTimeout == "" {
		cfg.Server.HTTP.ShutdownTimeout = "10s"
	}
	if cfg.Server.HTTP.MaxRequestSize == "" {
		cfg.Server.HTTP.MaxRequestSize = "1MB"
	}
	if cfg.Auth.Type == "" {
		cfg.Auth.Type = "none"
	}
	if cfg.Auth.APIKey.HeaderName == "" {
		cfg.Auth.APIKey.HeaderName = "X-API-Key"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "."
	}
	if cfg.Policies.WatchDebounce == "" {
		cfg.Policies.WatchDebounce = "250ms"
	}
	if cfg.Approvals.Timeout == "" {
		cfg.Approvals.Timeout = "15m"
	}
	if cfg.Approvals.Retain == "" {
		cfg.Approvals.Retain = "1h"
	}
	if cfg.Approvals.TOTPSecretEnv == "" {
		cfg.Approvals.TOTPSecretEnv = "CMDGATE_APPROVAL_TOTP_SECRET"
	}
	if cfg.Limits.MaxConcurrent <= 0 {
		cfg.Limits.MaxConcurrent = 5
	}
	if cfg.Limits.MaxPerMinute <= 0 {
		cfg.Limits.MaxPerMinute = 60
	}
	if cfg.Limits.MaxPerHour <= 0 {
		cfg.Limits.MaxPerHour = 1000
	}
	if cfg.Limits.MaxBackoffLevel <= 0 {
		cfg.Limits.MaxBackoffLevel = 5
	}
	if cfg.Limits.TickInterval == "" {
		cfg.Limits.TickInterval = "100ms"
	}
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = "/var/log/cmdgate/audit.jsonl"
	}
	if cfg.Audit.MaxLogSize == "" {
		cfg.Audit.MaxLogSize = "10MiB"
	}
	if cfg.Audit.BlockThreshold <= 0 {
		cfg.Audit.BlockThreshold = 10
	}
	if cfg.Audit.HighFailureThreshold <= 0 {
		cfg.Audit.HighFailureThreshold = 10
	}
	if cfg.Audit.Integrity.Algorithm == "" {
		cfg.Audit.Integrity.Algorithm = "hmac-sha256"
	}
	if cfg.Audit.Integrity.KeyEnv == "" {
		cfg.Audit.Integrity.KeyEnv = "CMDGATE_AUDIT_KEY"
	}
	if cfg.Audit.Webhook.BatchSize == 0 {
		cfg.Audit.Webhook.BatchSize = 100
	}
	if cfg.Audit.Webhook.FlushInterval == "" {
		cfg.Audit.Webhook.FlushInterval = "10s"
	}
	if cfg.Audit.Webhook.Timeout == "" {
		cfg.Audit.Webhook.Timeout = "5s"
	}
	if cfg.Audit.Webhook.MaxRetries == 0 {
		cfg.Audit.Webhook.MaxRetries = 3
	}
	if cfg.Audit.OTEL.Protocol == "" {
		cfg.Audit.OTEL.Protocol = "grpc"
	}
	if cfg.Audit.OTEL.Timeout == "" {
		cfg.Audit.OTEL.Timeout = "10s"
	}
	if cfg.Audit.OTEL.BatchTimeout == "" {
		cfg.Audit.OTEL.BatchTimeout = "5s"
	}
	if cfg.Audit.OTEL.BatchMaxSize == 0 {
		cfg.Audit.OTEL.BatchMaxSize = 512
	}
	if cfg.Audit.OTEL.ServiceName == "" {
		cfg.Audit.OTEL.ServiceName = "cmdgate"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/health"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CMDGATE_HTTP_ADDR"); v != "" {
		cfg.Server.HTTP.Addr = v
	}
	if v := os.Getenv("CMDGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CMDGATE_WORKSPACE"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("CMDGATE_POLICY_FILE"); v != "" {
		cfg.Policies.File = v
	}
	if v := os.Getenv("CMDGATE_DATA_DIR"); v != "" {
		cfg.Audit.Output = filepath.Join(v, "audit.jsonl")
		if cfg.Audit.Storage.SQLitePath != "" {
			cfg.Audit.Storage.SQLitePath = filepath.Join(v, "audit.db")
		}
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Auth.Type {
	case "none":
	case "api_key":
		if cfg.Auth.APIKey.KeysFile == "" {
			return fmt.Errorf("auth.api_key.keys_file is required when auth.type is api_key")
		}
	default:
		return fmt.Errorf("invalid auth.type %q", cfg.Auth.Type)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	if cfg.Policies.Watch && cfg.Policies.File == "" {
		return fmt.Errorf("policies.watch requires policies.file")
	}
	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls requires cert_file and key_file")
	}
	for name, v := range map[string]string{
		"server.http.read_timeout":     cfg.Server.HTTP.ReadTimeout,
		"server.http.write_timeout":    cfg.Server.HTTP.WriteTimeout,
		"server.http.shutdown_timeout": cfg.Server.HTTP.ShutdownTimeout,
		"policies.watch_debounce":      cfg.Policies.WatchDebounce,
		"limits.tick_interval":         cfg.Limits.TickInterval,
		"limits.queue_timeout":         cfg.Limits.QueueTimeout,
		"audit.analysis_window":        cfg.Audit.AnalysisWindow,
		"audit.webhook.flush_interval": cfg.Audit.Webhook.FlushInterval,
		"audit.webhook.timeout":        cfg.Audit.Webhook.Timeout,
		"audit.otel.timeout":           cfg.Audit.OTEL.Timeout,
		"audit.otel.batch_timeout":     cfg.Audit.OTEL.BatchTimeout,
		"approvals.timeout":            cfg.Approvals.Timeout,
		"approvals.retain":             cfg.Approvals.Retain,
	} {
		if _, err := ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	for name, v := range map[string]string{
		"server.http.max_request_size": cfg.Server.HTTP.MaxRequestSize,
		"audit.max_log_size":           cfg.Audit.MaxLogSize,
	} {
		if n, err := ParseByteSize(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		} else if n == 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if cfg.Limits.MaxPerHour < cfg.Limits.MaxPerMinute {
		return fmt.Errorf("limits.max_per_hour (%d) must be >= limits.max_per_minute (%d)", cfg.Limits.MaxPerHour, cfg.Limits.MaxPerMinute)
	}
	switch cfg.Audit.Integrity.Algorithm {
	case "hmac-sha256", "hmac-sha512":
	default:
		return fmt.Errorf("invalid audit.integrity.algorithm %q", cfg.Audit.Integrity.Algorithm)
	}
	switch cfg.Audit.Integrity.KeySource {
	case "", "file", "env", "aws_kms", "aws_secrets_manager", "azure_keyvault", "hashicorp_vault", "gcp_kms":
	default:
		return fmt.Errorf("invalid audit.integrity.key_source %q", cfg.Audit.Integrity.KeySource)
	}
	if cfg.Audit.Webhook.MaxRetries < 0 {
		return fmt.Errorf("audit.webhook.max_retries must be >= 0")
	}
	if o := cfg.Audit.OTEL; o.Enabled {
		if o.Endpoint == "" {
			return fmt.Errorf("audit.otel.endpoint is required when audit.otel.enabled is true")
		}
		switch o.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("invalid audit.otel.protocol %q", o.Protocol)
		}
		switch o.MinSeverity {
		case "", "INFO", "WARNING", "CRITICAL":
		default:
			return fmt.Errorf("invalid audit.otel.min_severity %q", o.MinSeverity)
		}
		if o.BatchMaxSize < 0 {
			return fmt.Errorf("audit.otel.batch_max_size must be >= 0")
		}
	}
	return nil
}

// ParseDuration parses a duration string. Empty means zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
