package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/agentsh/cmdgate/internal/allowlist"
	"github.com/agentsh/cmdgate/internal/approvals"
	"github.com/agentsh/cmdgate/internal/audit"
	"github.com/agentsh/cmdgate/internal/audit/keysource"
	"github.com/agentsh/cmdgate/internal/config"
	"github.com/agentsh/cmdgate/internal/gateway"
	"github.com/agentsh/cmdgate/internal/metrics"
	"github.com/agentsh/cmdgate/internal/store"
	"github.com/agentsh/cmdgate/internal/store/composite"
	"github.com/agentsh/cmdgate/internal/store/jsonl"
	"github.com/agentsh/cmdgate/internal/store/otel"
	"github.com/agentsh/cmdgate/internal/store/sqlite"
	"github.com/agentsh/cmdgate/internal/store/webhook"
	"github.com/agentsh/cmdgate/pkg/ratelimit"
	"github.com/agentsh/cmdgate/pkg/types"
)

// Stack is the gateway with everything it writes to. The CLI builds one for
// local checks; the server builds one and serves it.
type Stack struct {
	Gateway *gateway.Gateway
	Audit   *audit.Logger
	Limiter *ratelimit.Limiter
	Metrics *metrics.Collector
	// Chain is nil unless audit integrity is enabled.
	Chain *audit.IntegrityChain
	// Approvals is nil unless approvals are enabled.
	Approvals *approvals.Manager
}

// Build wires the registry, the audit sinks, the limiter and the gateway
// from cfg.
func Build(cfg *config.Config, logger *slog.Logger) (*Stack, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := LoadRegistry(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	sink, chain, err := openSinks(cfg, logger)
	if err != nil {
		return nil, err
	}

	window, err := config.ParseDuration(cfg.Audit.AnalysisWindow)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("parse audit.analysis_window: %w", err)
	}
	al := audit.New(metrics.WrapEntryStore(sink, m), audit.Options{
		Logger:               logger,
		HighFailureThreshold: cfg.Audit.HighFailureThreshold,
		AnalysisWindow:       window,
	})

	tick, err := config.ParseDuration(cfg.Limits.TickInterval)
	if err != nil {
		_ = al.Close()
		return nil, fmt.Errorf("parse limits.tick_interval: %w", err)
	}
	queueTimeout, err := config.ParseDuration(cfg.Limits.QueueTimeout)
	if err != nil {
		_ = al.Close()
		return nil, fmt.Errorf("parse limits.queue_timeout: %w", err)
	}
	lim := ratelimit.New(ratelimit.Config{
		MaxConcurrent:   cfg.Limits.MaxConcurrent,
		MaxPerMinute:    cfg.Limits.MaxPerMinute,
		MaxPerHour:      cfg.Limits.MaxPerHour,
		MaxBackoffLevel: cfg.Limits.MaxBackoffLevel,
		TickInterval:    tick,
	})

	gw, err := gateway.New(gateway.Options{
		Registry:       registry,
		Limiter:        lim,
		Audit:          al,
		Metrics:        m,
		Logger:         logger,
		WorkspaceRoot:  cfg.Workspace.Root,
		BlockThreshold: cfg.Audit.BlockThreshold,
		QueueTimeout:   queueTimeout,
	})
	if err != nil {
		lim.Stop()
		_ = al.Close()
		return nil, err
	}
	st := &Stack{Gateway: gw, Audit: al, Limiter: lim, Metrics: m, Chain: chain}
	if cfg.Approvals.Enabled {
		if st.Approvals, err = openApprovals(cfg.Approvals, al); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return st, nil
}

func openApprovals(c config.ApprovalsConfig, al *audit.Logger) (*approvals.Manager, error) {
	timeout, err := config.ParseDuration(c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("parse approvals.timeout: %w", err)
	}
	retain, err := config.ParseDuration(c.Retain)
	if err != nil {
		return nil, fmt.Errorf("parse approvals.retain: %w", err)
	}
	opts := approvals.Options{Timeout: timeout, Retain: retain, Audit: al}
	if c.RequireTOTP {
		opts.TOTPSecret = os.Getenv(c.TOTPSecretEnv)
		if opts.TOTPSecret == "" {
			return nil, fmt.Errorf("approvals.require_totp: environment variable %q is empty or not set", c.TOTPSecretEnv)
		}
	}
	return approvals.New(opts), nil
}

// Close stops the limiter and flushes the audit sinks.
func (s *Stack) Close() error {
	s.Limiter.Stop()
	return s.Audit.Close()
}

// LoadRegistry returns the builtin table unless policies.file names one.
func LoadRegistry(cfg *config.Config) (*allowlist.Registry, error) {
	if cfg.Policies.File == "" {
		return allowlist.Builtin(), nil
	}
	reg, err := allowlist.LoadFromFile(cfg.Policies.File, cfg.Policies.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	return reg, nil
}

// openSinks opens the JSONL log and any configured mirrors. With integrity
// enabled the chain seals entries before they fan out, so every sink sees
// the same metadata.
func openSinks(cfg *config.Config, logger *slog.Logger) (store.EntryStore, *audit.IntegrityChain, error) {
	maxBytes, err := config.ParseByteSize(cfg.Audit.MaxLogSize)
	if err != nil {
		return nil, nil, fmt.Errorf("parse audit.max_log_size: %w", err)
	}
	primary, err := jsonl.New(cfg.Audit.Output, maxBytes)
	if err != nil {
		return nil, nil, err
	}

	var others []store.EntryStore
	closeAll := func() error {
		errs := []error{primary.Close()}
		for _, o := range others {
			errs = append(errs, o.Close())
		}
		return errors.Join(errs...)
	}

	if cfg.Audit.Storage.SQLitePath != "" {
		db, err := sqlite.Open(cfg.Audit.Storage.SQLitePath)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		others = append(others, db)
	}

	if cfg.Audit.Webhook.URL != "" {
		wh, err := openWebhook(cfg.Audit.Webhook)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		others = append(others, wh)
	}

	if cfg.Audit.OTEL.Enabled {
		ot, err := openOTEL(cfg.Audit.OTEL)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		others = append(others, ot)
	}

	var sink store.EntryStore = composite.New(primary, others...).WithLogger(logger)
	if !cfg.Audit.Integrity.Enabled {
		return sink, nil, nil
	}

	key, source, err := keysource.Load(context.Background(), KeySourceConfig(cfg.Audit.Integrity))
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}
	logger.Debug("audit integrity key loaded", "source", source)
	chain, err := audit.NewIntegrityChain(key, cfg.Audit.Integrity.Algorithm)
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}
	last, ok, err := jsonl.LastEntry(cfg.Audit.Output)
	if err != nil {
		_ = closeAll()
		return nil, nil, fmt.Errorf("restore integrity chain: %w", err)
	}
	if ok && last.Integrity != nil {
		chain.Restore(last.Integrity.Sequence, last.Integrity.EntryHash)
		logger.Info("audit chain restored", "sequence", last.Integrity.Sequence)
	}
	return store.NewIntegrityStore(sink, chain), chain, nil
}

// KeySourceConfig maps the integrity settings onto a key provider config.
func KeySourceConfig(c config.AuditIntegrityConfig) keysource.Config {
	return keysource.Config{
		Source:  c.KeySource,
		KeyFile: c.KeyFile,
		KeyEnv:  c.KeyEnv,
		AWS: keysource.AWSConfig{
			KeyID:            c.AWSKMS.KeyID,
			Region:           c.AWSKMS.Region,
			EncryptedDEKFile: c.AWSKMS.EncryptedDEKFile,
			RoleARN:          c.AWSKMS.RoleARN,
		},
		AWSSecrets: keysource.AWSSecretsConfig{
			SecretID: c.AWSSecretsManager.SecretID,
			Region:   c.AWSSecretsManager.Region,
			RoleARN:  c.AWSSecretsManager.RoleARN,
			KeyField: c.AWSSecretsManager.KeyField,
		},
		Azure: keysource.AzureConfig{
			VaultURL:   c.AzureKeyVault.VaultURL,
			KeyName:    c.AzureKeyVault.KeyName,
			KeyVersion: c.AzureKeyVault.KeyVersion,
		},
		Vault: keysource.VaultConfig{
			Address:    c.HashiCorpVault.Address,
			AuthMethod: c.HashiCorpVault.AuthMethod,
			TokenFile:  c.HashiCorpVault.TokenFile,
			K8sRole:    c.HashiCorpVault.K8sRole,
			AppRoleID:  c.HashiCorpVault.AppRoleID,
			SecretID:   c.HashiCorpVault.SecretID,
			SecretPath: c.HashiCorpVault.SecretPath,
			KeyField:   c.HashiCorpVault.KeyField,
		},
		GCP: keysource.GCPConfig{
			KeyName:          c.GCPKMS.KeyName,
			EncryptedDEKFile: c.GCPKMS.EncryptedDEKFile,
		},
	}
}

func openWebhook(c config.AuditWebhookConfig) (*webhook.Store, error) {
	flushEvery, err := config.ParseDuration(c.FlushInterval)
	if err != nil {
		return nil, fmt.Errorf("parse audit.webhook.flush_interval: %w", err)
	}
	timeout, err := config.ParseDuration(c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("parse audit.webhook.timeout: %w", err)
	}
	retries := c.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return webhook.New(webhook.Config{
		URL:             c.URL,
		BatchSize:       c.BatchSize,
		FlushInterval:   flushEvery,
		Timeout:         timeout,
		Headers:         c.Headers,
		MaxRetries:      uint64(retries),
		InitialInterval: 500 * time.Millisecond,
	})
}

func openOTEL(c config.AuditOTELConfig) (*otel.Store, error) {
	timeout, err := config.ParseDuration(c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("parse audit.otel.timeout: %w", err)
	}
	batchTimeout, err := config.ParseDuration(c.BatchTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse audit.otel.batch_timeout: %w", err)
	}
	return otel.New(context.Background(), otel.Config{
		Endpoint:     c.Endpoint,
		Protocol:     c.Protocol,
		TLSEnabled:   c.TLS.Enabled,
		TLSCertFile:  c.TLS.CertFile,
		TLSKeyFile:   c.TLS.KeyFile,
		TLSInsecure:  c.TLS.Insecure,
		Headers:      c.Headers,
		Timeout:      timeout,
		BatchTimeout: batchTimeout,
		BatchMaxSize: c.BatchMaxSize,
		Filter: otel.Filter{
			IncludeOperations: c.IncludeOperations,
			ExcludeOperations: c.ExcludeOperations,
			MinSeverity:       types.Severity(c.MinSeverity),
		},
		Resource: otel.BuildResource(c.ServiceName, c.ResourceAttributes),
	})
}
