// Package keysource fetches the audit integrity HMAC key from a local file,
// an environment variable or a cloud key manager.
package keysource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound         = errors.New("key not found")
	ErrAuthFailed          = errors.New("authentication failed")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Provider returns the integrity key. Implementations cache the key after
// the first successful fetch.
type Provider interface {
	Name() string
	GetKey(ctx context.Context) ([]byte, error)
	Close() error
}

type Config struct {
	// Source is one of file, env, aws_kms, aws_secrets_manager,
	// azure_keyvault, hashicorp_vault or gcp_kms. Empty infers it from the fields that are set.
	Source string

	KeyFile string
	KeyEnv  string

	AWS        AWSConfig
	AWSSecrets AWSSecretsConfig
	Azure      AzureConfig
	Vault VaultConfig
	GCP   GCPConfig
}

// source resolves an empty Source. A key file wins, the environment
// variable is the last resort.
func (c Config) source() string {
	switch {
	case c.Source != "":
		return c.Source
	case c.KeyFile != "":
		return "file"
	case c.AWS.KeyID != "":
		return "aws_kms"
	case c.AWSSecrets.SecretID != "":
		return "aws_secrets_manager"
	case c.Azure.VaultURL != "":
		return "azure_keyvault"
	case c.Vault.Address != "":
		return "hashicorp_vault"
	case c.GCP.KeyName != "":
		return "gcp_kms"
	case c.KeyEnv != "":
		return "env"
	}
	return ""
}

func New(cfg Config) (Provider, error) {
	switch src := cfg.source(); src {
	case "file":
		return NewFileProvider(cfg.KeyFile, "")
	case "env":
		return NewFileProvider("", cfg.KeyEnv)
	case "aws_kms":
		return NewAWSProvider(cfg.AWS)
	case "aws_secrets_manager":
		return NewAWSSecretsProvider(cfg.AWSSecrets)
	case "azure_keyvault":
		return NewAzureProvider(cfg.Azure)
	case "hashicorp_vault":
		return NewVaultProvider(cfg.Vault)
	case "gcp_kms":
		return NewGCPProvider(cfg.GCP)
	case "":
		return nil, errors.New("no key source specified: provide key_file, key_env or a key manager")
	default:
		return nil, fmt.Errorf("unknown key source %q", src)
	}
}

// Load fetches the key once and closes the provider.
func Load(ctx context.Context, cfg Config) ([]byte, string, error) {
	p, err := New(cfg)
	if err != nil {
		return nil, "", err
	}
	defer p.Close()
	key, err := p.GetKey(ctx)
	if err != nil {
		return nil, p.Name(), fmt.Errorf("get key from %s: %w", p.Name(), err)
	}
	return key, p.Name(), nil
}

// keyCache holds a fetched key. fetch runs under the lock so concurrent
// callers share one round trip.
type keyCache struct {
	mu  sync.Mutex
	key []byte
}

func (c *keyCache) get(ctx context.Context, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil {
		return c.key, nil
	}
	key, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, ErrKeyNotFound
	}
	c.key = key
	return key, nil
}

func (c *keyCache) clear() {
	c.mu.Lock()
	c.key = nil
	c.mu.Unlock()
}

// envelopeKey returns the data key wrapped in dekFile, creating and wrapping
// a new one when the file does not exist yet. A file that exists but cannot
// be unwrapped is an error: a replacement key would orphan the existing log.
func envelopeKey(
	ctx context.Context,
	dekFile string,
	unwrap func(context.Context, []byte) ([]byte, error),
	generate func(context.Context) (plaintext, wrapped []byte, err error),
) ([]byte, error) {
	if dekFile == "" {
		return nil, errors.New("encrypted_dek_file is required")
	}
	wrapped, err := os.ReadFile(dekFile)
	switch {
	case err == nil && len(wrapped) > 0:
		key, err := unwrap(ctx, wrapped)
		if err != nil {
			return nil, fmt.Errorf("%w: unwrap data key: %v", ErrProviderUnavailable, err)
		}
		return key, nil
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("read %s: %w", dekFile, err)
	}

	key, wrapped, err := generate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: generate data key: %v", ErrProviderUnavailable, err)
	}
	if err := os.WriteFile(dekFile, wrapped, 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", dekFile, err)
	}
	return key, nil
}
