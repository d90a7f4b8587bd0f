package keysource

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	k8sauth "github.com/hashicorp/vault/api/auth/kubernetes"
)

type VaultConfig struct {
	Address    string
	AuthMethod string // token (default), kubernetes or approle
	TokenFile  string
	K8sRole    string
	AppRoleID  string
	SecretID   string
	SecretPath string
	KeyField   string // defaults to "key"
}

// VaultProvider reads the key from a KV secret. KV v2 under the "secret"
// mount is tried first, then a plain logical read of SecretPath.
type VaultProvider struct {
	cfg   VaultConfig
	cache keyCache
}

func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("hashicorp_vault: address is required")
	}
	if cfg.SecretPath == "" {
		return nil, fmt.Errorf("hashicorp_vault: secret_path is required")
	}
	if cfg.KeyField == "" {
		cfg.KeyField = "key"
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = "token"
	}
	return &VaultProvider{cfg: cfg}, nil
}

func (p *VaultProvider) Name() string { return "hashicorp_vault:" + p.cfg.SecretPath }

func (p *VaultProvider) GetKey(ctx context.Context) ([]byte, error) {
	return p.cache.get(ctx, p.fetch)
}

func (p *VaultProvider) fetch(ctx context.Context) ([]byte, error) {
	vc := vault.DefaultConfig()
	vc.Address = p.cfg.Address
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("%w: vault client: %v", ErrAuthFailed, err)
	}
	if err := p.login(ctx, client); err != nil {
		return nil, err
	}

	kvPath := strings.TrimPrefix(strings.TrimPrefix(p.cfg.SecretPath, "secret/data/"), "secret/")
	var data map[string]any
	if s, err := client.KVv2("secret").Get(ctx, kvPath); err == nil && s != nil {
		data = s.Data
	} else {
		s, err := client.Logical().ReadWithContext(ctx, p.cfg.SecretPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read secret: %v", ErrProviderUnavailable, err)
		}
		if s == nil {
			return nil, fmt.Errorf("%w: secret %q not found", ErrKeyNotFound, p.cfg.SecretPath)
		}
		data = s.Data
	}

	v, ok := data[p.cfg.KeyField].(string)
	if !ok || v == "" {
		return nil, fmt.Errorf("%w: field %q missing or empty in %q", ErrKeyNotFound, p.cfg.KeyField, p.cfg.SecretPath)
	}
	return decodeSecret(v), nil
}

func (p *VaultProvider) login(ctx context.Context, client *vault.Client) error {
	switch p.cfg.AuthMethod {
	case "token":
		token := os.Getenv("VAULT_TOKEN")
		if p.cfg.TokenFile != "" {
			b, err := os.ReadFile(p.cfg.TokenFile)
			if err != nil {
				return fmt.Errorf("%w: read token file: %v", ErrAuthFailed, err)
			}
			token = strings.TrimSpace(string(b))
		}
		if token == "" {
			return fmt.Errorf("%w: no vault token", ErrAuthFailed)
		}
		client.SetToken(token)

	case "kubernetes":
		if p.cfg.K8sRole == "" {
			return fmt.Errorf("%w: kubernetes_role is required", ErrAuthFailed)
		}
		ka, err := k8sauth.NewKubernetesAuth(p.cfg.K8sRole)
		if err != nil {
			return fmt.Errorf("%w: kubernetes auth: %v", ErrAuthFailed, err)
		}
		info, err := client.Auth().Login(ctx, ka)
		if err != nil || info == nil {
			return fmt.Errorf("%w: kubernetes login: %v", ErrAuthFailed, err)
		}

	case "approle":
		if p.cfg.AppRoleID == "" {
			return fmt.Errorf("%w: approle_id is required", ErrAuthFailed)
		}
		body := map[string]any{"role_id": p.cfg.AppRoleID}
		secretID := p.cfg.SecretID
		if secretID == "" {
			secretID = os.Getenv("VAULT_SECRET_ID")
		}
		if secretID != "" {
			body["secret_id"] = secretID
		}
		resp, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", body)
		if err != nil {
			return fmt.Errorf("%w: approle login: %v", ErrAuthFailed, err)
		}
		if resp == nil || resp.Auth == nil {
			return fmt.Errorf("%w: approle login returned no token", ErrAuthFailed)
		}
		client.SetToken(resp.Auth.ClientToken)

	default:
		return fmt.Errorf("%w: unsupported auth method %q", ErrAuthFailed, p.cfg.AuthMethod)
	}
	return nil
}

func (p *VaultProvider) Close() error {
	p.cache.clear()
	return nil
}
