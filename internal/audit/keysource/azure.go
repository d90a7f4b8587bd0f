package keysource

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

type AzureConfig struct {
	VaultURL   string
	KeyName    string
	KeyVersion string // empty is the latest version
}

// AzureProvider reads the key from a Key Vault secret using the default
// Azure credential chain.
type AzureProvider struct {
	cfg   AzureConfig
	cache keyCache
}

func NewAzureProvider(cfg AzureConfig) (*AzureProvider, error) {
	if cfg.VaultURL == "" {
		return nil, fmt.Errorf("azure_keyvault: vault_url is required")
	}
	if cfg.KeyName == "" {
		return nil, fmt.Errorf("azure_keyvault: key_name is required")
	}
	return &AzureProvider{cfg: cfg}, nil
}

func (p *AzureProvider) Name() string { return "azure_keyvault:" + p.cfg.KeyName }

func (p *AzureProvider) GetKey(ctx context.Context) ([]byte, error) {
	return p.cache.get(ctx, func(ctx context.Context) ([]byte, error) {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: azure credential: %v", ErrAuthFailed, err)
		}
		client, err := azsecrets.NewClient(p.cfg.VaultURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: key vault client: %v", ErrAuthFailed, err)
		}
		resp, err := client.GetSecret(ctx, p.cfg.KeyName, p.cfg.KeyVersion, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: get secret: %v", ErrProviderUnavailable, err)
		}
		if resp.Value == nil || *resp.Value == "" {
			return nil, fmt.Errorf("%w: secret %q is empty", ErrKeyNotFound, p.cfg.KeyName)
		}
		return decodeSecret(*resp.Value), nil
	})
}

func (p *AzureProvider) Close() error {
	p.cache.clear()
	return nil
}

// decodeSecret accepts base64 and falls back to the raw bytes.
func decodeSecret(s string) []byte {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) > 0 {
		return b
	}
	return []byte(s)
}
