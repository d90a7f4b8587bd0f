package keysource

import (
	"context"
	"crypto/rand"
	"fmt"

	kmsv1 "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
)

type GCPConfig struct {
	// KeyName is the full crypto key resource name.
	KeyName          string
	EncryptedDEKFile string
}

// GCPProvider wraps a locally generated data key with Cloud KMS.
type GCPProvider struct {
	cfg   GCPConfig
	cache keyCache
}

func NewGCPProvider(cfg GCPConfig) (*GCPProvider, error) {
	if cfg.KeyName == "" {
		return nil, fmt.Errorf("gcp_kms: key_name is required")
	}
	if cfg.EncryptedDEKFile == "" {
		return nil, fmt.Errorf("gcp_kms: encrypted_dek_file is required")
	}
	return &GCPProvider{cfg: cfg}, nil
}

func (p *GCPProvider) Name() string { return "gcp_kms:" + p.cfg.KeyName }

func (p *GCPProvider) GetKey(ctx context.Context) ([]byte, error) {
	return p.cache.get(ctx, func(ctx context.Context) ([]byte, error) {
		client, err := kmsv1.NewKeyManagementClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: create GCP KMS client: %v", ErrAuthFailed, err)
		}
		defer client.Close()

		return envelopeKey(ctx, p.cfg.EncryptedDEKFile,
			func(ctx context.Context, wrapped []byte) ([]byte, error) {
				resp, err := client.Decrypt(ctx, &kmspb.DecryptRequest{Name: p.cfg.KeyName, Ciphertext: wrapped})
				if err != nil {
					return nil, err
				}
				return resp.Plaintext, nil
			},
			func(ctx context.Context) ([]byte, []byte, error) {
				key := make([]byte, 32)
				if _, err := rand.Read(key); err != nil {
					return nil, nil, err
				}
				resp, err := client.Encrypt(ctx, &kmspb.EncryptRequest{Name: p.cfg.KeyName, Plaintext: key})
				if err != nil {
					return nil, nil, err
				}
				return key, resp.Ciphertext, nil
			})
	})
}

func (p *GCPProvider) Close() error {
	p.cache.clear()
	return nil
}
