package keysource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type AWSSecretsConfig struct {
	SecretID string // name or ARN
	Region   string
	RoleARN  string
	// KeyField selects the field of a JSON secret. Default "key".
	KeyField string
}

// AWSSecretsProvider reads the key from AWS Secrets Manager.
type AWSSecretsProvider struct {
	cfg   AWSSecretsConfig
	cache keyCache
}

func NewAWSSecretsProvider(cfg AWSSecretsConfig) (*AWSSecretsProvider, error) {
	if cfg.SecretID == "" {
		return nil, fmt.Errorf("aws_secrets_manager: secret_id is required")
	}
	if cfg.KeyField == "" {
		cfg.KeyField = "key"
	}
	return &AWSSecretsProvider{cfg: cfg}, nil
}

func (p *AWSSecretsProvider) Name() string { return "aws_secrets_manager:" + p.cfg.SecretID }

func (p *AWSSecretsProvider) GetKey(ctx context.Context) ([]byte, error) {
	return p.cache.get(ctx, func(ctx context.Context) ([]byte, error) {
		awsCfg, err := loadAWSConfig(ctx, p.cfg.Region, p.cfg.RoleARN)
		if err != nil {
			return nil, err
		}
		out, err := secretsmanager.NewFromConfig(awsCfg).GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(p.cfg.SecretID),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: get secret: %v", ErrProviderUnavailable, err)
		}
		return secretKey(out, p.cfg.KeyField)
	})
}

func (p *AWSSecretsProvider) Close() error {
	p.cache.clear()
	return nil
}

// secretKey extracts the key from a secret value. Binary secrets are used
// as is; a JSON object yields its field, any other string is decoded like
// a Key Vault secret.
func secretKey(out *secretsmanager.GetSecretValueOutput, field string) ([]byte, error) {
	if len(out.SecretBinary) > 0 {
		return out.SecretBinary, nil
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return nil, ErrKeyNotFound
	}
	s := *out.SecretString
	var obj map[string]any
	if json.Unmarshal([]byte(s), &obj) == nil {
		v, ok := obj[field].(string)
		if !ok || v == "" {
			return nil, fmt.Errorf("%w: field %q missing from secret", ErrKeyNotFound, field)
		}
		return decodeSecret(v), nil
	}
	return decodeSecret(s), nil
}
