package keysource

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

type AWSConfig struct {
	KeyID            string // key ARN or alias
	Region           string
	EncryptedDEKFile string
	// RoleARN is assumed on top of the default credentials when set.
	RoleARN string
}

// loadAWSConfig resolves the default credential chain, optionally assuming
// roleARN.
func loadAWSConfig(ctx context.Context, region, roleARN string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("%w: load AWS config: %v", ErrAuthFailed, err)
	}
	if roleARN != "" {
		creds := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), roleARN)
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
	}
	return awsCfg, nil
}

// AWSProvider unwraps a data key with AWS KMS.
type AWSProvider struct {
	cfg   AWSConfig
	cache keyCache
}

func NewAWSProvider(cfg AWSConfig) (*AWSProvider, error) {
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("aws_kms: key_id is required")
	}
	if cfg.EncryptedDEKFile == "" {
		return nil, fmt.Errorf("aws_kms: encrypted_dek_file is required")
	}
	return &AWSProvider{cfg: cfg}, nil
}

func (p *AWSProvider) Name() string { return "aws_kms:" + p.cfg.KeyID }

func (p *AWSProvider) GetKey(ctx context.Context) ([]byte, error) {
	return p.cache.get(ctx, func(ctx context.Context) ([]byte, error) {
		awsCfg, err := loadAWSConfig(ctx, p.cfg.Region, p.cfg.RoleARN)
		if err != nil {
			return nil, err
		}
		client := kms.NewFromConfig(awsCfg)

		return envelopeKey(ctx, p.cfg.EncryptedDEKFile,
			func(ctx context.Context, wrapped []byte) ([]byte, error) {
				out, err := client.Decrypt(ctx, &kms.DecryptInput{
					KeyId:          aws.String(p.cfg.KeyID),
					CiphertextBlob: wrapped,
				})
				if err != nil {
					return nil, err
				}
				return out.Plaintext, nil
			},
			func(ctx context.Context) ([]byte, []byte, error) {
				out, err := client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
					KeyId:   aws.String(p.cfg.KeyID),
					KeySpec: kmstypes.DataKeySpecAes256,
				})
				if err != nil {
					return nil, nil, err
				}
				return out.Plaintext, out.CiphertextBlob, nil
			})
	})
}

func (p *AWSProvider) Close() error {
	p.cache.clear()
	return nil
}
