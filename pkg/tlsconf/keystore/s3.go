package keystore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/mitchellh/mapstructure"
)

// S3Config configures a bucket-backed keystore.
type S3Config struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

// ObjectGetter is the subset of the S3 client the keystore needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 loads PEM objects <prefix><alias>.crt and <prefix><alias>.key.
type S3 struct {
	client ObjectGetter
	bucket string
	prefix string
}

// NewS3 creates an S3 keystore over an existing client.
func NewS3(client ObjectGetter, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func newS3FromOptions(ctx context.Context, options map[string]any) (Keystore, error) {
	var cfg S3Config
	if err := mapstructure.Decode(options, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 keystore config: %w", err)
	}

	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 keystore: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("S3 keystore: region is required")
	}

	var configOptions []func(*awsConfig.LoadOptions) error
	configOptions = append(configOptions, awsConfig.WithRegion(cfg.Region))

	// Static credentials when given, default chain otherwise
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// MinIO and Localstack need a custom endpoint with path-style addressing
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3(client, cfg.Bucket, cfg.KeyPrefix), nil
}

// Load fetches and parses the alias' certificate and key objects.
func (s *S3) Load(ctx context.Context, alias string) (*tls.Certificate, error) {
	if err := validAlias(alias); err != nil {
		return nil, err
	}

	certPEM, err := s.get(ctx, s.prefix+certObjectName(alias))
	if err != nil {
		return nil, err
	}
	keyPEM, err := s.get(ctx, s.prefix+keyObjectName(alias))
	if err != nil {
		return nil, err
	}
	return parsePair(alias, certPEM, keyPEM)
}

func (s *S3) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.bucket, key)
		}
		return nil, fmt.Errorf("S3 keystore: get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("S3 keystore: read s3://%s/%s: %w", s.bucket, key, err)
	}
	return data, nil
}

// Close is a no-op; the S3 client holds no connections that need releasing.
func (s *S3) Close() error { return nil }
