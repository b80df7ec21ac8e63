package statehistory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures the S3 artifact store.
type S3Config struct {
	Bucket   string `yaml:"bucket" env:"BUCKET"`
	Region   string `yaml:"region" env:"REGION"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"` // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles or the standard AWS
	// environment variables over setting these directly.
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`                 // Key prefix for all objects
	UsePathStyle    bool   `yaml:"use_path_style" env:"USE_PATH_STYLE"` // Use path-style addressing
	CacheSize       int    `yaml:"cache_size" env:"CACHE_SIZE"`         // Number of artifacts to cache (default: 16)

	Retry RetryConfig `yaml:"retry" envPrefix:"RETRY_"`
}

// S3Client is the subset of the S3 API the artifact store uses.
type S3Client interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3ArtifactStore keeps artifacts in S3 or an S3-compatible service, with a
// small read cache in front.
type S3ArtifactStore struct {
	client  S3Client
	config  S3Config
	cache   *LRUCache[[]byte]
	retryer *Retryer
}

// NewS3ArtifactStore builds an AWS client from cfg and the default
// credential chain.
func NewS3ArtifactStore(ctx context.Context, cfg S3Config) (*S3ArtifactStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 artifact store: bucket is required: %w", ErrInvalidArgument)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}
	return NewS3ArtifactStoreWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg)
}

// NewS3ArtifactStoreWithClient wraps an existing client.
func NewS3ArtifactStoreWithClient(client S3Client, cfg S3Config) (*S3ArtifactStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 artifact store: bucket is required: %w", ErrInvalidArgument)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 16
	}
	return &S3ArtifactStore{
		client:  client,
		config:  cfg,
		cache:   NewLRUCache[[]byte](cfg.CacheSize),
		retryer: NewRetryer(cfg.Retry),
	}, nil
}

func (s *S3ArtifactStore) objectKey(key string) string {
	return s.config.Prefix + key
}

func (s *S3ArtifactStore) Read(ctx context.Context, key string) ([]byte, error) {
	fullKey := s.objectKey(key)
	if data, ok := s.cache.Get(fullKey); ok {
		return data, nil
	}

	data, res := retryValue(ctx, s.retryer, func() ([]byte, error) {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(fullKey),
		})
		if err != nil {
			if isS3NotFound(err) {
				return nil, fmt.Errorf("artifact %q: %w", key, fs.ErrNotExist)
			}
			return nil, fmt.Errorf("S3 get object failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		return io.ReadAll(resp.Body)
	})
	if res.LastErr != nil {
		return nil, res.LastErr
	}
	s.cache.Put(fullKey, data)
	return data, nil
}

func (s *S3ArtifactStore) Write(ctx context.Context, key string, data []byte) error {
	fullKey := s.objectKey(key)
	res := s.retryer.Do(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(fullKey),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	if res.LastErr != nil {
		return res.LastErr
	}
	s.cache.Put(fullKey, data)
	return nil
}

func (s *S3ArtifactStore) Delete(ctx context.Context, key string) error {
	fullKey := s.objectKey(key)
	s.cache.Delete(fullKey)
	res := s.retryer.Do(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(fullKey),
		})
		if err != nil && !isS3NotFound(err) {
			return fmt.Errorf("S3 delete object failed: %w", err)
		}
		return nil
	})
	return res.LastErr
}

func (s *S3ArtifactStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.config.Prefix))
		}
	}
	return keys, nil
}

func (s *S3ArtifactStore) Exists(ctx context.Context, key string) (bool, error) {
	fullKey := s.objectKey(key)
	if _, ok := s.cache.Get(fullKey); ok {
		return true, nil
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("S3 head object failed: %w", err)
	}
	return true, nil
}

func (s *S3ArtifactStore) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "StatusCode: 404")
}

var _ ArtifactStore = (*S3ArtifactStore)(nil)
