package filesystem

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"kozeki/internal/config"
	"kozeki/internal/kozeki"
)

// NewFilesystemFromConfig creates a Filesystem implementation based on the
// filesystem config type. Relative local roots resolve against cfg.BaseDir.
func NewFilesystemFromConfig(cfg *config.Config, fsCfg config.FilesystemConfig, logger kozeki.Logger) (kozeki.Filesystem, error) {
	switch fsCfg.Type {
	case config.FilesystemLocal:
		if fsCfg.Root == "" {
			return nil, fmt.Errorf("local filesystem requires root to be set")
		}
		root := cfg.ResolvePath(fsCfg.Root)
		patterns, err := ParseIgnoreFile(filepath.Join(root, IgnoreFileName))
		if err != nil {
			return nil, err
		}
		ignore := NewIgnoreMatcher(append(append([]string(nil), cfg.Ignore...), patterns...))
		return NewLocalFilesystem(root, ignore, WithLogger(logger)), nil
	case config.FilesystemMemory:
		return NewMemoryFilesystem(nil), nil
	case config.FilesystemS3:
		if fsCfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 filesystem requires s3_bucket to be set")
		}
		client, err := newS3Client(context.Background(), fsCfg)
		if err != nil {
			return nil, err
		}
		return NewS3Filesystem(client, fsCfg.S3Bucket, fsCfg.S3Prefix, fsCfg.S3CacheControl), nil
	default:
		return nil, fmt.Errorf("unknown filesystem type: %s", fsCfg.Type)
	}
}

// newS3Client loads the default AWS configuration chain, overridden by the
// region, static credentials and endpoint set in fsCfg.
func newS3Client(ctx context.Context, fsCfg config.FilesystemConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if fsCfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(fsCfg.S3Region))
	}
	if fsCfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(fsCfg.S3AccessKeyID, fsCfg.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if fsCfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(fsCfg.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
