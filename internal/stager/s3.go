package stager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config carries the client settings for s3:// locations. The bucket
// comes from each location, not the config.
type S3Config struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// S3Stager downloads s3://bucket/key objects into the work directory.
// Local locations fall through to a FileStager, as does delivery.
type S3Stager struct {
	*FileStager
	client *awss3.Client
	logger *slog.Logger
}

// NewS3Stager builds an S3 client from the config. Empty credentials use
// the default provider chain; a custom endpoint switches to path-style
// addressing for S3-compatible services.
func NewS3Stager(ctx context.Context, logger *slog.Logger, cfg S3Config) (*S3Stager, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 stager: load aws config: %w", err)
	}

	var s3Opts []func(*awss3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Stager{
		FileStager: NewFileStager(),
		client:     awss3.NewFromConfig(awsCfg, s3Opts...),
		logger:     logger.With("component", "stager"),
	}, nil
}

// StageIn downloads an s3:// object into destDir and returns the local
// path. Other schemes go through the file stager.
func (s *S3Stager) StageIn(ctx context.Context, location, destDir string) (string, error) {
	scheme, rest := ParseLocation(location)
	if scheme != SchemeS3 {
		return s.FileStager.StageIn(ctx, location, destDir)
	}

	bucket, key, err := splitObject(rest)
	if err != nil {
		return "", err
	}

	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("s3 stager: get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("s3 stager: mkdir %s: %w", destDir, err)
	}
	destPath := filepath.Join(destDir, filepath.Base(key))
	f, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("s3 stager: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, out.Body)
	if err != nil {
		return "", fmt.Errorf("s3 stager: download s3://%s/%s: %w", bucket, key, err)
	}
	s.logger.Debug("object staged", "bucket", bucket, "key", key, "bytes", n)
	return destPath, nil
}

// splitObject separates bucket and key from the body of an s3:// URI.
func splitObject(rest string) (bucket, key string, err error) {
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 stager: location needs s3://bucket/key, got s3://%s", rest)
	}
	return bucket, key, nil
}
