package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	numPutRetries = 3
	s3PartSize    = 16 * units.MiB
)

// S3API is the part of *s3.Client the sink uses.
type S3API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Params ...
type S3Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	KeyPrefix       string
}

// S3 commits assembled uploads to a bucket instead of the STACK synced root.
type S3 struct {
	client    S3API
	bucket    string
	keyPrefix string
	retryWait time.Duration
	logger    log.Logger
}

// NewS3 loads AWS credentials and builds the sink.
func NewS3(ctx context.Context, params S3Params, logger log.Logger) (*S3, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewS3WithClient(s3.NewFromConfig(*cfg), params.Bucket, params.KeyPrefix, logger), nil
}

// NewS3WithClient ...
func NewS3WithClient(client S3API, bucket, keyPrefix string, logger log.Logger) *S3 {
	return &S3{
		client:    client,
		bucket:    bucket,
		keyPrefix: strings.Trim(keyPrefix, "/"),
		retryWait: 5 * time.Second,
		logger:    logger,
	}
}

// Location ...
func (s *S3) Location(rel string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key(rel))
}

// Commit uploads srcPath and verifies the stored object's size.
func (s *S3) Commit(ctx context.Context, srcPath, rel string, size int64) (string, error) {
	key := s.key(rel)

	if err := s.putObjectWithRetry(ctx, srcPath, key, size); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			var notFound *types.NotFound
			if errors.As(apiError, &notFound) {
				return "", fmt.Errorf("object %s not found after upload", key)
			}
		}
		return "", fmt.Errorf("verify %s: %w", key, err)
	}
	if stored := aws.ToInt64(out.ContentLength); stored != size {
		return "", fmt.Errorf("object %s has %d bytes, expected %d", key, stored, size)
	}

	if err := os.Remove(srcPath); err != nil {
		s.logger.Warnf("Failed to remove %s after upload: %s", srcPath, err)
	}

	s.logger.Debugf("Uploaded %s to %s", units.HumanSize(float64(size)), s.Location(rel))
	return s.Location(rel), nil
}

func (s *S3) putObjectWithRetry(ctx context.Context, srcPath, key string, size int64) error {
	return retry.Times(numPutRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return err, true
		}

		file, err := os.Open(srcPath)
		if err != nil {
			return fmt.Errorf("open assembled file: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
			u.PartSize = s3PartSize
		})

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:          file,
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			ContentType:   aws.String("application/octet-stream"),
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			s.logger.Warnf("Upload attempt %d of %s failed: %s", attempt+1, key, err)
			return err, false
		}
		return nil, true
	})
}

func (s *S3) key(rel string) string {
	if s.keyPrefix == "" {
		return strings.TrimPrefix(rel, "/")
	}
	return path.Join(s.keyPrefix, rel)
}

func loadAWSConfig(ctx context.Context, region, accessKeyID, secretKey string, logger log.Logger) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
