package s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
)

// API is the subset of the S3 client used by the store.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader performs an optimized upload. A failing uploader makes the store
// fall back to a plain PutObject.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, key string, data []byte, contentType string) error

// Upload implements Uploader.
func (f UploaderFunc) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	return f(ctx, key, data, contentType)
}

// Config represents S3 content store configuration
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ForcePathStyle  bool

	MaxRetries     int
	RequestTimeout time.Duration

	// Uploads go through the CargoShip transporter when set.
	EnableCargoShipOptimization bool

	Logger *slog.Logger
}

// newClient loads the AWS configuration and creates the S3 client.
func newClient(ctx context.Context, cfg *Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// newCargoShipUploader wraps the CargoShip transporter. Reports are small so
// the multipart threshold is never reached in practice.
func newCargoShipUploader(client *s3.Client, bucket string, logger *slog.Logger) Uploader {
	transporter := cargoships3.NewTransporter(client, awsconfig.S3Config{
		Bucket:             bucket,
		StorageClass:       awsconfig.StorageClassStandard,
		MultipartThreshold: 32 * 1024 * 1024,
		MultipartChunkSize: 16 * 1024 * 1024,
		Concurrency:        4,
	})

	return UploaderFunc(func(ctx context.Context, key string, data []byte, contentType string) error {
		result, err := transporter.Upload(ctx, cargoships3.Archive{
			Key:          key,
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: awsconfig.StorageClassStandard,
			Metadata: map[string]string{
				"rescache-upload": "true",
				"content-type":    contentType,
			},
		})
		if err != nil {
			return err
		}
		logger.Debug("CargoShip upload completed",
			"key", key,
			"size", len(data),
			"throughput", result.Throughput,
			"duration", result.Duration)
		return nil
	})
}
