package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numS3UploadRetries = 3

// S3UploadParams configures the direct-to-bucket transport used when the
// record service hands back bucket coordinates instead of presigned URLs
// (self-hosted deployments).
type S3UploadParams struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

type s3Transport struct {
	client *s3.Client
	bucket string
	logger log.Logger
}

// NewS3Transport creates a transport that uploads component payloads
// straight into an S3-compatible bucket.
func NewS3Transport(ctx context.Context, params S3UploadParams, logger log.Logger) (*s3Transport, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return &s3Transport{
		client: s3.NewFromConfig(*cfg),
		bucket: params.Bucket,
		logger: logger,
	}, nil
}

// UploadComponent puts one component payload under a record/version scoped
// key. If an object with the same digest is already present the upload is
// skipped, mirroring the resume semantics of the presigned-URL path.
func (t *s3Transport) UploadComponent(ctx context.Context, record *FileRecord, component ComponentType, localPath string, digest string, size int64, mimeType string) error {
	version := record.LatestVersion()
	if version == nil {
		return fmt.Errorf("record %s has no version to upload into", record.ID)
	}
	descriptor := version.Component(component)
	if descriptor == nil {
		return fmt.Errorf("version %d has no %s descriptor", version.Number, component)
	}
	if descriptor.SizeInBytes != size || descriptor.ContentDigest != digest {
		return &DescriptorMismatchError{
			Component: component,
			Field:     "digest",
			Local:     digest,
			Remote:    descriptor.ContentDigest,
		}
	}

	objectKey := fmt.Sprintf("%s/%d/%s", record.ID, version.Number, component)

	remoteDigest, err := t.findDigestWithRetry(ctx, objectKey)
	if err != nil {
		return fmt.Errorf("validate object: %w", err)
	}
	if remoteDigest == digest {
		t.logger.Debugf("Found %s object with the same digest, skipping upload", component)
		return nil
	}

	return t.putObjectWithRetry(ctx, objectKey, localPath, digest, size, mimeType)
}

// findDigestWithRetry returns the stored object's MD5 digest, or an empty
// string when the object is not present.
func (t *s3Transport) findDigestWithRetry(ctx context.Context, objectKey string) (string, error) {
	var digest string
	err := retry.Times(numS3UploadRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		head, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					return nil, true
				default:
					return fmt.Errorf("validating object: %w", err), false
				}
			}
			return fmt.Errorf("validating object: %w", err), false
		}

		if head.Metadata != nil {
			digest = head.Metadata["content-md5"]
		}
		return nil, true
	})

	return digest, err
}

func (t *s3Transport) putObjectWithRetry(ctx context.Context, objectKey string, localPath string, digest string, size int64, mimeType string) error {
	return retry.Times(numS3UploadRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("open payload: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		var partMB int64 = 10
		uploader := manager.NewUploader(t.client, func(u *manager.Uploader) {
			u.PartSize = partMB * 1024 * 1024
		})

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:          file,
			Bucket:        aws.String(t.bucket),
			Key:           aws.String(objectKey),
			ContentType:   aws.String(mimeType),
			ContentLength: aws.Int64(size),
			Metadata:      map[string]string{"content-md5": digest},
		})
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("upload aborted: %w", ctx.Err()), false
			}
			return fmt.Errorf("upload component: %w", err), false
		}

		return nil, true
	})
}

func loadAWSCredentials(ctx context.Context, region string, accessKeyID string, secretAccessKey string, logger log.Logger) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("Region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	} else {
		logger.Debugf("No static AWS credentials provided, using the default chain")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
