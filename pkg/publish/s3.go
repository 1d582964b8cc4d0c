package publish

import (
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
)

const (
	defaultPartSize    = 5 * 1024 * 1024 // 5MB
	defaultConcurrency = 4
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Publisher uploads artifacts to an S3 compatible bucket.
type S3Publisher struct {
	uploader uploader
	fs       afero.Fs
	bucket   string
	prefix   string
	logger   logging.Interface
}

// NewS3Publisher builds the client from the default AWS chain, with static
// credentials when both keys are set.
func NewS3Publisher(ctx context.Context, cfg Config, fs afero.Fs, logger logging.Interface) (*S3Publisher, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	partSize := cfg.PartSize
	if partSize <= 0 {
		partSize = defaultPartSize
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	up := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = concurrency
		u.LeavePartsOnError = false
	})

	return newS3Publisher(up, fs, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3Publisher(up uploader, fs afero.Fs, bucket, prefix string, logger logging.Interface) *S3Publisher {
	return &S3Publisher{
		uploader: up,
		fs:       fs,
		bucket:   bucket,
		prefix:   prefix,
		logger:   logger,
	}
}

// Publish uploads every artifact; failures are collected and the rest
// still upload.
func (p *S3Publisher) Publish(ctx context.Context, artifacts []Artifact) ([]string, error) {
	var (
		locations []string
		result    error
	)
	for _, a := range artifacts {
		location, err := p.upload(ctx, a)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		locations = append(locations, location)
	}
	return locations, result
}

func (p *S3Publisher) upload(ctx context.Context, a Artifact) (string, error) {
	f, err := p.fs.Open(a.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %s", a.Path)
	}
	defer f.Close()

	key := path.Join(p.prefix, a.Key)
	out, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", wrapError(err, fmt.Sprintf("failed to upload %s", key))
	}

	p.logger.WithField("key", key).Infof("Uploaded %s", a.Path)
	if out != nil && out.Location != "" {
		return out.Location, nil
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}

func wrapError(err error, msg string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return fmt.Errorf("%s: bucket not found: %w", msg, err)
		case "AccessDenied":
			return fmt.Errorf("%s: access denied: %w", msg, err)
		default:
			return fmt.Errorf("%s: %s: %w", msg, apiErr.ErrorCode(), err)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
