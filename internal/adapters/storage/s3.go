package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// s3API is the subset of the S3 client used by S3Storage.
type s3API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Storage implements ObjectStorage for AWS S3 and compatible stores.
// The bucket is taken from each location.
type S3Storage struct {
	client s3API
}

// S3Config holds S3 configuration.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// NewS3Storage creates a new S3 storage adapter.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	// Use explicit credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Storage{client: client}, nil
}

// List returns all objects below the literal prefix of loc.
func (s *S3Storage) List(ctx context.Context, loc domain.Location) ([]output.StorageObject, error) {
	var objects []output.StorageObject

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(loc.Bucket),
		Prefix: aws.String(loc.Prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &domain.StorageError{Operation: "list", Key: loc.Bucket + "/" + loc.Prefix, Err: mapS3Error(err)}
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			so := output.StorageObject{
				Key:  key,
				Size: aws.ToInt64(obj.Size),
				ETag: strings.Trim(aws.ToString(obj.ETag), "\""),
			}
			if obj.LastModified != nil {
				so.LastModified = *obj.LastModified
			}
			objects = append(objects, so)
		}
	}

	return objects, nil
}

// Stat returns the attributes of a single object.
func (s *S3Storage) Stat(ctx context.Context, loc domain.Location, key string) (*output.StorageObject, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &domain.StorageError{Operation: "stat", Key: key, Err: mapS3Error(err)}
	}

	obj := &output.StorageObject{
		Key:  key,
		Size: aws.ToInt64(resp.ContentLength),
		ETag: strings.Trim(aws.ToString(resp.ETag), "\""),
	}
	if resp.LastModified != nil {
		obj.LastModified = *resp.LastModified
	}
	return obj, nil
}

// GetReader returns a reader for the given object.
func (s *S3Storage) GetReader(ctx context.Context, loc domain.Location, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &domain.StorageError{Operation: "get", Key: key, Err: mapS3Error(err)}
	}
	return resp.Body, nil
}

// Download downloads an object from S3 to the local filesystem.
func (s *S3Storage) Download(ctx context.Context, loc domain.Location, key string, dest string) error {
	r, err := s.GetReader(ctx, loc, key)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	return writeFile(dest, r)
}

// mapS3Error attaches a domain sentinel to well-known S3 failures.
func mapS3Error(err error) error {
	var (
		noKey    *types.NoSuchKey
		noBucket *types.NoSuchBucket
		notFound *types.NotFound
		apiErr   smithy.APIError
	)
	switch {
	case errors.As(err, &noKey), errors.As(err, &noBucket), errors.As(err, &notFound):
		return fmt.Errorf("%v: %w", err, domain.ErrNotFound)
	case errors.As(err, &apiErr) && (apiErr.ErrorCode() == "AccessDenied" || apiErr.ErrorCode() == "Forbidden"):
		return fmt.Errorf("%v: %w", err, domain.ErrPermissionDenied)
	default:
		return err
	}
}
