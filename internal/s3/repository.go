package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
)

type Option func(*Repository)

func WithRegion(region string) Option {
	return func(r *Repository) {
		r.Region = region
	}
}

func WithBucket(bucket string) Option {
	return func(r *Repository) {
		r.Bucket = bucket
	}
}

func WithPrefix(prefix string) Option {
	return func(r *Repository) {
		r.Prefix = prefix
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = l
	}
}

func WithForcePathStyle(forcePathStyle bool) Option {
	return func(r *Repository) {
		r.ForcePathStyle = forcePathStyle
	}
}

func WithEndpoint(endpoint string) Option {
	return func(r *Repository) {
		r.Endpoint = endpoint
	}
}

// Repository stores artifacts in an S3 bucket.
type Repository struct {
	logger     *zap.Logger
	client     *awss3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader

	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	ForcePathStyle bool
}

func New(opts ...Option) (*Repository, error) {
	r := &Repository{
		logger: zap.NewNop(),
	}

	for _, o := range opts {
		o(r)
	}

	if r.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsConfig := &aws.Config{
		Region:           aws.String(r.Region),
		S3ForcePathStyle: aws.Bool(r.ForcePathStyle),
	}

	if r.Endpoint != "" {
		awsConfig.Endpoint = aws.String(r.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, err
	}
	r.client = awss3.New(sess)
	r.uploader = s3manager.NewUploaderWithClient(r.client)
	r.downloader = s3manager.NewDownloaderWithClient(r.client)

	return r, nil
}

// Location returns the s3 URI of key.
func (r *Repository) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", r.Bucket, r.objectKey(key))
}

func (r *Repository) objectKey(key string) string {
	return strings.TrimPrefix(path.Join(r.Prefix, key), "/")
}

// Put uploads data under key. Keys that already exist are rejected.
func (r *Repository) Put(ctx context.Context, key string, data []byte) (string, error) {
	objKey := r.objectKey(key)

	r.logger.Debug(
		"S3 repository put",
		zap.String("key", key),
		zap.String("prefix", r.Prefix),
		zap.String("object_key", objKey),
		zap.String("bucket", r.Bucket),
	)

	_, err := r.client.HeadObjectWithContext(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(objKey),
	})
	if err == nil {
		return "", fmt.Errorf("%s: %w", objKey, internal.ErrExists)
	}
	if !isNotFound(err) {
		return "", internal.StorageError("head object", err)
	}

	_, err = r.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(objKey),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", internal.StorageError("upload", err)
	}
	return r.Location(key), nil
}

func (r *Repository) Get(ctx context.Context, location string) ([]byte, error) {
	bucket, key, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}

	buf := aws.NewWriteAtBuffer(nil)
	_, err = r.downloader.DownloadWithContext(ctx, buf, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("%s: %w", location, internal.ErrNotFound)
	}
	if err != nil {
		return nil, internal.StorageError("download", err)
	}
	return buf.Bytes(), nil
}

// ParseLocation splits an s3://bucket/key URI.
func ParseLocation(location string) (string, string, error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", fmt.Errorf("unsupported location %q: expected s3://", location)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 location %q", location)
	}
	return bucket, key, nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case "NotFound", awss3.ErrCodeNoSuchKey:
		return true
	}
	return false
}
