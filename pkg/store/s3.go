package store

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ajaxrace/ajaxrace/pkg/config"
	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

// S3Backend stores documents as objects below a bucket prefix.
type S3Backend struct {
	cfg    config.S3Config
	client *s3.Client
}

// NewS3Backend creates a new S3 store backend.
func NewS3Backend(ctx context.Context, cfg config.S3Config) (*S3Backend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	// Build AWS config options
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	// Use explicit credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStoreConnect, "load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Backend{cfg: cfg, client: client}, nil
}

func (b *S3Backend) key(key string) string {
	return b.cfg.Prefix + key
}

func (b *S3Backend) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(b.key(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrapf(err, errors.CodeStoreWrite, "put s3://%s/%s", b.cfg.Bucket, b.key(key))
	}
	return nil
}

func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if stderrors.As(err, &missing) {
			return nil, notFound(b.Name(), key)
		}
		return nil, errors.Wrapf(err, errors.CodeStoreRead, "get s3://%s/%s", b.cfg.Bucket, b.key(key))
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeStoreRead, "read s3://%s/%s", b.cfg.Bucket, b.key(key))
	}
	return data, nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		return errors.Wrapf(err, errors.CodeStoreWrite, "delete s3://%s/%s", b.cfg.Bucket, b.key(key))
	}
	return nil
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.cfg.Bucket),
		Prefix: aws.String(b.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeStoreRead, "list s3://%s/%s", b.cfg.Bucket, b.key(prefix))
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), b.cfg.Prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Name returns "s3".
func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) Close() error { return nil }
