package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/blockvault/s3vfs/internal/logger"
)

// S3Config configures an S3-compatible backend. It is intentionally
// narrow: connection/TLS/signing details live outside this package's
// scope per SPEC_FULL.md's Non-goals, so callers hand in an already
// configured *s3.Client.
type S3Config struct {
	Client    *s3.Client
	Bucket    string
	KeyPrefix string
}

// S3 is a Backend backed by an S3-compatible object store. It assumes
// eventual consistency unless the caller overrides Capabilities via
// WithCapabilities, since many S3-compatible services (and S3 itself,
// historically) do not guarantee list-after-delete consistency.
type S3 struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	caps      Capabilities
}

// NewS3 builds an S3 backend from a pre-configured client. Use
// NewS3ClientFromStatic for the common case of static access-key
// credentials against a fixed endpoint.
func NewS3(cfg S3Config) *S3 {
	return &S3{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		caps: Capabilities{
			ReadAfterCreateConsistent: true,
			ReadAfterDeleteConsistent: false,
			ListAfterDeleteConsistent: false,
			IsGetConsistent:           true,
		},
	}
}

// WithCapabilities overrides the default capability declaration, for
// backends known to provide stronger (or weaker) guarantees than the
// conservative S3 default.
func (b *S3) WithCapabilities(caps Capabilities) *S3 {
	b.caps = caps
	return b
}

// NewS3ClientFromStatic builds an *s3.Client from static credentials
// against a fixed endpoint, the common shape for S3-compatible object
// stores that do not support the AWS SDK's ambient credential chain.
func NewS3ClientFromStatic(ctx context.Context, endpoint, region, accessKeyID, secretAccessKey string, forcePathStyle bool) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, secretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	}), nil
}

func (b *S3) Capabilities() Capabilities { return b.caps }

func (b *S3) fullKey(key string) string { return b.keyPrefix + key }

func (b *S3) Lookup(ctx context.Context, key string) (ObjectMeta, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNoSuchKey
		}
		return nil, fmt.Errorf("head object %s: %w", key, err)
	}
	return out.Metadata, nil
}

func (b *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNoSuchKey
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return out.Body, nil
}

func (b *S3) Put(ctx context.Context, key string, data io.Reader, meta ObjectMeta) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(b.fullKey(key)),
		Body:     data,
		Metadata: meta,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	logger.Debug("uploaded backend object", logger.KeyBackendKey, key)
	return nil
}

func (b *S3) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (b *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.fullKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects with prefix %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, (*obj.Key)[len(b.keyPrefix):])
		}
	}
	return keys, nil
}

func (b *S3) Clear(ctx context.Context) error {
	keys, err := b.List(ctx, "")
	if err != nil {
		return err
	}
	objects := make([]s3types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objects[i] = s3types.ObjectIdentifier{Key: aws.String(b.fullKey(k))}
	}
	for start := 0; start < len(objects); start += 1000 {
		end := min(start+1000, len(objects))
		if end == start {
			continue
		}
		_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &s3types.Delete{Objects: objects[start:end]},
		})
		if err != nil {
			return fmt.Errorf("batch delete objects: %w", err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

var _ Backend = (*S3)(nil)
