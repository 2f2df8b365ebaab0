//go:build integration

package backend_test

import (
	"context"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/s3vfs/pkg/backend"
)

// TestS3Conformance runs the shared Backend suite against a LocalStack (or
// other S3-compatible) endpoint. Set LOCALSTACK_ENDPOINT to point at a
// non-default instance; it defaults to http://localhost:4566.
func TestS3Conformance(t *testing.T) {
	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	ctx := context.Background()
	client, err := backend.NewS3ClientFromStatic(ctx, endpoint, "us-east-1", "test", "test", true)
	require.NoError(t, err)

	bucket := "s3vfs-conformance-" + uuid.NewString()
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = emptyBucket(ctx, client, bucket)
		_, _ = client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	})

	b := backend.NewS3(backend.S3Config{Client: client, Bucket: bucket}).
		WithCapabilities(backend.Capabilities{
			ReadAfterCreateConsistent: true,
			ReadAfterDeleteConsistent: true,
			ListAfterDeleteConsistent: true,
			IsGetConsistent:           true,
		})

	backend.RunConformance(t, b)
}

func emptyBucket(ctx context.Context, client *s3.Client, bucket string) error {
	out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	if err != nil {
		return err
	}
	for _, obj := range out.Contents {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
			return err
		}
	}
	return nil
}
