package services

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/savaki/gox/slicex"
)

// deleteBatchSize is the DeleteObjects limit
const deleteBatchSize = 1000

// ObjectStore reads and writes objects with server side encryption
type ObjectStore struct {
	client S3API
}

// NewObjectStore returns an ObjectStore for cfg
func NewObjectStore(cfg aws.Config) *ObjectStore {
	return NewObjectStoreWithClient(s3.NewFromConfig(cfg))
}

// NewObjectStoreWithClient returns an ObjectStore over an existing client
func NewObjectStoreWithClient(client S3API) *ObjectStore {
	return &ObjectStore{client: client}
}

// PutObject writes data with AES256 encryption
func (o *ObjectStore) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// GetObject reads an entire object
func (o *ObjectStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// ListKeys returns every key under prefix
func (o *ObjectStore) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var (
		keys      []string
		paginator = s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		})
	)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", bucket, prefix, err)
		}
		keys = append(keys, slicex.Map(page.Contents, func(obj types.Object) string {
			return aws.ToString(obj.Key)
		})...)
	}
	return keys, nil
}

// Exists reports whether at least one object exists under prefix
func (o *ObjectStore) Exists(ctx context.Context, bucket, prefix string) (bool, error) {
	out, err := o.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list s3://%s/%s: %w", bucket, prefix, err)
	}
	return len(out.Contents) > 0, nil
}

// DeleteKeys deletes keys in batches and returns how many were deleted
func (o *ObjectStore) DeleteKeys(ctx context.Context, bucket string, keys []string) (int, error) {
	ids := slicex.Map(keys, func(key string) types.ObjectIdentifier {
		return types.ObjectIdentifier{Key: aws.String(key)}
	})
	return deleteObjects(ctx, o.client, bucket, ids)
}

// DeletePrefix deletes every key under prefix
func (o *ObjectStore) DeletePrefix(ctx context.Context, bucket, prefix string) (int, error) {
	keys, err := o.ListKeys(ctx, bucket, prefix)
	if err != nil {
		return 0, err
	}
	return o.DeleteKeys(ctx, bucket, keys)
}

func deleteObjects(ctx context.Context, client S3API, bucket string, ids []types.ObjectIdentifier) (int, error) {
	var deleted int
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		out, err := client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{
				Objects: ids[start:end],
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete objects from %s: %w", bucket, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return deleted + (end - start - len(out.Errors)), fmt.Errorf("failed to delete %d objects from %s, first %s: %s",
				len(out.Errors), bucket, aws.ToString(e.Key), aws.ToString(e.Message))
		}
		deleted += end - start
	}
	return deleted, nil
}
