package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
)

// S3API is the subset of the S3 API used by BucketService and ObjectStore
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	PutBucketEncryption(ctx context.Context, params *s3.PutBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error)
	PutBucketLifecycleConfiguration(ctx context.Context, params *s3.PutBucketLifecycleConfigurationInput, optFns ...func(*s3.Options)) (*s3.PutBucketLifecycleConfigurationOutput, error)
	PutBucketCors(ctx context.Context, params *s3.PutBucketCorsInput, optFns ...func(*s3.Options)) (*s3.PutBucketCorsOutput, error)
	PutBucketNotificationConfiguration(ctx context.Context, params *s3.PutBucketNotificationConfigurationInput, optFns ...func(*s3.Options)) (*s3.PutBucketNotificationConfigurationOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// BucketSpec describes one bucket and its configuration
type BucketSpec struct {
	Name       string
	Versioning bool
	Encryption bool
	Lifecycle  []types.LifecycleRule
	CORS       []types.CORSRule
}

// BucketResult reports what EnsureBucket did
type BucketResult struct {
	Name    string
	Created bool
	// Warnings are configuration steps that failed without failing the bucket
	Warnings []string
}

// DefaultBuckets returns the images, results, telemetry and artifacts buckets
func DefaultBuckets(accountID string) []BucketSpec {
	return []BucketSpec{
		{
			Name:       constants.BucketName(constants.BucketImages, accountID),
			Versioning: true,
			Encryption: true,
			Lifecycle: []types.LifecycleRule{
				{
					ID:                          aws.String("DeleteOldVersions"),
					Status:                      types.ExpirationStatusEnabled,
					Filter:                      &types.LifecycleRuleFilter{Prefix: aws.String("")},
					NoncurrentVersionExpiration: &types.NoncurrentVersionExpiration{NoncurrentDays: aws.Int32(30)},
				},
			},
			CORS: []types.CORSRule{
				{
					AllowedHeaders: []string{"*"},
					AllowedMethods: []string{"GET", "PUT", "POST", "DELETE"},
					AllowedOrigins: []string{"*"},
					ExposeHeaders:  []string{"ETag"},
				},
			},
		},
		{
			Name:       constants.BucketName(constants.BucketResults, accountID),
			Versioning: true,
			Encryption: true,
			Lifecycle: []types.LifecycleRule{
				{
					ID:         aws.String("DeleteOldResults"),
					Status:     types.ExpirationStatusEnabled,
					Filter:     &types.LifecycleRuleFilter{Prefix: aws.String("")},
					Expiration: &types.LifecycleExpiration{Days: aws.Int32(90)},
				},
			},
		},
		{
			Name:       constants.BucketName(constants.BucketTelemetry, accountID),
			Encryption: true,
			Lifecycle: []types.LifecycleRule{
				{
					ID:     aws.String("TransitionToIA"),
					Status: types.ExpirationStatusEnabled,
					Filter: &types.LifecycleRuleFilter{Prefix: aws.String("")},
					Transitions: []types.Transition{
						{Days: aws.Int32(30), StorageClass: types.TransitionStorageClassStandardIa},
					},
				},
				{
					ID:         aws.String("DeleteOldTelemetry"),
					Status:     types.ExpirationStatusEnabled,
					Filter:     &types.LifecycleRuleFilter{Prefix: aws.String("")},
					Expiration: &types.LifecycleExpiration{Days: aws.Int32(365)},
				},
			},
		},
		{
			Name:       constants.BucketName(constants.BucketArtifacts, accountID),
			Encryption: true,
			Lifecycle: []types.LifecycleRule{
				{
					ID:     aws.String("TransitionToOneZoneIA"),
					Status: types.ExpirationStatusEnabled,
					Filter: &types.LifecycleRuleFilter{Prefix: aws.String("")},
					Transitions: []types.Transition{
						{Days: aws.Int32(0), StorageClass: types.TransitionStorageClassOnezoneIa},
					},
				},
			},
		},
	}
}

// BucketService provisions and tears down buckets
type BucketService struct {
	client S3API
	region string
	// settle is the pause between creating a bucket and configuring it
	settle time.Duration
}

// NewBucketService returns a BucketService for the region of cfg
func NewBucketService(cfg aws.Config) *BucketService {
	return NewBucketServiceWithClient(s3.NewFromConfig(cfg), cfg.Region)
}

// NewBucketServiceWithClient returns a BucketService over an existing client
func NewBucketServiceWithClient(client S3API, region string) *BucketService {
	return &BucketService{
		client: client,
		region: region,
		settle: 2 * time.Second,
	}
}

// IsNotFound reports whether err is a 404 style API error
func IsNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket", "NoSuchKey", "404",
			"ResourceNotFoundException", "NoSuchEntity", "EntityNotFoundException",
			"StateMachineDoesNotExist", "RepositoryNotFoundException", "ParameterNotFound":
			return true
		}
	}
	return false
}

// BucketExists reports whether a bucket exists and is reachable
func (s *BucketService) BucketExists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) || IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to head bucket %s: %w", name, err)
}

// EnsureBucket creates a bucket when it does not exist and applies its
// configuration. Existing buckets are left untouched.
func (s *BucketService) EnsureBucket(ctx context.Context, spec BucketSpec) (*BucketResult, error) {
	logger := zerolog.Ctx(ctx).With().Str("bucket", spec.Name).Logger()
	result := &BucketResult{Name: spec.Name}

	exists, err := s.BucketExists(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		logger.Info().Msg("bucket already exists")
		return result, nil
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(spec.Name)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", spec.Name, err)
	}
	result.Created = true
	logger.Info().Msg("created bucket")

	if s.settle > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.settle):
		}
	}

	if err := s.configure(ctx, spec, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BucketService) configure(ctx context.Context, spec BucketSpec, result *BucketResult) error {
	logger := zerolog.Ctx(ctx).With().Str("bucket", spec.Name).Logger()
	bucket := aws.String(spec.Name)

	if spec.Versioning {
		_, err := s.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket:                  bucket,
			VersioningConfiguration: &types.VersioningConfiguration{Status: types.BucketVersioningStatusEnabled},
		})
		if err != nil {
			return fmt.Errorf("failed to enable versioning for %s: %w", spec.Name, err)
		}
		logger.Info().Msg("enabled versioning")
	}

	if spec.Encryption {
		_, err := s.client.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
			Bucket: bucket,
			ServerSideEncryptionConfiguration: &types.ServerSideEncryptionConfiguration{
				Rules: []types.ServerSideEncryptionRule{
					{
						ApplyServerSideEncryptionByDefault: &types.ServerSideEncryptionByDefault{
							SSEAlgorithm: types.ServerSideEncryptionAes256,
						},
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to enable encryption for %s: %w", spec.Name, err)
		}
		logger.Info().Msg("enabled encryption")
	}

	if len(spec.Lifecycle) > 0 {
		_, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
			Bucket:                 bucket,
			LifecycleConfiguration: &types.BucketLifecycleConfiguration{Rules: spec.Lifecycle},
		})
		if err != nil {
			logger.Warn().Err(err).Msg("unable to apply lifecycle policy")
			result.Warnings = append(result.Warnings, fmt.Sprintf("lifecycle: %v", err))
		} else {
			logger.Info().Msg("applied lifecycle policy")
		}
	}

	if len(spec.CORS) > 0 {
		_, err := s.client.PutBucketCors(ctx, &s3.PutBucketCorsInput{
			Bucket:            bucket,
			CORSConfiguration: &types.CORSConfiguration{CORSRules: spec.CORS},
		})
		if err != nil {
			return fmt.Errorf("failed to apply CORS policy to %s: %w", spec.Name, err)
		}
		logger.Info().Msg("applied CORS policy")
	}

	return nil
}

// EnableEventBridge turns on EventBridge notifications for a bucket
func (s *BucketService) EnableEventBridge(ctx context.Context, name string) error {
	_, err := s.client.PutBucketNotificationConfiguration(ctx, &s3.PutBucketNotificationConfigurationInput{
		Bucket: aws.String(name),
		NotificationConfiguration: &types.NotificationConfiguration{
			EventBridgeConfiguration: &types.EventBridgeConfiguration{},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to enable EventBridge notifications for %s: %w", name, err)
	}
	zerolog.Ctx(ctx).Info().Str("bucket", name).Msg("enabled EventBridge notifications")
	return nil
}

// ListBuckets returns the names of buckets starting with prefix
func (s *BucketService) ListBuckets(ctx context.Context, prefix string) ([]string, error) {
	out, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	var names []string
	for _, b := range out.Buckets {
		if name := aws.ToString(b.Name); strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// EmptyBucket deletes every object version and delete marker in a bucket
func (s *BucketService) EmptyBucket(ctx context.Context, name string) (int, error) {
	var (
		deleted int
		input   = &s3.ListObjectVersionsInput{Bucket: aws.String(name)}
	)
	for {
		page, err := s.client.ListObjectVersions(ctx, input)
		if err != nil {
			return deleted, fmt.Errorf("failed to list object versions in %s: %w", name, err)
		}

		var ids []types.ObjectIdentifier
		for _, v := range page.Versions {
			ids = append(ids, types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range page.DeleteMarkers {
			ids = append(ids, types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}

		n, err := deleteObjects(ctx, s.client, name, ids)
		deleted += n
		if err != nil {
			return deleted, err
		}

		if !aws.ToBool(page.IsTruncated) {
			return deleted, nil
		}
		input.KeyMarker = page.NextKeyMarker
		input.VersionIdMarker = page.NextVersionIdMarker
	}
}

// DeleteBucket empties and deletes a bucket
func (s *BucketService) DeleteBucket(ctx context.Context, name string) error {
	n, err := s.EmptyBucket(ctx, name)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete bucket %s: %w", name, err)
	}
	zerolog.Ctx(ctx).Info().Str("bucket", name).Int("objects", n).Msg("deleted bucket")
	return nil
}

// Cleanup deletes every bucket starting with prefix. Every bucket is
// attempted and all failures are returned together.
func (s *BucketService) Cleanup(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.ListBuckets(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var (
		deleted []string
		result  *multierror.Error
	)
	for _, name := range names {
		if err := s.DeleteBucket(ctx, name); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted, result.ErrorOrNil()
}
