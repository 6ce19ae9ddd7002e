package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/rs/zerolog"
)

// KeepImages is the number of images the repository lifecycle policy retains
const KeepImages = 10

// ECRAPI is the subset of the ECR API used by RegistryService
type ECRAPI interface {
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	PutLifecyclePolicy(ctx context.Context, params *ecr.PutLifecyclePolicyInput, optFns ...func(*ecr.Options)) (*ecr.PutLifecyclePolicyOutput, error)
	DeleteRepository(ctx context.Context, params *ecr.DeleteRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.DeleteRepositoryOutput, error)
}

type RepositoryInfo struct {
	Name    string
	ARN     string
	URI     string
	Created bool
}

// LifecyclePolicy returns an ECR lifecycle policy that expires all but the
// newest keep images
func LifecyclePolicy(keep int) (string, error) {
	policy := map[string]any{
		"rules": []map[string]any{
			{
				"rulePriority": 1,
				"description":  fmt.Sprintf("Keep last %d images", keep),
				"selection": map[string]any{
					"tagStatus":   "any",
					"countType":   "imageCountMoreThan",
					"countNumber": keep,
				},
				"action": map[string]any{
					"type": "expire",
				},
			},
		},
	}

	data, err := json.Marshal(policy)
	if err != nil {
		return "", fmt.Errorf("failed to marshal lifecycle policy: %w", err)
	}
	return string(data), nil
}

// RegistryService manages the inference image repository
type RegistryService struct {
	client ECRAPI
}

func NewRegistryService(cfg aws.Config) *RegistryService {
	return NewRegistryServiceWithClient(ecr.NewFromConfig(cfg))
}

func NewRegistryServiceWithClient(client ECRAPI) *RegistryService {
	return &RegistryService{client: client}
}

// EnsureRepository creates a repository with scan-on-push enabled when it
// does not exist, then applies the lifecycle policy
func (s *RegistryService) EnsureRepository(ctx context.Context, name string) (*RepositoryInfo, error) {
	logger := zerolog.Ctx(ctx).With().Str("repository", name).Logger()

	var info *RepositoryInfo
	output, err := s.client.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
		ImageScanningConfiguration: &types.ImageScanningConfiguration{
			ScanOnPush: true,
		},
		Tags: []types.Tag{
			{
				Key:   aws.String("Project"),
				Value: aws.String("radstream"),
			},
		},
	})
	switch {
	case err == nil:
		info = &RepositoryInfo{
			Name:    aws.ToString(output.Repository.RepositoryName),
			ARN:     aws.ToString(output.Repository.RepositoryArn),
			URI:     aws.ToString(output.Repository.RepositoryUri),
			Created: true,
		}
		logger.Info().Msg("created repository")

	default:
		var exists *types.RepositoryAlreadyExistsException
		if !errors.As(err, &exists) {
			return nil, fmt.Errorf("failed to create repository %s: %w", name, err)
		}

		describe, err := s.client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
			RepositoryNames: []string{name},
		})
		if err != nil {
			return nil, fmt.Errorf("repository exists but failed to describe: %w", err)
		}
		if len(describe.Repositories) == 0 {
			return nil, fmt.Errorf("repository %s exists but not found in describe", name)
		}
		repo := describe.Repositories[0]
		info = &RepositoryInfo{
			Name: aws.ToString(repo.RepositoryName),
			ARN:  aws.ToString(repo.RepositoryArn),
			URI:  aws.ToString(repo.RepositoryUri),
		}
		logger.Info().Msg("repository already exists")
	}

	policy, err := LifecyclePolicy(KeepImages)
	if err != nil {
		return nil, err
	}
	_, err = s.client.PutLifecyclePolicy(ctx, &ecr.PutLifecyclePolicyInput{
		RepositoryName:      aws.String(name),
		LifecyclePolicyText: aws.String(policy),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set lifecycle policy on %s: %w", name, err)
	}

	return info, nil
}

// DeleteRepository removes a repository and its images. A missing
// repository is not an error.
func (s *RegistryService) DeleteRepository(ctx context.Context, name string) error {
	_, err := s.client.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: aws.String(name),
		Force:          true,
	})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to delete repository %s: %w", name, err)
	}
	zerolog.Ctx(ctx).Info().Str("repository", name).Msg("deleted repository")
	return nil
}
