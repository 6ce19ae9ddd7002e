package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/savaki/radstream/internal/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockECR struct {
	ECRAPI

	repos    map[string]bool
	policies map[string]string
	scan     bool
}

func (m *mockECR) repo(name string) *types.Repository {
	return &types.Repository{
		RepositoryName: aws.String(name),
		RepositoryArn:  aws.String("arn:aws:ecr:us-east-1:123456789012:repository/" + name),
		RepositoryUri:  aws.String("123456789012.dkr.ecr.us-east-1.amazonaws.com/" + name),
	}
}

func (m *mockECR) CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error) {
	name := aws.ToString(params.RepositoryName)
	if m.repos[name] {
		return nil, &types.RepositoryAlreadyExistsException{Message: aws.String("exists")}
	}
	m.repos[name] = true
	m.scan = params.ImageScanningConfiguration.ScanOnPush
	return &ecr.CreateRepositoryOutput{Repository: m.repo(name)}, nil
}

func (m *mockECR) DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	return &ecr.DescribeRepositoriesOutput{Repositories: []types.Repository{*m.repo(params.RepositoryNames[0])}}, nil
}

func (m *mockECR) PutLifecyclePolicy(ctx context.Context, params *ecr.PutLifecyclePolicyInput, optFns ...func(*ecr.Options)) (*ecr.PutLifecyclePolicyOutput, error) {
	m.policies[aws.ToString(params.RepositoryName)] = aws.ToString(params.LifecyclePolicyText)
	return &ecr.PutLifecyclePolicyOutput{}, nil
}

func (m *mockECR) DeleteRepository(ctx context.Context, params *ecr.DeleteRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.DeleteRepositoryOutput, error) {
	name := aws.ToString(params.RepositoryName)
	if !m.repos[name] {
		return nil, &types.RepositoryNotFoundException{Message: aws.String("missing")}
	}
	delete(m.repos, name)
	return &ecr.DeleteRepositoryOutput{}, nil
}

func TestEnsureRepository(t *testing.T) {
	ctx := context.Background()
	client := &mockECR{repos: map[string]bool{}, policies: map[string]string{}}
	s := NewRegistryServiceWithClient(client)

	info, err := s.EnsureRepository(ctx, constants.InferenceRepository)
	require.NoError(t, err)
	assert.True(t, info.Created)
	assert.True(t, client.scan)
	assert.Equal(t, "123456789012.dkr.ecr.us-east-1.amazonaws.com/radstream-inference", info.URI)

	var policy struct {
		Rules []struct {
			Selection struct {
				CountType   string `json:"countType"`
				CountNumber int    `json:"countNumber"`
			} `json:"selection"`
		} `json:"rules"`
	}
	require.NoError(t, json.Unmarshal([]byte(client.policies[constants.InferenceRepository]), &policy))
	require.Len(t, policy.Rules, 1)
	assert.Equal(t, "imageCountMoreThan", policy.Rules[0].Selection.CountType)
	assert.Equal(t, 10, policy.Rules[0].Selection.CountNumber)

	info, err = s.EnsureRepository(ctx, constants.InferenceRepository)
	require.NoError(t, err)
	assert.False(t, info.Created)
	assert.Equal(t, constants.InferenceRepository, info.Name)

	require.NoError(t, s.DeleteRepository(ctx, constants.InferenceRepository))
	require.NoError(t, s.DeleteRepository(ctx, constants.InferenceRepository))
}

type mockSTS struct{}

func (mockSTS) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{
		Account: aws.String("123456789012"),
		Arn:     aws.String("arn:aws:iam::123456789012:user/ops"),
		UserId:  aws.String("AIDAEXAMPLE"),
	}, nil
}

func TestAccountID(t *testing.T) {
	account, err := AccountID(context.Background(), mockSTS{})
	require.NoError(t, err)
	assert.Equal(t, "123456789012", account)
}
