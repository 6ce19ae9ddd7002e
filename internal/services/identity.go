package services

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// STSAPI is the subset of the STS API used to resolve the caller
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Identity is the resolved caller
type Identity struct {
	Account string
	Arn     string
	UserID  string
}

// CallerIdentity returns the identity behind the configured credentials
func CallerIdentity(ctx context.Context, client STSAPI) (*Identity, error) {
	output, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get caller identity: %w", err)
	}
	if output.Account == nil {
		return nil, fmt.Errorf("account ID is nil")
	}
	return &Identity{
		Account: aws.ToString(output.Account),
		Arn:     aws.ToString(output.Arn),
		UserID:  aws.ToString(output.UserId),
	}, nil
}

// AccountID retrieves the AWS account ID
func AccountID(ctx context.Context, client STSAPI) (string, error) {
	identity, err := CallerIdentity(ctx, client)
	if err != nil {
		return "", err
	}
	return identity.Account, nil
}
