package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/errors"
	"github.com/savaki/radstream/internal/policy"
)

// IAMAPI is the subset of the IAM API used by IAMService
type IAMAPI interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	UpdateAssumeRolePolicy(ctx context.Context, params *iam.UpdateAssumeRolePolicyInput, optFns ...func(*iam.Options)) (*iam.UpdateAssumeRolePolicyOutput, error)
	PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
	AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	ListRolePolicies(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error)
	DeleteRolePolicy(ctx context.Context, params *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
	ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
}

// RoleSpec describes a role and the policies attached to it
type RoleSpec struct {
	Name        string
	Description string
	Trust       policy.Document
	// Inline policies keyed by policy name
	Inline  map[string]policy.Document
	Managed []string
}

// RoleResult reports what EnsureRole did
type RoleResult struct {
	Name    string
	Arn     string
	Created bool
}

// RoleArn returns the ARN of a role in account
func RoleArn(accountID, name string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, name)
}

// IAMService manages the roles used by the pipeline
type IAMService struct {
	client    IAMAPI
	validator *policy.Validator
}

// NewIAMService returns an IAMService for cfg. validator may be nil, in
// which case inline policies are applied unchecked.
func NewIAMService(cfg aws.Config, validator *policy.Validator) *IAMService {
	return NewIAMServiceWithClient(iam.NewFromConfig(cfg), validator)
}

// NewIAMServiceWithClient returns an IAMService over an existing client
func NewIAMServiceWithClient(client IAMAPI, validator *policy.Validator) *IAMService {
	return &IAMService{
		client:    client,
		validator: validator,
	}
}

// Check validates every inline policy of spec against the guardrails
func (s *IAMService) Check(ctx context.Context, spec RoleSpec) error {
	if s.validator == nil {
		return nil
	}

	for _, name := range sortedPolicyNames(spec.Inline) {
		result, err := s.validator.Validate(ctx, spec.Inline[name])
		if err != nil {
			return err
		}
		if !result.Allowed {
			return fmt.Errorf("%w: %s/%s: %s", errors.ErrPolicyViolation, spec.Name, name, strings.Join(result.Violations, "; "))
		}
	}
	return nil
}

// EnsureRole creates the role when missing, refreshes its trust policy when
// present and applies every inline and managed policy
func (s *IAMService) EnsureRole(ctx context.Context, spec RoleSpec) (*RoleResult, error) {
	logger := zerolog.Ctx(ctx).With().Str("role", spec.Name).Logger()

	if err := s.Check(ctx, spec); err != nil {
		return nil, err
	}

	trust, err := spec.Trust.JSON()
	if err != nil {
		return nil, err
	}

	result := &RoleResult{Name: spec.Name}

	out, err := s.client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(spec.Name)})
	switch {
	case err == nil:
		result.Arn = aws.ToString(out.Role.Arn)
		_, err = s.client.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
			RoleName:       aws.String(spec.Name),
			PolicyDocument: aws.String(trust),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update trust policy of %s: %w", spec.Name, err)
		}
		logger.Info().Msg("role already exists")

	case IsNotFound(err):
		created, err := s.client.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(spec.Name),
			AssumeRolePolicyDocument: aws.String(trust),
			Description:              aws.String(spec.Description),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create role %s: %w", spec.Name, err)
		}
		result.Arn = aws.ToString(created.Role.Arn)
		result.Created = true
		logger.Info().Msg("created role")

	default:
		return nil, fmt.Errorf("failed to get role %s: %w", spec.Name, err)
	}

	for _, name := range sortedPolicyNames(spec.Inline) {
		doc, err := spec.Inline[name].JSON()
		if err != nil {
			return nil, err
		}
		_, err = s.client.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
			RoleName:       aws.String(spec.Name),
			PolicyName:     aws.String(name),
			PolicyDocument: aws.String(doc),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to put policy %s on %s: %w", name, spec.Name, err)
		}
	}

	for _, arn := range spec.Managed {
		_, err := s.client.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(spec.Name),
			PolicyArn: aws.String(arn),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to attach %s to %s: %w", arn, spec.Name, err)
		}
	}

	return result, nil
}

// DeleteRole detaches and deletes every policy of the role before deleting
// it. A missing role is not an error.
func (s *IAMService) DeleteRole(ctx context.Context, name string) error {
	attached, err := s.client.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(name)})
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to list attached policies of %s: %w", name, err)
	}
	for _, p := range attached.AttachedPolicies {
		_, err := s.client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(name),
			PolicyArn: p.PolicyArn,
		})
		if err != nil {
			return fmt.Errorf("failed to detach %s from %s: %w", aws.ToString(p.PolicyArn), name, err)
		}
	}

	inline, err := s.client.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{RoleName: aws.String(name)})
	if err != nil {
		return fmt.Errorf("failed to list inline policies of %s: %w", name, err)
	}
	for _, policyName := range inline.PolicyNames {
		_, err := s.client.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
			RoleName:   aws.String(name),
			PolicyName: aws.String(policyName),
		})
		if err != nil {
			return fmt.Errorf("failed to delete policy %s of %s: %w", policyName, name, err)
		}
	}

	if _, err := s.client.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete role %s: %w", name, err)
	}
	zerolog.Ctx(ctx).Info().Str("role", name).Msg("deleted role")
	return nil
}

func sortedPolicyNames(m map[string]policy.Document) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
