package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
)

//go:embed iam.rego
var policyContent string

// Validator checks IAM documents against the guardrails in iam.rego
type Validator struct {
	allow      rego.PreparedEvalQuery
	violations rego.PreparedEvalQuery
}

type ValidationResult struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

// NewValidator prepares the guardrail queries. S3 write actions are only
// allowed on buckets whose name starts with prefix.
func NewValidator(ctx context.Context, prefix string) (*Validator, error) {
	store := inmem.NewFromObject(map[string]any{"prefix": prefix})

	prepare := func(query string) (rego.PreparedEvalQuery, error) {
		prepared, err := rego.New(
			rego.Query(query),
			rego.Module("iam.rego", policyContent),
			rego.Store(store),
		).PrepareForEval(ctx)
		if err != nil {
			return prepared, fmt.Errorf("failed to prepare %s: %w", query, err)
		}
		return prepared, nil
	}

	allow, err := prepare("data.iam.allow")
	if err != nil {
		return nil, err
	}
	violations, err := prepare("data.iam.violations")
	if err != nil {
		return nil, err
	}

	return &Validator{
		allow:      allow,
		violations: violations,
	}, nil
}

// Validate evaluates a single document. A denied document carries the sorted
// violation messages.
func (v *Validator) Validate(ctx context.Context, doc Document) (*ValidationResult, error) {
	input, err := toInput(doc)
	if err != nil {
		return nil, err
	}

	value, err := evalFirst(ctx, v.allow, input)
	if err != nil {
		return nil, err
	}
	allowed, ok := value.(bool)
	if !ok {
		return &ValidationResult{Violations: []string{fmt.Sprintf("iam guardrails returned %T, want bool", value)}}, nil
	}
	if allowed {
		return &ValidationResult{Allowed: true}, nil
	}

	value, err = evalFirst(ctx, v.violations, input)
	if err != nil {
		return nil, err
	}
	return &ValidationResult{Violations: violationMessages(value)}, nil
}

// evalFirst returns the value of the first expression of the first result,
// or nil when the query is undefined for input
func evalFirst(ctx context.Context, query rego.PreparedEvalQuery, input map[string]any) (any, error) {
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate iam guardrails: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	return results[0].Expressions[0].Value, nil
}

// violationMessages flattens a rego set, which arrives as either a slice or
// a map depending on the evaluator
func violationMessages(value any) []string {
	var messages []string
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				messages = append(messages, s)
			}
		}
	case map[string]any:
		for s := range v {
			messages = append(messages, s)
		}
	}
	if len(messages) == 0 {
		return []string{"denied by iam guardrails"}
	}
	slices.Sort(messages)
	return messages
}

func toInput(doc Document) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy document: %w", err)
	}

	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy document: %w", err)
	}
	return input, nil
}
