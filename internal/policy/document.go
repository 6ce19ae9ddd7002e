// Package policy builds the IAM documents attached to RadStream roles and
// checks them against a set of guardrails before they are applied.
package policy

import (
	"encoding/json"
	"fmt"
)

// Version is the IAM policy language version
const Version = "2012-10-17"

// Document is an IAM policy or trust policy
type Document struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

// Statement is a single IAM statement. Principal is only set on trust policies.
type Statement struct {
	Sid       string              `json:"Sid,omitempty"`
	Effect    string              `json:"Effect"`
	Principal map[string][]string `json:"Principal,omitempty"`
	Action    []string            `json:"Action"`
	Resource  []string            `json:"Resource,omitempty"`
}

// New returns a document holding the given statements
func New(statements ...Statement) Document {
	return Document{
		Version:   Version,
		Statement: statements,
	}
}

// Allow returns an Allow statement
func Allow(actions []string, resources ...string) Statement {
	return Statement{
		Effect:   "Allow",
		Action:   actions,
		Resource: resources,
	}
}

// JSON renders the document the way IAM expects it
func (d Document) JSON() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal policy document: %w", err)
	}
	return string(data), nil
}

// MustJSON is JSON for documents built from constants
func (d Document) MustJSON() string {
	s, err := d.JSON()
	if err != nil {
		panic(err)
	}
	return s
}

// Trust returns a trust policy allowing the given service principal to assume the role
func Trust(service string) Document {
	return New(Statement{
		Effect:    "Allow",
		Principal: map[string][]string{"Service": {service}},
		Action:    []string{"sts:AssumeRole"},
	})
}

// Service principals
const (
	LambdaService   = "lambda.amazonaws.com"
	StatesService   = "states.amazonaws.com"
	EventsService   = "events.amazonaws.com"
	FirehoseService = "firehose.amazonaws.com"
	GlueService     = "glue.amazonaws.com"
)
