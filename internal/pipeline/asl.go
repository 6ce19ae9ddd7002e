// Package pipeline holds the Amazon States Language definitions of the
// RadStream state machines.
package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
)

// State types
const (
	TypeTask    = "Task"
	TypeChoice  = "Choice"
	TypePass    = "Pass"
	TypeSucceed = "Succeed"
	TypeFail    = "Fail"
)

// Error names matched by Retry and Catch
const (
	ErrorAll               = "States.ALL"
	ErrorTimeout           = "States.Timeout"
	ErrorLambdaService     = "Lambda.ServiceException"
	ErrorLambdaAWS         = "Lambda.AWSLambdaException"
	ErrorLambdaSdkClient   = "Lambda.SdkClientException"
	ErrorLambdaTooManyReqs = "Lambda.TooManyRequestsException"
)

// StateMachine is an ASL document
type StateMachine struct {
	Comment string            `json:"Comment,omitempty"`
	StartAt string            `json:"StartAt"`
	States  map[string]*State `json:"States"`
}

// State is the union of the state shapes used by RadStream
type State struct {
	Type       string         `json:"Type"`
	Comment    string         `json:"Comment,omitempty"`
	Resource   string         `json:"Resource,omitempty"`
	Parameters map[string]any `json:"Parameters,omitempty"`
	ResultPath string         `json:"ResultPath,omitempty"`
	Next       string         `json:"Next,omitempty"`
	End        bool           `json:"End,omitempty"`
	Retry      []Retrier      `json:"Retry,omitempty"`
	Catch      []Catcher      `json:"Catch,omitempty"`
	Choices    []ChoiceRule   `json:"Choices,omitempty"`
	Default    string         `json:"Default,omitempty"`
	Error      string         `json:"Error,omitempty"`
	Cause      string         `json:"Cause,omitempty"`
}

type Retrier struct {
	ErrorEquals     []string `json:"ErrorEquals"`
	IntervalSeconds int      `json:"IntervalSeconds"`
	MaxAttempts     int      `json:"MaxAttempts"`
	BackoffRate     float64  `json:"BackoffRate"`
}

type Catcher struct {
	ErrorEquals []string `json:"ErrorEquals"`
	Next        string   `json:"Next"`
	ResultPath  string   `json:"ResultPath,omitempty"`
}

type ChoiceRule struct {
	Variable      string `json:"Variable"`
	BooleanEquals *bool  `json:"BooleanEquals,omitempty"`
	StringEquals  string `json:"StringEquals,omitempty"`
	Next          string `json:"Next"`
}

// JSON renders the definition with two-space indentation
func (sm *StateMachine) JSON() (string, error) {
	data, err := json.MarshalIndent(sm, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal state machine: %w", err)
	}
	return string(data), nil
}

// Validate checks that every transition points at a declared state and that
// every state either transitions or terminates
func (sm *StateMachine) Validate() error {
	if _, ok := sm.States[sm.StartAt]; !ok {
		return fmt.Errorf("StartAt references unknown state %q", sm.StartAt)
	}

	names := make([]string, 0, len(sm.States))
	for name := range sm.States {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		state := sm.States[name]
		var targets []string
		if state.Next != "" {
			targets = append(targets, state.Next)
		}
		if state.Default != "" {
			targets = append(targets, state.Default)
		}
		for _, c := range state.Catch {
			targets = append(targets, c.Next)
		}
		for _, c := range state.Choices {
			targets = append(targets, c.Next)
		}
		for _, target := range targets {
			if _, ok := sm.States[target]; !ok {
				return fmt.Errorf("state %q references unknown state %q", name, target)
			}
		}

		switch state.Type {
		case TypeSucceed, TypeFail:
		case TypeChoice:
			if len(state.Choices) == 0 {
				return fmt.Errorf("choice state %q has no choices", name)
			}
		default:
			if state.Next == "" && !state.End {
				return fmt.Errorf("state %q neither transitions nor ends", name)
			}
		}
	}
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}
