// Package di wires the AWS clients, configuration and pipeline services the
// Lambdas and the CLI share, using uber's dig.
package di

import (
	"go.uber.org/dig"
)

// Container is the subset of *dig.Container callers use
type Container interface {
	Invoke(function any, opts ...dig.InvokeOption) error
	Provide(constructor any, opts ...dig.ProvideOption) error
}

// MustGet resolves a T from container and panics when it cannot be built.
// Lambda mains use it once at cold start:
//
//	handler := di.MustGet[*Handler](container)
func MustGet[T any](container Container) (want T) {
	err := container.Invoke(func(got T) {
		want = got
	})
	if err != nil {
		panic(err)
	}
	return want
}

// New returns a container for env. The env string, Region and ConfigFile are
// provided as values; the core providers below are always registered and
// WithProviders appends more.
func New(env string, opts ...Option) (Container, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	values := []any{
		func() string { return env },
		func() Region { return o.region },
		func() ConfigFile { return o.configFile },
	}

	container := dig.New()
	for _, group := range [][]any{values, core, o.providers} {
		for _, provider := range group {
			if err := container.Provide(provider); err != nil {
				return nil, err
			}
		}
	}
	return container, nil
}

// core is resolved lazily; a Lambda that never asks for the orchestrator
// never needs STATE_MACHINE_ARN
var core = []any{
	ProvideLogger,
	ProvideContext,
	ProvideAWSConfig,
	ProvideSSMClient,
	ProvideParameterStore,
	ProvideAppConfig,
	ProvideS3Client,
	ProvideDynamoDB,
	ProvideStepFunctions,
	ProvideKinesis,
	ProvideObjectStore,
	ProvideStudyDAO,
	ProvideProducer,
	ProvideOrchestrator,
}
