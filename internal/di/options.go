package di

// Region overrides the AWS region from the default credential chain
type Region string

// ConfigFile is the path of a YAML configuration file. When set it replaces
// Parameter Store.
type ConfigFile string

// Option is a function that configures the dependency injection container.
type Option func(*options)

func WithRegion(region string) Option {
	return func(opts *options) {
		opts.region = Region(region)
	}
}

func WithConfigFile(path string) Option {
	return func(opts *options) {
		opts.configFile = ConfigFile(path)
	}
}

// WithProviders adds constructor functions to the dependency injection container.
// Providers can declare dependencies as function parameters, which will be
// automatically resolved by the container.
//
// Example:
//
//	WithProviders(
//	    func(store *services.ObjectStore) *Handler { return &Handler{store: store} },
//	)
func WithProviders(providers ...any) Option {
	return func(opts *options) {
		opts.providers = append(opts.providers, providers...)
	}
}

type options struct {
	region     Region
	configFile ConfigFile
	providers  []any
}
