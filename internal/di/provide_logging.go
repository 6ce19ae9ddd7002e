package di

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ProvideLogger logs JSON inside the Lambda runtime and to a console writer
// everywhere else. LOG_LEVEL overrides the default info level.
func ProvideLogger() zerolog.Logger {
	var w io.Writer = os.Stdout
	if os.Getenv("AWS_LAMBDA_RUNTIME_API") == "" {
		w = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	return zerolog.New(w).
		Level(logLevel(os.Getenv("LOG_LEVEL"))).
		With().
		Timestamp().
		Logger()
}

func logLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// ProvideContext returns a background context carrying logger
func ProvideContext(logger zerolog.Logger) context.Context {
	return logger.WithContext(context.Background())
}
