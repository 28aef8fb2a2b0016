// Package logger configures zerolog for the process. Init installs the
// configured logger as the global zerolog/log logger, stamped with the
// service name and a per-process run ID so every line of one run can be
// grouped.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	Output io.Writer
}

// Init creates the logger for service, installs it globally and returns it
// along with the generated run ID.
func Init(service string, cfg Config) (zerolog.Logger, string, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Logger{}, "", fmt.Errorf("invalid log level: %w", err)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	switch cfg.Format {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	default:
		return zerolog.Logger{}, "", fmt.Errorf("invalid log format %q", cfg.Format)
	}

	runID := uuid.NewString()
	logger := zerolog.New(out).With().
		Timestamp().
		Str("service", service).
		Str("run_id", runID).
		Logger()

	// Set as global so zerolog/log.Info() etc. use the same output.
	log.Logger = logger
	return logger, runID, nil
}

// Component returns a child of the global logger tagged with component.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
