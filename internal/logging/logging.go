package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	TimeFormat string `mapstructure:"time_format"`
	Caller     bool   `mapstructure:"caller"`
	// Output is "stdout" (default) or "stderr". CLI reports print to stdout, so
	// commands that render tables log to stderr.
	Output string `mapstructure:"output"`
}

// NewLogger constructs a zerolog logger from config, tagged with the application name.
func NewLogger(cfg Config, app string) zerolog.Logger {
	return newLogger(cfg, app, writerFor(cfg.Output))
}

func newLogger(cfg Config, app string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: zerolog.TimeFieldFormat}
	}

	builder := zerolog.New(out).Level(level).With().Timestamp()
	if app != "" {
		builder = builder.Str("app", app)
	}
	if cfg.Caller {
		builder = builder.Caller()
	}
	return builder.Logger()
}

func writerFor(output string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(output), "stderr") {
		return os.Stderr
	}
	return os.Stdout
}
