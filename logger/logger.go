package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Options struct {
	Service   string
	Env       string
	Level     string
	AddSource bool

	// Output defaults to stdout.
	Output io.Writer
}

// New builds the JSON logger and installs it as the slog default. An
// unparseable Level falls back to info and is reported on the new logger.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	level, ok := parseLevel(opts.Level)
	h := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     level,
		AddSource: opts.AddSource,
	})

	base := slog.New(h).With(
		"service", opts.Service,
		"env", opts.Env,
	)
	if !ok {
		base.Warn("unknown log level, using info", "log_level", opts.Level)
	}

	slog.SetDefault(base)
	return base
}

// parseLevel accepts slog's own names with optional offsets ("debug",
// "INFO+2", "error-1") plus "warning". Empty means info.
func parseLevel(s string) (slog.Level, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return slog.LevelInfo, true
	}
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn, true
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, false
	}
	return l, true
}
