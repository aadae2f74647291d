package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	envVarLogFormat = "LOG_FORMAT"
	envVarLogLevel  = "LOG_LEVEL"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
	// LogFormatAuto picks text on a terminal and JSON otherwise.
	LogFormatAuto LogFormat = "auto"
)

type Logging struct {
	Format LogFormat
	Level  slog.Level
}

// loggingFlags registers --log-format and --log-level with env defaults.
type loggingFlags struct {
	format string
	level  string
}

func (f *loggingFlags) register(fs *pflag.FlagSet, lookup lookupFunc, defaultFormat LogFormat, defaultLevel string) {
	fs.StringVar(&f.format, "log-format", envString(lookup, envVarLogFormat, string(defaultFormat)), "Log format: text, json or auto (env "+envVarLogFormat+")")
	fs.StringVar(&f.level, "log-level", envString(lookup, envVarLogLevel, defaultLevel), "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
}

func (f *loggingFlags) parse() (Logging, error) {
	format, err := parseLogFormat(f.format)
	if err != nil {
		return Logging{}, err
	}
	level, err := parseLogLevel(f.level)
	if err != nil {
		return Logging{}, err
	}
	return Logging{Format: format, Level: level}, nil
}

// NewLogger builds the process logger writing to w.
func NewLogger(cfg Logging, w io.Writer) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	format := cfg.Format
	if format == LogFormatAuto {
		format = LogFormatJSON
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = LogFormatText
		}
	}

	var handler slog.Handler
	switch format {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}
	return slog.New(handler), nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	case LogFormatAuto:
		return LogFormatAuto, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text, json or auto)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
