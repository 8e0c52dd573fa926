// Package logger provides a Logrus-based logger implementation for unified logging.
package logger

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/newrelic/newrelic-logs-shipper/common"
)

// ConfigOption is a function type used to configure the logger.
type ConfigOption func(*log.Logger)

// NewLogrusLogger creates a new instance of logrus.Logger with the provided configuration options.
func NewLogrusLogger(opts ...ConfigOption) *log.Logger {
	l := log.New()
	for _, fn := range opts {
		if nil != fn {
			fn(l)
		}
	}

	return l
}

// WithLogLevel is a configuration option that sets the log level of the logger.
func WithLogLevel(level string) ConfigOption {
	return func(l *log.Logger) {
		parsedLevel, err := log.ParseLevel(level)
		if err != nil {
			l.Errorf("Invalid log level '%s'. Using default 'info' level.", level)
			parsedLevel = log.InfoLevel
		}
		l.SetLevel(parsedLevel)
	}
}

// WithDebugLevel is a configuration option that sets the log level to debug if the DebugEnabled environment variable is set to "true", otherwise sets it to info.
func WithDebugLevel() ConfigOption {
	return WithDebug(os.Getenv(common.DebugEnabled) == "true")
}

// WithDebug sets the debug level when enabled and the info level otherwise.
func WithDebug(enabled bool) ConfigOption {
	if enabled {
		return WithLogLevel("debug")
	}
	return WithLogLevel("info")
}

// WithOutput redirects log output to w.
func WithOutput(w io.Writer) ConfigOption {
	return func(l *log.Logger) {
		l.SetOutput(w)
	}
}

// WithJSONFormatter switches the logger to JSON lines, which is what the Fn
// runtime collects.
func WithJSONFormatter() ConfigOption {
	return func(l *log.Logger) {
		l.SetFormatter(&log.JSONFormatter{})
	}
}

// WithFormat selects the "json" or "text" formatter.
func WithFormat(format string) ConfigOption {
	switch strings.ToLower(format) {
	case "json":
		return WithJSONFormatter()
	case "", "text":
		return func(l *log.Logger) {
			l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		}
	default:
		return func(l *log.Logger) {
			l.Warnf("Invalid log format '%s'. Using 'text'.", format)
			l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		}
	}
}
