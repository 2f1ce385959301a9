package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"firestige.xyz/chains/internal/config"
)

const (
	defaultPattern = "%time [%level] %field %msg\n"
	defaultTime    = "2006-01-02 15:04:05.000"
)

type logrusAdapter struct {
	entry *logrus.Entry
}

// Init builds a logger from cfg and installs it as the global logger.
func Init(cfg config.LogConfig) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// New builds a logrus-backed logger writing to stderr and, when enabled,
// to a rotating log file.
func New(cfg config.LogConfig) (Logger, error) {
	out := NewMultiWriter().Add(os.Stderr)
	if cfg.Outputs.File.Enabled {
		if cfg.Outputs.File.Path == "" {
			return nil, fmt.Errorf("log file output enabled without a path")
		}
		out.AddFileAppender(cfg.Outputs.File)
	}
	return NewWithWriter(cfg, out)
}

// NewWithWriter builds a logger writing to w only.
func NewWithWriter(cfg config.LogConfig, w io.Writer) (Logger, error) {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(w)

	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timeLayout(cfg.Time)})
	case "text", "":
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = defaultPattern
		}
		if strings.Contains(pattern, "%caller") || strings.Contains(pattern, "%func") {
			l.SetReportCaller(true)
		}
		l.SetFormatter(&formatter{pattern: pattern, time: timeLayout(cfg.Time)})
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return &logrusAdapter{entry: logrus.NewEntry(l)}, nil
}

// Discard returns a logger that drops everything.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return &logrusAdapter{entry: logrus.NewEntry(l)}
}

func timeLayout(layout string) string {
	if layout == "" {
		return defaultTime
	}
	return layout
}

func (l *logrusAdapter) Print(args ...interface{}) {
	l.entry.Print(args...)
}

func (l *logrusAdapter) Printf(format string, args ...interface{}) {
	l.entry.Printf(format, args...)
}

func (l *logrusAdapter) Trace(args ...interface{}) {
	l.entry.Trace(args...)
}

func (l *logrusAdapter) Tracef(format string, args ...interface{}) {
	l.entry.Tracef(format, args...)
}

func (l *logrusAdapter) Debug(args ...interface{}) {
	l.entry.Debug(args...)
}

func (l *logrusAdapter) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *logrusAdapter) Info(args ...interface{}) {
	l.entry.Info(args...)
}

func (l *logrusAdapter) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *logrusAdapter) Warn(args ...interface{}) {
	l.entry.Warn(args...)
}

func (l *logrusAdapter) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *logrusAdapter) Error(args ...interface{}) {
	l.entry.Error(args...)
}

func (l *logrusAdapter) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *logrusAdapter) Fatal(args ...interface{}) {
	l.entry.Fatal(args...)
}

func (l *logrusAdapter) Fatalf(format string, args ...interface{}) {
	l.entry.Fatalf(format, args...)
}

func (l *logrusAdapter) WithField(field string, value interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithField(field, value)}
}

func (l *logrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithFields(fields)}
}

func (l *logrusAdapter) WithError(err error) Logger {
	return &logrusAdapter{entry: l.entry.WithError(err)}
}

func (l *logrusAdapter) IsTraceEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.TraceLevel)
}

func (l *logrusAdapter) IsDebugEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

func (l *logrusAdapter) IsInfoEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.InfoLevel)
}
