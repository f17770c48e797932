// Package logging provides structured logging with trace ID propagation.
package logging

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys owned by this package.
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	SiteIDKey  ContextKey = "site_id"
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with trace-ID aware helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New builds a Logger for the named service, parsing level and format
// ("json" or "text", default "text").
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv builds a Logger using LOG_LEVEL and LOG_FORMAT, defaulting to
// info/json.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext returns a log entry carrying trace ID and site ID from ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if siteID := ctx.Value(SiteIDKey); siteID != nil {
		entry = entry.WithField("site_id", siteID)
	}
	return entry
}

// WithFields returns a log entry with the service field plus fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// NewTraceID generates a fresh trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

func WithSiteID(ctx context.Context, siteID string) context.Context {
	return context.WithValue(ctx, SiteIDKey, siteID)
}

func GetSiteID(ctx context.Context) string {
	if v, ok := ctx.Value(SiteIDKey).(string); ok {
		return v
	}
	return ""
}

// LogRequest logs a completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request")
}

// LogPeerCall logs an outbound call to another site or the registry.
func (l *Logger) LogPeerCall(ctx context.Context, target, method string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"target":      target,
		"method":      method,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("peer call failed")
		return
	}
	entry.Debug("peer call succeeded")
}

// LogStepEvent logs a step runner state transition.
func (l *Logger) LogStepEvent(ctx context.Context, jobID, stepName, state string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"job_id": jobID,
		"step":   stepName,
		"state":  state,
	})
	if err != nil {
		entry.WithError(err).Error("step event")
		return
	}
	entry.Info("step event")
}

var defaultLogger *Logger

// InitDefault sets the process-wide default logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the process-wide logger, lazily creating a fallback.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("ddm", "info", "json")
	}
	return defaultLogger
}

// FormatDuration renders a duration in milliseconds for log fields.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
