// Package logging provides leveled, structured logging for teams-cdr
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/curtbushko/teams-cdr/internal/config"
)

// LogLevel represents the severity level of a log entry
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

type contextKey string

// RequestIDKey is the context key for request IDs
const RequestIDKey contextKey = "request_id"

// maxBodyLog is how much of a request or response body is logged
const maxBodyLog = 1000

// Logger defines the interface for logging operations
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})

	DebugWithContext(ctx context.Context, format string, args ...interface{})
	InfoWithContext(ctx context.Context, format string, args ...interface{})
	WarnWithContext(ctx context.Context, format string, args ...interface{})
	ErrorWithContext(ctx context.Context, format string, args ...interface{})

	LogCommand(command string, metadata map[string]interface{})
	LogPerformance(metrics PerformanceMetrics)
	LogAPIRequest(request APIRequest)
	LogAPIResponse(response APIResponse)

	GetLevel() LogLevel
	SetLevel(level LogLevel)
	SetOutput(w io.Writer)
	Close() error
}

// PerformanceMetrics describes a timed operation such as a Graph fetch
type PerformanceMetrics struct {
	Operation string
	Duration  time.Duration
	Records   int
	Success   bool
	Error     string
	Metadata  map[string]interface{}
}

// APIRequest represents an outgoing Graph or LLM request
type APIRequest struct {
	Method    string
	URL       string
	Headers   map[string]string
	Body      string
	RequestID string
	Timestamp time.Time
}

// APIResponse represents the response to an APIRequest
type APIResponse struct {
	StatusCode int
	Body       string
	RequestID  string
	Duration   time.Duration
	Timestamp  time.Time
	Success    bool
	Error      string
	Attempt    int
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

type loggerImpl struct {
	mu         sync.Mutex
	level      LogLevel
	jsonFormat bool
	writers    []io.Writer
	fileHandle *os.File
}

// NewLogger creates a Logger from the logging configuration
func NewLogger(cfg config.LoggingConfig) (Logger, error) {
	level, err := ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger := &loggerImpl{
		level:      level,
		jsonFormat: cfg.JSONFormat,
	}

	// stdout carries command output, so console logs go to stderr
	if cfg.Console {
		logger.writers = append(logger.writers, os.Stderr)
	}

	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		logger.fileHandle = file
		logger.writers = append(logger.writers, file)
	}

	return logger, nil
}

// ParseLogLevel converts a level name to a LogLevel
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

func (l *loggerImpl) log(level LogLevel, ctx context.Context, format string, args ...interface{}) {
	if level < l.GetLevel() {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     strings.ToUpper(level.String()),
		Message:   fmt.Sprintf(format, args...),
	}
	if ctx != nil {
		entry.RequestID, _ = GetRequestID(ctx)
	}

	var output string
	if l.jsonFormat {
		data, _ := json.Marshal(entry)
		output = string(data) + "\n"
	} else {
		timestamp := entry.Timestamp.Format("2006-01-02T15:04:05Z")
		if entry.RequestID != "" {
			output = fmt.Sprintf("%s [%s] [%s] %s\n", timestamp, entry.Level, entry.RequestID, entry.Message)
		} else {
			output = fmt.Sprintf("%s [%s] %s\n", timestamp, entry.Level, entry.Message)
		}
	}
	l.write(output)
}

// logFields writes a message with structured fields. Text output lists the
// fields as sorted key=value pairs.
func (l *loggerImpl) logFields(level LogLevel, message string, fields map[string]interface{}) {
	if level < l.GetLevel() {
		return
	}

	timestamp := time.Now().UTC()
	var output string
	if l.jsonFormat {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     strings.ToUpper(level.String()),
			"message":   message,
		}
		for key, value := range fields {
			entry[key] = value
		}
		data, _ := json.Marshal(entry)
		output = string(data) + "\n"
	} else {
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		var b strings.Builder
		fmt.Fprintf(&b, "%s [%s] %s", timestamp.Format("2006-01-02T15:04:05Z"), strings.ToUpper(level.String()), message)
		for _, key := range keys {
			fmt.Fprintf(&b, " %s=%v", key, fields[key])
		}
		b.WriteString("\n")
		output = b.String()
	}
	l.write(output)
}

func (l *loggerImpl) write(output string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, writer := range l.writers {
		writer.Write([]byte(output))
	}
}

func (l *loggerImpl) Debug(format string, args ...interface{}) {
	l.log(DebugLevel, nil, format, args...)
}

func (l *loggerImpl) Info(format string, args ...interface{}) {
	l.log(InfoLevel, nil, format, args...)
}

func (l *loggerImpl) Warn(format string, args ...interface{}) {
	l.log(WarnLevel, nil, format, args...)
}

func (l *loggerImpl) Error(format string, args ...interface{}) {
	l.log(ErrorLevel, nil, format, args...)
}

func (l *loggerImpl) DebugWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(DebugLevel, ctx, format, args...)
}

func (l *loggerImpl) InfoWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(InfoLevel, ctx, format, args...)
}

func (l *loggerImpl) WarnWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(WarnLevel, ctx, format, args...)
}

func (l *loggerImpl) ErrorWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(ErrorLevel, ctx, format, args...)
}

// LogCommand records a CLI command invocation
func (l *loggerImpl) LogCommand(command string, metadata map[string]interface{}) {
	fields := map[string]interface{}{"command": command}
	for key, value := range metadata {
		fields[key] = value
	}
	l.logFields(InfoLevel, fmt.Sprintf("Command: %s", command), fields)
}

// LogPerformance logs the outcome and timing of an operation
func (l *loggerImpl) LogPerformance(metrics PerformanceMetrics) {
	fields := map[string]interface{}{
		"operation":   metrics.Operation,
		"duration_ms": metrics.Duration.Milliseconds(),
		"records":     metrics.Records,
		"success":     metrics.Success,
	}
	if metrics.Error != "" {
		fields["error"] = metrics.Error
	}
	for key, value := range metrics.Metadata {
		fields[key] = value
	}
	l.logFields(InfoLevel, fmt.Sprintf("Performance: %s completed in %v", metrics.Operation, metrics.Duration), fields)
}

// LogAPIRequest logs an outgoing request at debug level with credentials masked
func (l *loggerImpl) LogAPIRequest(request APIRequest) {
	if request.Timestamp.IsZero() {
		request.Timestamp = time.Now().UTC()
	}

	fields := map[string]interface{}{
		"method":     request.Method,
		"url":        request.URL,
		"request_id": request.RequestID,
	}
	if len(request.Headers) > 0 {
		fields["headers"] = SanitizeHeaders(request.Headers)
	}
	if request.Body != "" {
		fields["body"] = truncate(request.Body)
	}
	l.logFields(DebugLevel, fmt.Sprintf("API Request: %s %s", request.Method, request.URL), fields)
}

// LogAPIResponse logs a response at debug level
func (l *loggerImpl) LogAPIResponse(response APIResponse) {
	if response.Timestamp.IsZero() {
		response.Timestamp = time.Now().UTC()
	}

	fields := map[string]interface{}{
		"status_code": response.StatusCode,
		"request_id":  response.RequestID,
		"duration_ms": response.Duration.Milliseconds(),
		"success":     response.Success,
		"attempt":     response.Attempt,
	}
	if response.Error != "" {
		fields["error"] = response.Error
	}
	if response.Body != "" {
		fields["body"] = truncate(response.Body)
	}
	l.logFields(DebugLevel, fmt.Sprintf("API Response: %d (%v)", response.StatusCode, response.Duration), fields)
}

func (l *loggerImpl) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *loggerImpl) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput replaces all writers with w (mainly for testing)
func (l *loggerImpl) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writers = []io.Writer{w}
}

func (l *loggerImpl) Close() error {
	if l.fileHandle != nil {
		return l.fileHandle.Close()
	}
	return nil
}

// SanitizeHeaders masks credential-bearing headers
func SanitizeHeaders(headers map[string]string) map[string]string {
	sanitized := make(map[string]string, len(headers))
	for key, value := range headers {
		switch strings.ToLower(key) {
		case "authorization", "api-key":
			sanitized[key] = "***"
		default:
			sanitized[key] = value
		}
	}
	return sanitized
}

func truncate(body string) string {
	if len(body) > maxBodyLog {
		return body[:maxBodyLog] + "... (truncated)"
	}
	return body
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger
)

// SetDefaultLogger sets the logger used by the package-level functions
func SetDefaultLogger(logger Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetDefaultLogger returns the logger used by the package-level functions
func GetDefaultLogger() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// InitializeLogging creates a logger from cfg and makes it the default
func InitializeLogging(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	SetDefaultLogger(logger)
	return nil
}

// Package-level helpers log through the default logger and do nothing when
// none is set.

func Debug(format string, args ...interface{}) {
	if logger := GetDefaultLogger(); logger != nil {
		logger.Debug(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if logger := GetDefaultLogger(); logger != nil {
		logger.Info(format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if logger := GetDefaultLogger(); logger != nil {
		logger.Warn(format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if logger := GetDefaultLogger(); logger != nil {
		logger.Error(format, args...)
	}
}

func DebugWithContext(ctx context.Context, format string, args ...interface{}) {
	if logger := GetDefaultLogger(); logger != nil {
		logger.DebugWithContext(ctx, format, args...)
	}
}

func InfoWithContext(ctx context.Context, format string, args ...interface{}) {
	if logger := GetDefaultLogger(); logger != nil {
		logger.InfoWithContext(ctx, format, args...)
	}
}

func WarnWithContext(ctx context.Context, format string, args ...interface{}) {
	if logger := GetDefaultLogger(); logger != nil {
		logger.WarnWithContext(ctx, format, args...)
	}
}

func ErrorWithContext(ctx context.Context, format string, args ...interface{}) {
	if logger := GetDefaultLogger(); logger != nil {
		logger.ErrorWithContext(ctx, format, args...)
	}
}

func LogCommand(command string, metadata map[string]interface{}) {
	if logger := GetDefaultLogger(); logger != nil {
		logger.LogCommand(command, metadata)
	}
}

func LogPerformance(metrics PerformanceMetrics) {
	if logger := GetDefaultLogger(); logger != nil {
		logger.LogPerformance(metrics)
	}
}

func LogAPIRequest(request APIRequest) {
	if logger := GetDefaultLogger(); logger != nil {
		logger.LogAPIRequest(request)
	}
}

func LogAPIResponse(response APIResponse) {
	if logger := GetDefaultLogger(); logger != nil {
		logger.LogAPIResponse(response)
	}
}

// WithRequestID returns a context carrying requestID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID extracts the request ID from a context
func GetRequestID(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(RequestIDKey).(string)
	return requestID, ok
}

// GenerateRequestID returns a new random request ID
func GenerateRequestID() string {
	return "req-" + uuid.NewString()
}
