package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Level is the slog level used throughout the service
type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
)

const defaultServiceName = "minerisk"

var (
	Logger       *slog.Logger
	programLevel = new(slog.LevelVar)
	sampleRate   atomic.Int32
	shutdownFunc func(context.Context) error
	counts       counters
)

type counters struct {
	errors              atomic.Int64
	warnings            atomic.Int64
	http5xx             atomic.Int64
	http4xx             atomic.Int64
	http400             atomic.Int64
	http404             atomic.Int64
	levelFailures       atomic.Int64
	incompleteSnapshots atomic.Int64
}

// Stats is a point-in-time copy of the log counters reported by /health.
// Counters move on every call, whether or not the line was sampled out.
type Stats struct {
	Errors              int64 `json:"errors"`
	Warnings            int64 `json:"warnings"`
	HTTP5xx             int64 `json:"http5xx"`
	HTTP4xx             int64 `json:"http4xx"`
	HTTP400             int64 `json:"http400"`
	HTTP404             int64 `json:"http404"`
	LevelFailures       int64 `json:"levelFailures"`
	IncompleteSnapshots int64 `json:"incompleteSnapshots"`
}

// GetStats returns the current counter values
func GetStats() Stats {
	return Stats{
		Errors:              counts.errors.Load(),
		Warnings:            counts.warnings.Load(),
		HTTP5xx:             counts.http5xx.Load(),
		HTTP4xx:             counts.http4xx.Load(),
		HTTP400:             counts.http400.Load(),
		HTTP404:             counts.http404.Load(),
		LevelFailures:       counts.levelFailures.Load(),
		IncompleteSnapshots: counts.incompleteSnapshots.Load(),
	}
}

// envConfig is what the process environment asks of the logger
type envConfig struct {
	level       slog.Level
	sampleRate  int32
	otelEnabled bool
	serviceName string
}

// LOG_LEVEL, ERROR_SAMPLE_RATE (1 in N warnings/errors written),
// OTEL_ENABLED and OTEL_SERVICE_NAME
func readEnv() envConfig {
	cfg := envConfig{
		level:       LevelInfo,
		sampleRate:  100,
		serviceName: defaultServiceName,
	}
	if lvl, err := ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		cfg.level = lvl
	}
	if rate, err := strconv.Atoi(os.Getenv("ERROR_SAMPLE_RATE")); err == nil && rate > 0 {
		cfg.sampleRate = int32(rate)
	}
	cfg.otelEnabled = strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true")
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		cfg.serviceName = name
	}
	return cfg
}

func init() {
	cfg := readEnv()
	programLevel.Set(cfg.level)
	sampleRate.Store(cfg.sampleRate)

	if !cfg.otelEnabled {
		SetOutput(os.Stdout)
		return
	}

	shutdown, err := setupOTELLogging(context.Background(), cfg.serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "otel logging unavailable, using JSON on stdout: %v\n", err)
		SetOutput(os.Stdout)
		return
	}
	shutdownFunc = shutdown
}

// SetOutput switches to JSON logging on w. Command line tools use it to
// keep stdout for their own output.
func SetOutput(w io.Writer) {
	install(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: programLevel}))
}

func install(h slog.Handler) {
	Logger = slog.New(h)
	slog.SetDefault(Logger)
}

// setupOTELLogging exports records over OTLP/gRPC through the slog bridge
func setupOTELLogging(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	bridge := otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider))

	install(&levelHandler{level: programLevel, handler: bridge})
	return provider.Shutdown, nil
}

// levelHandler applies programLevel to a handler that has no level option
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Shutdown flushes the OTEL exporter; a no-op for JSON output
func Shutdown(ctx context.Context) error {
	if shutdownFunc == nil {
		return nil
	}
	return shutdownFunc(ctx)
}

// SetLevel sets the minimum level written
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the minimum level written
func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a level name to a slog.Level. Unknown names return
// LevelInfo with an error.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q (defaulting to INFO)", name)
}

// SetLevelFromEnv sets the level from envVar, falling back to def when the
// variable is unset or unparsable
func SetLevelFromEnv(envVar string, def slog.Level) {
	level, err := ParseLevel(os.Getenv(envVar))
	if err != nil {
		level = def
	}
	programLevel.Set(level)
}

func sampled() bool {
	n := sampleRate.Load()
	return n <= 1 || rand.Intn(int(n)) == 0
}

// Trace logs below debug
func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Debug is never sampled
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Info is never sampled
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn counts every call and writes a sampled subset
func Warn(msg string, args ...any) {
	counts.warnings.Add(1)
	if sampled() {
		Logger.Warn(msg, args...)
	}
}

// Error counts every call and writes a sampled subset
func Error(msg string, args ...any) {
	counts.errors.Add(1)
	if sampled() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs, flushes OTEL and exits with status 1
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	_ = Shutdown(context.Background())
	os.Exit(1)
}

// ErrorHttp5xx counts a 5xx response. The paired Error call counts the error.
func ErrorHttp5xx() {
	counts.http5xx.Add(1)
}

// WarnHttp4xx counts a 4xx response
func WarnHttp4xx(status int) {
	counts.http4xx.Add(1)
	counts.warnings.Add(1)

	switch status {
	case 400:
		counts.http400.Add(1)
	case 404:
		counts.http404.Add(1)
	}
}

// ErrorLevelFailed counts and logs a level whose snapshot could not be
// computed or persisted
func ErrorLevelFailed(level int, err error) {
	counts.levelFailures.Add(1)
	Error("level snapshot failed", "level", level, "error", err)
}

// WarnIncompleteSnapshot counts and logs a snapshot where some levels failed
func WarnIncompleteSnapshot(snapshotID string, failed, total int) {
	counts.incompleteSnapshots.Add(1)
	Warn("snapshot incomplete", "snapshotId", snapshotID, "failedLevels", failed, "levels", total)
}
