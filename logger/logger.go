// Package logger provides the zap-backed logging used across the
// diagnostics fabric: the in-process registry, primitive wrappers, the
// dashboard push loop, and the ingest server.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger instance. Safe to use before Initialize
	// is called; it starts out as a no-op sink.
	Logger *zap.SugaredLogger
	// JSONOutput records whether the active config emits structured JSON.
	JSONOutput bool
)

func init() {
	// A no-op logger at package load time means instrumentation that runs
	// during an init() elsewhere (wrapper construction, registry setup)
	// never panics on a nil Logger.
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. Instrumented processes call this
// once, typically from the same init-time hook that starts the dashboard
// push loop (see the root peep package's Init).
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(levelFromEnv())
		zapLogger, err = config.Build()
	} else {
		zapLogger = zap.New(
			zapcore.NewCore(
				consoleEncoder(),
				zapcore.AddSync(os.Stderr),
				levelFromEnv(),
			),
		)
	}

	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// consoleEncoder renders a compact, human-readable line: level, component,
// message, fields. Diagnostics logging runs on the same process as the
// user's application, so it stays quiet by default and never writes JSON
// unless explicitly asked to.
func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.ConsoleSeparator = " "
	return zapcore.NewConsoleEncoder(cfg)
}

// levelFromEnv reads PEEP_LOG_LEVEL (debug|info|warn|error), defaulting to
// warn so an instrumented process stays quiet unless something notable
// happens in the fabric itself.
func levelFromEnv() zapcore.Level {
	switch strings.ToLower(os.Getenv("PEEP_LOG_LEVEL")) {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.WarnLevel
	}
}

// Cleanup flushes any buffered log entries. Errors from Sync are often
// ignorable for stdout/stderr (EINVAL on some platforms) but are returned
// so callers can decide.
func Cleanup() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}

func Info(args ...interface{})                        { Logger.Info(args...) }
func Infof(format string, args ...interface{})         { Logger.Infof(format, args...) }
func Infow(msg string, kv ...interface{})              { Logger.Infow(msg, kv...) }
func Warn(args ...interface{})                         { Logger.Warn(args...) }
func Warnf(format string, args ...interface{})         { Logger.Warnf(format, args...) }
func Warnw(msg string, kv ...interface{})              { Logger.Warnw(msg, kv...) }
func Error(args ...interface{})                        { Logger.Error(args...) }
func Errorf(format string, args ...interface{})        { Logger.Errorf(format, args...) }
func Errorw(msg string, kv ...interface{})             { Logger.Errorw(msg, kv...) }
func Debug(args ...interface{})                        { Logger.Debug(args...) }
func Debugf(format string, args ...interface{})        { Logger.Debugf(format, args...) }
func Debugw(msg string, kv ...interface{})             { Logger.Debugw(msg, kv...) }

// ComponentLogger returns a named logger for one of the ten components
// (e.g. "registry", "push", "ingest", "cut"). Prefer this over the package
// globals when a type can hold a field — it keeps log lines attributable
// when several subsystems are chatty at once.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
