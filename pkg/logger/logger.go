package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents the log level
type Level int

const (
	// DEBUG detailed debugging messages
	DEBUG Level = iota
	// INFO general information
	INFO
	// WARN warnings
	WARN
	// ERROR errors
	ERROR
	// FATAL fatal errors (terminates the program)
	FATAL
)

// callerSkip accounts for logMessage and the exported wrapper.
const callerSkip = 2

var (
	logLevel = INFO

	logOutput  io.Writer = os.Stdout
	fileOutput io.WriteCloser

	timeFormat = "2006-01-02 15:04:05.000"

	base zerolog.Logger

	mu          sync.RWMutex
	initialized = false
)

// Init initializes the logger with a console writer on stdout
func Init() {
	mu.Lock()
	defer mu.Unlock()

	if initialized {
		return
	}

	base = build(consoleWriter(logOutput))
	initialized = true
}

// consoleWriter returns the human readable writer used for terminals
func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat, NoColor: w != os.Stdout}
}

// build creates the zerolog logger for the given sink
func build(w io.Writer) zerolog.Logger {
	return zerolog.New(w).
		Level(toZerolog(logLevel)).
		With().
		Timestamp().
		CallerWithSkipFrameCount(zerolog.CallerSkipFrameCount + callerSkip).
		Logger()
}

// SetLevel sets the minimum log level
func SetLevel(level Level) {
	mu.Lock()
	defer mu.Unlock()
	logLevel = level
	base = base.Level(toZerolog(level))
}

// GetLevel returns the current log level
func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return logLevel
}

// ParseLevel converts a configuration string into a Level, defaulting to INFO
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// IsDebugEnabled reports whether debug messages are emitted
func IsDebugEnabled() bool {
	return GetLevel() <= DEBUG
}

// SetOutput redirects all logs to w using the plain JSON encoding
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	logOutput = w
	base = build(w)
	initialized = true
}

// EnableFileLogging adds a JSON log file next to the console output
func EnableFileLogging(logDir, prefix string) error {
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	if prefix != "" {
		prefix = prefix + "_"
	}

	logFilePath := filepath.Join(logDir, fmt.Sprintf("%s%s.log", prefix, timestamp))
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("creating log file: %w", err)
	}

	if fileOutput != nil {
		fileOutput.Close()
	}
	fileOutput = logFile

	base = build(zerolog.MultiLevelWriter(consoleWriter(logOutput), logFile))
	initialized = true

	base.Info().Str("file", logFilePath).Msg("file logging enabled")
	return nil
}

// Sync closes the log file, if any
func Sync() {
	mu.Lock()
	defer mu.Unlock()

	if fileOutput != nil {
		fileOutput.Close()
		fileOutput = nil
		base = build(consoleWriter(logOutput))
	}
}

func toZerolog(level Level) zerolog.Level {
	switch level {
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.FatalLevel
	}
}

// logMessage writes a message with the given level
func logMessage(level Level, err error, format string, args ...interface{}) {
	mu.RLock()
	if !initialized {
		mu.RUnlock()
		Init()
		mu.RLock()
	}
	l := base
	mu.RUnlock()

	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	var ev *zerolog.Event
	switch level {
	case DEBUG:
		ev = l.Debug()
	case INFO:
		ev = l.Info()
	case WARN:
		ev = l.Warn()
	case ERROR:
		ev = l.Error()
	case FATAL:
		ev = l.Fatal()
	}
	if ev == nil {
		return
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(msg)
}

// Debug logs a message at DEBUG level
func Debug(msg string) {
	logMessage(DEBUG, nil, msg)
}

// Debugf logs a formatted message at DEBUG level
func Debugf(format string, args ...interface{}) {
	logMessage(DEBUG, nil, format, args...)
}

// Info logs a message at INFO level
func Info(msg string) {
	logMessage(INFO, nil, msg)
}

// Infof logs a formatted message at INFO level
func Infof(format string, args ...interface{}) {
	logMessage(INFO, nil, format, args...)
}

// Warn logs a message at WARN level
func Warn(msg string) {
	logMessage(WARN, nil, msg)
}

// Warnf logs a formatted message at WARN level
func Warnf(format string, args ...interface{}) {
	logMessage(WARN, nil, format, args...)
}

// Error logs a message at ERROR level with the causing error attached
func Error(msg string, err error) {
	logMessage(ERROR, err, msg)
}

// Errorf logs a formatted message at ERROR level
func Errorf(format string, args ...interface{}) {
	logMessage(ERROR, nil, format, args...)
}

// Critical logs a condition that needs operator attention. The process keeps running.
func Critical(msg string, err error) {
	criticalMessage(msg, err)
}

func criticalMessage(msg string, err error) {
	mu.RLock()
	if !initialized {
		mu.RUnlock()
		Init()
		mu.RLock()
	}
	l := base
	mu.RUnlock()

	ev := l.WithLevel(zerolog.ErrorLevel).Bool("critical", true)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(msg)
}

// Fatal logs at FATAL level and terminates the program
func Fatal(msg string, err error) {
	logMessage(FATAL, err, msg)
}

// Fatalf logs a formatted message at FATAL level and terminates the program
func Fatalf(format string, args ...interface{}) {
	logMessage(FATAL, nil, format, args...)
}
