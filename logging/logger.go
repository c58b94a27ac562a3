// Package logging provides arena1's unified structured logging.
// Log entries are JSON records carrying timestamp, process id, goroutine id,
// level, caller, message, and an optional data map. Module-scoped TRACE
// gating keeps high-frequency paths (tick loop, egress fan-out) quiet unless
// explicitly enabled.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel represents logging levels
type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	FATAL
)

// Log rotation constants
const (
	DefaultMaxLogSize   = 10 * 1024 * 1024 // 10MB
	DefaultMaxRotations = 3                // Keep 3 rotated logs
)

var levelNames = map[LogLevel]string{
	TRACE: "TRACE",
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var levelFromString = map[string]LogLevel{
	"TRACE": TRACE,
	"DEBUG": DEBUG,
	"INFO":  INFO,
	"WARN":  WARN,
	"ERROR": ERROR,
	"FATAL": FATAL,
}

// Logger provides unified logging for the arena1 system
type Logger struct {
	level        LogLevel
	traceModules map[string]bool
	file         *os.File
	mu           sync.RWMutex
	processID    int
	logPath      string
	maxSize      int64
	maxRotations int
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	ProcessID int                    `json:"process_id"`
	ThreadID  string                 `json:"thread_id"`
	Level     string                 `json:"level"`
	Function  string                 `json:"function"`
	File      string                 `json:"file"`
	Line      int                    `json:"line"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Config carries the logging settings applied at startup
type Config struct {
	Level        string
	TraceModules []string
	LogDir       string
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// ApplyConfig initializes the global logger from configuration
func ApplyConfig(cfg *Config) error {
	level, exists := levelFromString[strings.ToUpper(cfg.Level)]
	if !exists {
		return fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var err error
	once.Do(func() {
		defaultLogger, err = NewLogger(cfg.LogDir, level, cfg.TraceModules)
	})
	return err
}

// NewLogger creates a new logger instance. An empty logDir disables the
// file sink; console output is always active.
func NewLogger(logDir string, level LogLevel, traceModules []string) (*Logger, error) {
	var file *os.File
	var logPath string

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		logPath = filepath.Join(logDir, "arena1.log")
		var err error
		file, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
	}

	traceMap := make(map[string]bool)
	for _, module := range traceModules {
		traceMap[strings.ToLower(strings.TrimSpace(module))] = true
	}

	return &Logger{
		level:        level,
		traceModules: traceMap,
		file:         file,
		processID:    os.Getpid(),
		logPath:      logPath,
		maxSize:      DefaultMaxLogSize,
		maxRotations: DefaultMaxRotations,
	}, nil
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	if defaultLogger == nil {
		// Fallback to console-only if not initialized
		logger, _ := NewLogger("", INFO, nil)
		return logger
	}
	return defaultLogger
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetLevelFromString sets the logging level from string
func (l *Logger) SetLevelFromString(levelStr string) error {
	level, exists := levelFromString[strings.ToUpper(levelStr)]
	if !exists {
		return fmt.Errorf("invalid log level: %s", levelStr)
	}
	l.SetLevel(level)
	return nil
}

// EnableTrace enables tracing for specific modules
func (l *Logger) EnableTrace(modules []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, module := range modules {
		l.traceModules[strings.ToLower(module)] = true
	}
}

// DisableTrace disables tracing for specific modules
func (l *Logger) DisableTrace(modules []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, module := range modules {
		delete(l.traceModules, strings.ToLower(module))
	}
}

// log is the core logging function
func (l *Logger) log(level LogLevel, message string, data map[string]interface{}) {
	l.mu.RLock()
	currentLevel := l.level
	enabled := level >= currentLevel
	l.mu.RUnlock()

	if !enabled {
		return
	}

	// Get caller information
	pc, file, line, ok := runtime.Caller(2)
	if !ok {
		file = "unknown"
		line = 0
	}

	funcName := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		funcName = filepath.Base(fn.Name())
	}

	fileName := filepath.Base(file)
	fileNameNoExt := strings.TrimSuffix(fileName, filepath.Ext(fileName))

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		ProcessID: l.processID,
		ThreadID:  getThreadID(),
		Level:     levelNames[level],
		Function:  funcName,
		File:      fileNameNoExt,
		Line:      line,
		Message:   message,
		Data:      data,
	}

	l.writeEntry(entry, level)
}

// Trace logs trace level messages for specific modules
func (l *Logger) Trace(module, message string, data ...map[string]interface{}) {
	l.mu.RLock()
	enabled := l.traceModules[strings.ToLower(module)]
	l.mu.RUnlock()

	if !enabled {
		return
	}

	var dataMap map[string]interface{}
	if len(data) > 0 {
		dataMap = data[0]
	}
	if dataMap == nil {
		dataMap = make(map[string]interface{})
	}
	dataMap["trace_module"] = module

	l.log(TRACE, message, dataMap)
}

// Debug logs debug level messages
func (l *Logger) Debug(message string, data ...map[string]interface{}) {
	var dataMap map[string]interface{}
	if len(data) > 0 {
		dataMap = data[0]
	}
	l.log(DEBUG, message, dataMap)
}

// Info logs info level messages
func (l *Logger) Info(message string, data ...map[string]interface{}) {
	var dataMap map[string]interface{}
	if len(data) > 0 {
		dataMap = data[0]
	}
	l.log(INFO, message, dataMap)
}

// Warn logs warning level messages
func (l *Logger) Warn(message string, data ...map[string]interface{}) {
	var dataMap map[string]interface{}
	if len(data) > 0 {
		dataMap = data[0]
	}
	l.log(WARN, message, dataMap)
}

// Error logs error level messages
func (l *Logger) Error(message string, data ...map[string]interface{}) {
	var dataMap map[string]interface{}
	if len(data) > 0 {
		dataMap = data[0]
	}
	l.log(ERROR, message, dataMap)
}

// Fatal logs fatal level messages and exits
func (l *Logger) Fatal(message string, data ...map[string]interface{}) {
	var dataMap map[string]interface{}
	if len(data) > 0 {
		dataMap = data[0]
	}
	l.log(FATAL, message, dataMap)
	os.Exit(1)
}

// writeEntry writes the log entry to file and console
func (l *Logger) writeEntry(entry LogEntry, level LogLevel) {
	// Format for console (human readable)
	consoleMsg := fmt.Sprintf("%s [%d:%s] [%s] %s.%s:%d %s",
		entry.Timestamp[:19], // Truncate nanoseconds for console
		entry.ProcessID,
		entry.ThreadID,
		entry.Level,
		entry.Function,
		entry.File,
		entry.Line,
		entry.Message,
	)

	if len(entry.Data) > 0 {
		dataStr, _ := json.Marshal(entry.Data)
		consoleMsg += " " + string(dataStr)
	}

	// Write to console (stderr for errors, stdout for others)
	if level >= ERROR {
		fmt.Fprintln(os.Stderr, consoleMsg)
	} else {
		fmt.Fprintln(os.Stdout, consoleMsg)
	}

	// Write JSON to file if available
	if l.file != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		if jsonData, err := json.Marshal(entry); err == nil {
			l.file.Write(jsonData)
			l.file.Write([]byte("\n"))

			l.checkRotation()
		}
	}
}

// getThreadID returns the current goroutine ID
func getThreadID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	// Parse goroutine ID from stack trace: "goroutine 1 [running]:"
	stack := string(buf[:n])
	if idx := strings.Index(stack, " ["); idx > 10 {
		if gid := stack[10:idx]; gid != "" {
			return gid
		}
	}

	return "main"
}

// checkRotation rotates the log file once it exceeds maxSize.
// Caller must hold l.mu.
func (l *Logger) checkRotation() {
	if l.file == nil || l.logPath == "" {
		return
	}

	info, err := l.file.Stat()
	if err != nil || info.Size() < l.maxSize {
		return
	}

	l.file.Close()

	// Shift rotated files: arena1.log.2 -> arena1.log.3, ...
	for i := l.maxRotations - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", l.logPath, i)
		dst := fmt.Sprintf("%s.%d", l.logPath, i+1)
		os.Rename(src, dst)
	}
	os.Rename(l.logPath, l.logPath+".1")

	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.file = nil
		return
	}
	l.file = file
}

// Close closes the logger
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Convenience functions using the default logger

func Trace(module, message string, data ...map[string]interface{}) {
	logger := GetLogger()
	logger.mu.RLock()
	enabled := logger.traceModules[strings.ToLower(module)]
	logger.mu.RUnlock()

	if enabled {
		logger.Trace(module, message, data...)
	}
}

func Debug(message string, data ...map[string]interface{}) {
	GetLogger().Debug(message, data...)
}

func Info(message string, data ...map[string]interface{}) {
	GetLogger().Info(message, data...)
}

func Warn(message string, data ...map[string]interface{}) {
	GetLogger().Warn(message, data...)
}

func Error(message string, data ...map[string]interface{}) {
	GetLogger().Error(message, data...)
}

func Fatal(message string, data ...map[string]interface{}) {
	GetLogger().Fatal(message, data...)
}

func SetLevel(level LogLevel) {
	GetLogger().SetLevel(level)
}

func SetLevelFromString(levelStr string) error {
	return GetLogger().SetLevelFromString(levelStr)
}

func IsTraceEnabled(module string) bool {
	logger := GetLogger()
	logger.mu.RLock()
	defer logger.mu.RUnlock()
	return logger.traceModules[strings.ToLower(module)]
}

func EnableTrace(modules []string) {
	GetLogger().EnableTrace(modules)
}

func DisableTrace(modules []string) {
	GetLogger().DisableTrace(modules)
}
