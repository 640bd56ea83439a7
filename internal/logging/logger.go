// Package logging provides structured logging for the NVMe controller emulator
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with controller-specific structured fields
type Logger struct {
	zlog         zerolog.Logger
	controllerID *int
	async        *asyncWriter
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // If true, writes are synchronous (useful for testing)
	NoColor bool // If true, disables ANSI color codes (useful for testing)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter wraps an io.Writer with an async buffered channel
// This prevents blocking in hot paths
type asyncWriter struct {
	out    io.Writer
	ch     chan []byte
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (n int, err error) {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	aw.mu.Unlock()

	// Make a copy since p might be reused
	msg := make([]byte, len(p))
	copy(msg, p)

	// Non-blocking write - drop if buffer full (better than blocking)
	select {
	case aw.ch <- msg:
		return len(p), nil
	default:
		// Buffer full - drop message to avoid blocking
		return len(p), nil
	}
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	// Use async writer unless Sync mode is enabled
	var output io.Writer = config.Output
	var async *asyncWriter
	if !config.Sync {
		async = newAsyncWriter(config.Output, 1000)
		output = async
	}

	var zlog zerolog.Logger
	switch config.Format {
	case "json":
		zlog = zerolog.New(output).With().Timestamp().Logger()
	default:
		// Console format (colors can be disabled via config)
		consoleWriter := zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor}
		zlog = zerolog.New(consoleWriter).With().Timestamp().Logger()
	}

	zlog = zlog.Level(zerolog.Level(config.Level))

	return &Logger{
		zlog:  zlog,
		async: async,
	}
}

// Close flushes buffered messages and stops the async writer. Loggers
// derived with the With* methods share the writer and must not be used
// afterwards.
func (l *Logger) Close() error {
	if l.async == nil {
		return nil
	}
	return l.async.Close()
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithController returns a logger with controller ID context
func (l *Logger) WithController(controllerID int) *Logger {
	return &Logger{
		zlog:         l.zlog.With().Int("controller", controllerID).Logger(),
		controllerID: &controllerID,
	}
}

// WithQueue returns a logger with queue pair context
func (l *Logger) WithQueue(qid uint16) *Logger {
	return &Logger{
		zlog:         l.zlog.With().Uint16("qid", qid).Logger(),
		controllerID: l.controllerID,
	}
}

// WithDoorbell returns a logger with doorbell index context
func (l *Logger) WithDoorbell(index int) *Logger {
	return &Logger{
		zlog:         l.zlog.With().Int("doorbell", index).Logger(),
		controllerID: l.controllerID,
	}
}

// WithCommand returns a logger with command context
func (l *Logger) WithCommand(cid uint16, opcode uint8) *Logger {
	return &Logger{
		zlog:         l.zlog.With().Uint16("cid", cid).Uint8("opcode", opcode).Logger(),
		controllerID: l.controllerID,
	}
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		zlog:         l.zlog.With().Err(err).Logger(),
		controllerID: l.controllerID,
	}
}

// withArgs attaches alternating key/value pairs to e
func withArgs(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		e = e.Interface(key, args[i+1])
	}
	return e
}

func (l *Logger) Debug(msg string, args ...any) {
	withArgs(l.zlog.Debug(), args).Msg(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	withArgs(l.zlog.Info(), args).Msg(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	withArgs(l.zlog.Warn(), args).Msg(msg)
}

func (l *Logger) Error(msg string, args ...any) {
	withArgs(l.zlog.Error(), args).Msg(msg)
}

// Printf-style logging for compatibility
func (l *Logger) Printf(format string, args ...any) {
	l.zlog.Info().Msgf(format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.zlog.Debug().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.zlog.Warn().Msgf(format, args...)
}

// Domain helpers

// QueueEvent logs a queue pair lifecycle transition ("created", "deleted", ...)
func (l *Logger) QueueEvent(qid uint16, event string, args ...any) {
	l.WithQueue(qid).Info("queue "+event, args...)
}

// UnknownDoorbell logs a guest write to a doorbell with no queue behind it.
// Call it on a WithDoorbell logger.
func (l *Logger) UnknownDoorbell(value uint32) {
	l.zlog.Warn().Uint32("value", value).Msg("unknown doorbell")
}

// QueueFault logs a guest error that stopped a queue. Call it on a
// WithError logger.
func (l *Logger) QueueFault(qid uint16) {
	l.zlog.Error().Uint16("qid", qid).Msg("queue fault")
}

// CommandFailed logs a command the handler completed with an error status.
// Call it on a WithCommand logger.
func (l *Logger) CommandFailed(status fmt.Stringer) {
	l.zlog.Debug().Stringer("status", status).Msg("command failed")
}
