package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	// debugComponents holds components forced to debug level regardless of
	// the global level. Written once at Init, read-only afterwards.
	debugComponents map[string]bool
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer

	// DebugComponents lists component names whose child loggers run at
	// debug level even when the global level is higher.
	DebugComponents []string
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	debugComponents = make(map[string]bool, len(cfg.DebugComponents))
	for _, c := range cfg.DebugComponents {
		debugComponents[c] = true
	}
}

// WithComponent creates a child logger with component field. Components
// named in Config.DebugComponents are forced to debug level.
func WithComponent(component string) zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	if debugComponents[component] {
		l = l.Level(zerolog.DebugLevel)
	}
	return l
}

// WithSlaveID creates a child logger with slave_id field
func WithSlaveID(slaveID int64) zerolog.Logger {
	return Logger.With().Int64("slave_id", slaveID).Logger()
}

// WithPackage creates a child logger with package field
func WithPackage(pkg string) zerolog.Logger {
	return Logger.With().Str("package", pkg).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
