package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the shared logger used throughout the project.
var Log = log.Logger

// LogFileName is the name of the rotated log file written under the log dir.
const LogFileName = "clipsync.log"

// Options configure where logs go.
type Options struct {
	Level string
	// Dir enables a rotated JSON log file in addition to the console.
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Configure sets the global log level and a human-readable console output.
// The level string is tolerant of case and common synonyms.
func Configure(level string) {
	ConfigureWith(Options{Level: level})
}

// ConfigureWith sets the level and, when Dir is set, tees output into a
// rotated file. The returned closer releases the file.
func ConfigureWith(o Options) io.Closer {
	zerolog.SetGlobalLevel(parseLevel(o.Level))

	console := zerolog.ConsoleWriter{Out: os.Stderr}
	if o.Dir == "" {
		Log = log.Output(console)
		return io.NopCloser(nil)
	}
	rot := &lumberjack.Logger{
		Filename:   filepath.Join(o.Dir, LogFileName),
		MaxSize:    orDefault(o.MaxSizeMB, 10),
		MaxBackups: orDefault(o.MaxBackups, 5),
		MaxAge:     orDefault(o.MaxAgeDays, 30),
		Compress:   true,
	}
	Log = zerolog.New(zerolog.MultiLevelWriter(console, rot)).With().Timestamp().Logger()
	return rot
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// parseLevel converts a string to a zerolog level.
// Accepts: all, debug, info, warn, warning, error, fatal, none.
// Unknown values default to info.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	Configure(os.Getenv("CLIPSYNC_LOG_LEVEL"))
}
