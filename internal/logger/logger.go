package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup initializes the global zerolog logger based on environment configuration.
//   - level: log level string (trace, debug, info, warn, error, fatal, panic)
//   - format: "json" for production, "pretty" for human-readable dev output
//   - file: optional path; when set, JSON lines are also written to a rotated file
//
// Returns the configured logger instance.
func Setup(level, format, file string) zerolog.Logger {
	var writer io.Writer

	if format == "pretty" {
		writer = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	} else {
		writer = os.Stdout
	}

	if file != "" {
		writer = zerolog.MultiLevelWriter(writer, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)

	log := zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()

	return log
}

// Session returns a child logger carrying the identifiers of one exam session.
func Session(log zerolog.Logger, sessionID, examID, candidateID string) zerolog.Logger {
	return log.With().
		Str("session_id", sessionID).
		Str("exam_id", examID).
		Str("candidate_id", candidateID).
		Logger()
}
