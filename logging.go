package citadelcore

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process-wide zerolog.Logger the proxy core logs
// through per LogConfig: structured, leveled, with per-transaction fields
// attachable via With(), and routed to either a console writer, raw JSON,
// or a rotating file sink.
func NewLogger(cfg LogConfig) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
	} else if strings.ToLower(cfg.Format) != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Caller().Logger()
}

// logTransactionError records a per-transaction error: everything except
// Cancelled is logged, Cancelled is silent since it reflects a caller-
// initiated shutdown rather than a fault.
func logTransactionError(log zerolog.Logger, messageID uint32, err error) {
	if err == nil || errors.Is(err, ErrCancelled) {
		return
	}
	log.Error().Uint32("message_id", messageID).Err(err).Msg("transaction error")
}
