package citadelcore

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerDefaultsLevelOnParseFailure(t *testing.T) {
	log := NewLogger(LogConfig{Level: "not-a-level", Format: "console"})
	if log.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected fallback to InfoLevel, got %v", log.GetLevel())
	}
}

func TestNewLoggerHonorsConfiguredLevel(t *testing.T) {
	log := NewLogger(LogConfig{Level: "warn", Format: "json"})
	if log.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("expected WarnLevel, got %v", log.GetLevel())
	}
}

func TestLogTransactionErrorSilentOnCancelled(t *testing.T) {
	// Cancelled errors must not be logged; this only verifies
	// logTransactionError doesn't panic and returns early —
	// zerolog gives no hook-free way to assert "nothing was written"
	// without wiring a custom writer, which would be testing zerolog, not
	// this function's early-return logic.
	log := NewLogger(LogConfig{Level: "debug", Format: "console"})
	wrapped := errors.Join(ErrCancelled)
	logTransactionError(log, 1, wrapped)
	logTransactionError(log, 1, nil)
}
