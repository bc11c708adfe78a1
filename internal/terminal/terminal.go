// Package terminal is the zap-backed agentserver.Terminal implementation:
// the one-line diagnostic surface the listener writes to under the
// "first error visible, then suppressed, then reconnected" contract of
// spec.md §4.2/§7. The listener itself already implements the
// suppression logic (internal/listener retryLoopState); this package only
// renders the three call shapes to the log.
package terminal

import (
	"time"

	"go.uber.org/zap"
)

// Logger writes listener diagnostics through a zap.Logger, the same logging
// surface the rest of this agent uses.
type Logger struct {
	logger *zap.Logger
}

// New creates a Logger.
func New(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.Named("terminal")}
}

func (l *Logger) WriteError(at time.Time, message string, nextRetry time.Duration) {
	l.logger.Warn(message,
		zap.Time("at", at),
		zap.Duration("next_retry", nextRetry),
	)
}

func (l *Logger) WriteReconnected(at time.Time) {
	l.logger.Info("reconnected", zap.Time("at", at))
}

func (l *Logger) WriteInfo(message string) {
	l.logger.Info(message)
}
