package logger

import "go.uber.org/zap"

// CronLogger adapts a zap logger to robfig/cron's Logger interface.
// cron's Info messages are scheduling chatter, so they go to debug.
type CronLogger struct {
	l *zap.SugaredLogger
}

// NewCronLogger wraps l. A nil l uses the global logger.
func NewCronLogger(l *zap.SugaredLogger) CronLogger {
	if l == nil {
		l = Logger()
	}
	return CronLogger{l: l.Named("cron")}
}

// Info implements cron.Logger.
func (c CronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

// Error implements cron.Logger.
func (c CronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
