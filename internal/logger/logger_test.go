package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
		ok   bool
	}{
		{"debug", zapcore.DebugLevel, true},
		{" INFO ", zapcore.InfoLevel, true},
		{"", zapcore.InfoLevel, true},
		{"warning", zapcore.WarnLevel, true},
		{"error", zapcore.ErrorLevel, true},
		{"verbose", zapcore.InfoLevel, false},
	}

	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}

func TestContextLogger(t *testing.T) {
	t.Run("should fall back to the global logger", func(t *testing.T) {
		assert.Same(t, Logger(), FromContext(context.Background()))
	})

	t.Run("should carry fields through the context", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		ctx := ToContext(context.Background(), zap.New(core).Sugar())
		ctx = With(ctx, "timer_id", "t-1")

		InfoKV(ctx, "timer fired", "incident_id", "inc-1")

		entries := logs.All()
		if assert.Len(t, entries, 1) {
			assert.Equal(t, "timer fired", entries[0].Message)
			fields := entries[0].ContextMap()
			assert.Equal(t, "t-1", fields["timer_id"])
			assert.Equal(t, "inc-1", fields["incident_id"])
		}
	})
}

func TestCronLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewCronLogger(zap.New(core).Sugar())

	l.Info("schedule", "next", "soon")
	l.Error(errors.New("boom"), "job panicked")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
		assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
		assert.Equal(t, "cron", entries[1].LoggerName)
	}
}
