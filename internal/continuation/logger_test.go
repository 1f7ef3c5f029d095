package continuation

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWatermillLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewWatermillLogger(zap.New(core)).With(watermill.LogFields{"topic": "x.a"})

	l.Info("subscribed", watermill.LogFields{"n": 1})
	l.Error("publish failed", errors.New("boom"), nil)
	l.Trace("tick", nil)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "subscribed", entries[0].Message)
	assert.Equal(t, "x.a", entries[0].ContextMap()["topic"])
	assert.Equal(t, "watermill", entries[0].ContextMap()["component"])
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
	assert.Equal(t, zapcore.DebugLevel, entries[2].Level)
}

func TestTemporalLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewTemporalLogger(zap.New(core))

	l.Warn("activity slow", "ActivityID", "a1", 42, "answer", "dangling")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "a1", fields["ActivityID"])
	assert.Equal(t, "answer", fields["42"])
	assert.Equal(t, "(missing)", fields["dangling"])
}
