package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, levelFromString(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, levelFromString("warning"))
	assert.Equal(t, slog.LevelError, levelFromString("error"))
	assert.Equal(t, slog.LevelInfo, levelFromString("bogus"))
}

func TestComponentPrefersContextLogger(t *testing.T) {
	var base, scoped bytes.Buffer
	ctx := ContextWithLogger(context.Background(), NewLoggerTo(&scoped, "info"))

	Component(ctx, NewLoggerTo(&base, "info"), "catalog", "CreateRide", "ride_id", "r1").Info("ride created")

	assert.Zero(t, base.Len())
	var rec map[string]any
	require.NoError(t, json.Unmarshal(scoped.Bytes(), &rec))
	assert.Equal(t, "catalog", rec["component"])
	assert.Equal(t, "CreateRide", rec["operation"])
	assert.Equal(t, "r1", rec["ride_id"])
}

func TestFromContextWithoutLogger(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
}
