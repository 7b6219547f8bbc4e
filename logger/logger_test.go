package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/alexhholmes/btrcore"
	"github.com/alexhholmes/btrcore/internal/base"
)

func TestPairs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []any
		want map[string]any
	}{
		{"empty", nil, map[string]any{}},
		{"pairs", []any{"a", 1, "b", "x"}, map[string]any{"a": 1, "b": "x"}},
		{"trailing value", []any{"a", 1, 2}, map[string]any{"a": 1, badKey: 2}},
		{"non-string key", []any{3, "a", 4}, map[string]any{badKey: 3, "a": 4}},
		{"stringer", []any{"page", base.PageID(7)}, map[string]any{"page": "7"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := map[string]any{}
			pairs(tt.args, func(k string, v any) { got[k] = v })
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogrus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	var log btrcore.Logger = NewLogrus(l)
	log.Warn("shape change rejected", "need", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shape change rejected", entry["msg"])
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, float64(3), entry["need"])
}

func TestLogrusEntryKeepsFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	log := NewLogrusEntry(l.WithField("index", "orders"))
	log.Info("checkpoint", "txn", 12)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "orders", entry["index"])
	assert.Equal(t, float64(12), entry["txn"])
}

func TestZap(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	log := NewZap(zap.New(core))

	errTest := errors.New("boom")
	log.Error("index tree is corrupt", "error", errTest, "page", base.PageID(4))
	log.Info("checkpoint", "txn", 9)

	require.Equal(t, 2, logs.Len())
	first := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, first.Level)
	assert.Equal(t, "index tree is corrupt", first.Message)
	ctx := first.ContextMap()
	assert.Equal(t, "boom", ctx["error"])
	assert.Equal(t, "4", ctx["page"])

	assert.Equal(t, int64(9), logs.All()[1].ContextMap()["txn"])
}
