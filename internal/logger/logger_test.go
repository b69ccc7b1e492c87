package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitSetsDefault(t *testing.T) {
	l := Init(Config{Service: "test-svc", Env: "dev", InstanceID: "i-1"})
	assert.NotNil(t, l)
	assert.Same(t, l, L())
	assert.Same(t, l, slog.Default())
}

func TestInitZapBackend(t *testing.T) {
	l := Init(Config{Service: "test-svc", Env: "prod", Debug: true})
	assert.NotNil(t, l)
	l.Debug("zap backend ready", "room_id", 1)
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
}
