package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	w, err := NewWatcher(path, 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	updates := make(chan AppConfig, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx, func(cfg AppConfig) {
		select {
		case updates <- cfg:
		default:
		}
	}))
	defer w.Stop()

	updated := strings.Replace(sampleConfig, "maxOpenOrders: 20", "maxOpenOrders: 5", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case cfg := <-updates:
			done = cfg.Pairs["XBT/USD"].MaxOpenOrders == 5
		case <-deadline:
			t.Fatal("expected reload callback")
		}
	}
	assert.False(t, w.LastReload().IsZero())
}

func TestWatcherKeepsOldConfigOnInvalidWrite(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	w, err := NewWatcher(path, 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	updates := make(chan AppConfig, 4)
	require.NoError(t, w.Start(context.Background(), func(cfg AppConfig) {
		select {
		case updates <- cfg:
		default:
		}
	}))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("env: \"\"\n"), 0o644))

	select {
	case <-updates:
		t.Fatal("invalid config must not be applied")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherStopWithoutStart(t *testing.T) {
	w, err := NewWatcher(writeTempConfig(t, sampleConfig), time.Second, nil)
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
}
