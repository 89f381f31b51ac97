package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepherg/omi"
	"github.com/stepherg/omi/internal/config"
	"github.com/stepherg/omi/translate"
)

func testConfig() *config.Config {
	return &config.Config{
		Registry: config.RegistryConfig{Backend: "memory"},
		Endpoints: []config.EndpointConfig{{
			URL: "ws://node/omi",
			Resources: []config.ResourceConfig{
				{ID: "temp", Path: "K1/101/temp", Action: "read", Mode: "newest", Period: time.Second},
				{ID: "room", Path: "K1/102", Action: "read", Period: time.Second},
				{ID: "sp", Path: "K1/101/setpoint", Action: "write"},
			},
		}},
	}
}

func TestOpenMemoryStoreAndRecord(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	st, closeStore, err := openStore(ctx, testConfig(), logger)
	require.NoError(t, err)
	defer closeStore()

	reads, err := readResources(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, map[omi.ResourceID]bool{"temp": true, "room": true}, reads)

	record := recordValue(st, reads, logger)
	at := time.Date(2017, 3, 1, 10, 0, 0, 0, time.UTC)
	record("ws://node/omi", translate.Value{Path: "K1/101", InfoItem: "temp", Type: "xs:double", Text: "21.5", Time: at})
	record("ws://node/omi", translate.Value{Path: "K1/102", InfoItem: "anything", Type: "xs:int", Text: "3", Time: at})
	record("ws://node/omi", translate.Value{Path: "K1/101", InfoItem: "setpoint", Type: "xs:double", Text: "19"})
	record("ws://other/omi", translate.Value{Path: "K1/101", InfoItem: "temp", Text: "1"})

	s, ok, err := st.Latest(ctx, "temp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 21.5, s.Value)
	assert.True(t, at.Equal(s.At))

	_, ok, err = st.Latest(ctx, "room")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = st.Latest(ctx, "sp")
	require.NoError(t, err)
	assert.False(t, ok, "write resources are not fed from responses")
}

func TestNewLogger(t *testing.T) {
	cfg := &config.Config{Log: config.LogConfig{Level: "warn", Format: "json"}}
	logger, err := newLogger(cfg)
	require.NoError(t, err)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	cfg.Log.Level = "nope"
	_, err = newLogger(cfg)
	assert.Error(t, err)
}
