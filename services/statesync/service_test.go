// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statesync

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/statesync/pkg/logging"
	"github.com/AleutianAI/statesync/services/statesync/config"
	"github.com/AleutianAI/statesync/services/statesync/demo"
	"github.com/AleutianAI/statesync/services/statesync/event"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Server.GinMode = "test"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	cfg.Manager.LockExpiration = 2 * time.Second
	return cfg
}

// start runs the service on a loopback port and returns its base address.
func start(t *testing.T, cfg config.Config) string {
	t.Helper()
	schema, err := demo.Schema()
	require.NoError(t, err)

	svc, err := New(context.Background(), cfg, schema,
		WithLogger(logging.Nop()),
		WithOnLoad(demo.OnLoad()),
	)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.NoError(t, svc.Close(context.Background()))
	})
	return ln.Addr().String()
}

func increment(t *testing.T, addr string) event.Update {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/_event", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(event.Event{
		Token:      "tok",
		Name:       "demo.counter.increment",
		RouterData: map[string]any{"pathname": "/"},
	}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var u event.Update
	require.NoError(t, ws.ReadJSON(&u))
	return u
}

func TestService_Backends(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name  string
		apply func(*config.Config)
	}{
		{"memory", func(*config.Config) {}},
		{"badger", func(c *config.Config) {
			c.Manager.Backend = config.BackendBadger
			c.Manager.BadgerInMemory = true
		}},
		{"redis", func(c *config.Config) {
			c.Manager.Backend = config.BackendRedis
			c.Manager.RedisURL = "redis://" + mr.Addr()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr.FlushAll()
			cfg := testConfig()
			tt.apply(&cfg)
			addr := start(t, cfg)

			// State survives across connections of the same token.
			u := increment(t, addr)
			assert.Equal(t, float64(1), u.Delta["demo.counter"]["count"])
			u = increment(t, addr)
			assert.Equal(t, float64(2), u.Delta["demo.counter"]["count"])
		})
	}
}

func TestService_HTTPEndpoints(t *testing.T) {
	addr := start(t, testConfig())
	increment(t, addr)

	for _, path := range []string{"/health", "/ping"} {
		resp, err := http.Get("http://" + addr + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "statesync_events_total")
}

func TestService_InvalidRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.Manager.Backend = config.BackendRedis
	cfg.Manager.RedisURL = "not-a-url"
	schema, err := demo.Schema()
	require.NoError(t, err)

	_, err = New(context.Background(), cfg, schema, WithLogger(logging.Nop()))
	assert.Error(t, err)
}

func TestService_ReloadAppliesLogLevel(t *testing.T) {
	schema, err := demo.Schema()
	require.NoError(t, err)
	logger := logging.Nop()
	svc, err := New(context.Background(), testConfig(), schema, WithLogger(logger))
	require.NoError(t, err)
	defer svc.Close(context.Background())

	cfg := testConfig()
	cfg.Log.Level = "debug"
	svc.applyReload(cfg)
	assert.Equal(t, logging.LevelDebug, logger.Level())
}

func TestService_LogExportFile(t *testing.T) {
	schema, err := demo.Schema()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Log.ExportFile = filepath.Join(t.TempDir(), "logs", "statesync.jsonl")

	svc, err := New(context.Background(), cfg, schema)
	require.NoError(t, err)
	require.NoError(t, svc.Close(context.Background()))

	data, err := os.ReadFile(cfg.Log.ExportFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"using in-memory state manager"`)
	assert.Contains(t, string(data), `"backend":"memory"`)
}
