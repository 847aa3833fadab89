package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWatchControlChannel_LogsAndCancels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	close(done)
	watchControlChannel(ctx, zap.New(core), done, func() error { return errors.New("websocket closed") }, cancel)

	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	entries := logs.FilterMessage("control channel closed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "websocket closed", entries[0].ContextMap()["error"])
}

func TestServeMCP_LogsLifecycle(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := mcp.NewServer(&mcp.Implementation{Name: appName, Version: appVersion}, nil)
	st, ct := mcp.NewInMemoryTransports()

	served := make(chan error, 1)
	go func() { served <- serveMCP(ctx, zap.New(core), server, st) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "test"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	defer cs.Close()

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	start := logs.FilterMessage("starting MCP server").All()
	require.Len(t, start, 1)
	assert.Equal(t, appVersion, start[0].ContextMap()["version"])
	assert.Equal(t, 1, logs.FilterMessage("MCP server shutdown complete").Len())
	assert.Zero(t, logs.FilterMessage("MCP server stopped").Len())
}
