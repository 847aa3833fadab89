package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/shellbridge/internal/config"
	"github.com/standardbeagle/shellbridge/internal/target"
)

func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	addGlobalFlags(cmd.Flags())
	return cmd
}

func TestApplyFlags(t *testing.T) {
	cmd := newFlagCommand()
	require.NoError(t, cmd.Flags().Set("websocket-url", "ws://127.0.0.1:9222/devtools/browser/abc"))
	require.NoError(t, cmd.Flags().Set("log-level", "debug"))

	cfg := config.DefaultConfig()
	require.NoError(t, applyFlags(cmd, cfg))
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", cfg.Debugger.WebSocketURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9222", cfg.Debugger.Endpoint)
}

func TestApplyFlags_Launch(t *testing.T) {
	cmd := newFlagCommand()
	require.NoError(t, cmd.Flags().Set("launch", "true"))

	cfg := config.DefaultConfig()
	cfg.Debugger.Endpoint = ""
	require.NoError(t, applyFlags(cmd, cfg))
	assert.True(t, cfg.Launch.Enabled)
}

func TestApplyFlags_Unchanged(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend.URL = "http://127.0.0.1:7000/call"
	require.NoError(t, applyFlags(newFlagCommand(), cfg))
	assert.Equal(t, "http://127.0.0.1:7000/call", cfg.Backend.URL)
}

func TestApplyFlags_Invalid(t *testing.T) {
	cmd := newFlagCommand()
	require.NoError(t, cmd.Flags().Set("backend", "ftp://nope"))

	err := applyFlags(cmd, config.DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend")
}

func TestPrintTargets(t *testing.T) {
	var buf bytes.Buffer
	err := printTargets(&buf, []target.Snapshot{
		{
			Info:     target.Info{TargetID: "T1", Type: "page", URL: "https://a.test/"},
			State:    "attached",
			Eligible: true,
			Attached: &target.AttachedTarget{TargetID: "T1", SessionID: "S1"},
		},
		{
			Info:  target.Info{TargetID: "T2", Type: "service_worker", URL: "https://a.test/sw.js"},
			State: "discovered",
		},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "S1")
	assert.Contains(t, lines[2], "ineligible")
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.kdl")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "init", path})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), path)
	_, err := os.Stat(path)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{"config", "init", path})
	require.Error(t, rootCmd.Execute())

	out.Reset()
	rootCmd.SetArgs([]string{"config", "show", "--config", path})
	require.NoError(t, rootCmd.Execute())

	var shown config.Config
	require.NoError(t, json.Unmarshal(out.Bytes(), &shown))
	assert.Equal(t, "shellbridge", shown.World.Name)
	assert.Equal(t, []string{"page"}, shown.Filter.Types)
}
