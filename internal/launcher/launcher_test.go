//go:build !windows

package launcher

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const announce = `echo "DevTools listening on ws://127.0.0.1:9/devtools/browser/abc" >&2`

// scriptBrowser writes an executable shell script that stands in for the
// browser. The launcher's flags arrive as "$@".
func scriptBrowser(t *testing.T, body string) Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "browser.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))

	cfg := DefaultConfig()
	cfg.Path = path
	cfg.StartTimeout = 5 * time.Second
	cfg.GracefulTimeout = 500 * time.Millisecond
	return cfg
}

func TestBuildArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 9333
	cfg.Args = []string{"--window-size=800,600"}

	args := BuildArgs(cfg, "/tmp/profile")
	assert.Equal(t, []string{
		"--remote-debugging-port=9333",
		"--user-data-dir=/tmp/profile",
		"--no-first-run",
		"--no-default-browser-check",
		"--headless=new",
		"--window-size=800,600",
	}, args)

	cfg.Headless = false
	assert.NotContains(t, BuildArgs(cfg, "/p"), "--headless=new")
}

func TestFindExecutable_NoneOnPath(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("candidates are absolute paths on darwin")
	}
	t.Setenv("PATH", t.TempDir())
	_, err := FindExecutable()
	assert.ErrorIs(t, err, ErrNoBrowser)
}

func TestLaunch_ReportsURLAndStops(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	cfg := scriptBrowser(t, `printf '%s\n' "$@" > `+argsFile+`
`+announce+`
exec sleep 30`)

	b, err := Launch(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9/devtools/browser/abc", b.WebSocketURL())
	assert.Positive(t, b.PID())

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Contains(t, args, "--remote-debugging-port=0")
	assert.Contains(t, args, "--headless=new")

	var profile string
	for _, a := range args {
		if strings.HasPrefix(a, "--user-data-dir=") {
			profile = strings.TrimPrefix(a, "--user-data-dir=")
		}
	}
	require.NotEmpty(t, profile)
	assert.DirExists(t, profile)

	require.NoError(t, b.Stop(context.Background()))
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("browser still running after Stop")
	}
	assert.NoDirExists(t, profile)

	// Stop is idempotent
	assert.NoError(t, b.Stop(context.Background()))
}

func TestLaunch_KeepsUserDataDir(t *testing.T) {
	cfg := scriptBrowser(t, announce+"\nexec sleep 30")
	cfg.UserDataDir = t.TempDir()

	b, err := Launch(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, b.Stop(context.Background()))
	assert.DirExists(t, cfg.UserDataDir)
}

func TestLaunch_ExitsEarly(t *testing.T) {
	cfg := scriptBrowser(t, "echo boom >&2\nexit 3")

	_, err := Launch(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrExited)
}

func TestLaunch_Timeout(t *testing.T) {
	cfg := scriptBrowser(t, "exec sleep 30")
	cfg.StartTimeout = 200 * time.Millisecond

	start := time.Now()
	_, err := Launch(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not report a debugger URL")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestLaunch_ContextCancelled(t *testing.T) {
	cfg := scriptBrowser(t, "exec sleep 30")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Launch(ctx, cfg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStop_KillsAfterGracefulTimeout(t *testing.T) {
	cfg := scriptBrowser(t, "trap '' TERM\n"+announce+"\nwhile true; do sleep 0.1; done")
	cfg.GracefulTimeout = 200 * time.Millisecond

	b, err := Launch(context.Background(), cfg)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, b.Stop(context.Background()))
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("browser survived kill")
	}
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}
