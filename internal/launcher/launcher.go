// Package launcher starts a local browser with remote debugging enabled and
// stops it, together with its child processes, when the bridge exits.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/shellbridge/internal/logging"
)

var (
	// ErrNoBrowser is returned when no browser binary can be found.
	ErrNoBrowser = errors.New("no browser executable found")
	// ErrExited is returned when the browser exits before it announces its
	// debugger URL.
	ErrExited = errors.New("browser exited before the debugger was ready")
)

// listeningPrefix is the line the browser writes to stderr once the debugger
// accepts connections.
const listeningPrefix = "DevTools listening on "

// Config describes how to start the browser.
type Config struct {
	// Path to the executable. Empty means search the usual names on PATH.
	Path string

	Headless bool
	Port     int // 0 picks a free port

	// UserDataDir holds the profile. Empty means a temporary directory that is
	// removed on Stop.
	UserDataDir string

	Args []string

	StartTimeout    time.Duration
	GracefulTimeout time.Duration
}

// DefaultConfig returns a headless configuration on a random port.
func DefaultConfig() Config {
	return Config{
		Headless:        true,
		StartTimeout:    20 * time.Second,
		GracefulTimeout: 5 * time.Second,
	}
}

// Browser is a running browser process.
type Browser struct {
	cmd    *exec.Cmd
	wsURL  string
	tmpDir string
	cfg    Config
	logger *zap.Logger

	stopOnce sync.Once
	done     chan struct{}
	waitErr  error
}

// Option configures Launch.
type Option func(*Browser)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Browser) {
		b.logger = l
	}
}

// Candidates lists executable names tried when Config.Path is empty.
func Candidates() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
		}
	case "windows":
		return []string{"chrome.exe", "msedge.exe", "chromium.exe"}
	default:
		return []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "microsoft-edge"}
	}
}

// FindExecutable returns the first candidate that exists.
func FindExecutable() (string, error) {
	for _, name := range Candidates() {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrNoBrowser
}

// BuildArgs returns the command line for cfg with the profile in dataDir.
func BuildArgs(cfg Config, dataDir string) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", cfg.Port),
		"--user-data-dir=" + dataDir,
		"--no-first-run",
		"--no-default-browser-check",
	}
	if cfg.Headless {
		args = append(args, "--headless=new")
	}
	return append(args, cfg.Args...)
}

// Launch starts the browser and waits until it announces its debugger
// websocket URL.
func Launch(ctx context.Context, cfg Config, opts ...Option) (*Browser, error) {
	b := &Browser{cfg: cfg, done: make(chan struct{})}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrNop(b.logger)

	path := cfg.Path
	if path == "" {
		found, err := FindExecutable()
		if err != nil {
			return nil, err
		}
		path = found
	}

	dataDir := cfg.UserDataDir
	if dataDir == "" {
		dir, err := os.MkdirTemp("", "shellbridge-profile-")
		if err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
		dataDir = dir
		b.tmpDir = dir
	}

	b.cmd = exec.Command(path, BuildArgs(cfg, dataDir)...)
	b.cmd.Env = os.Environ()
	setProcAttr(b.cmd)

	stderr, err := b.cmd.StderrPipe()
	if err != nil {
		b.cleanup()
		return nil, err
	}
	if err := b.cmd.Start(); err != nil {
		b.cleanup()
		return nil, fmt.Errorf("start browser %s: %w", path, err)
	}
	// Non-fatal: the browser still runs, only its children may outlive Stop
	if err := trackChildren(b.cmd); err != nil {
		b.logger.Debug("child tracking unavailable", zap.Error(err))
	}

	found := make(chan string, 1)
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		b.scan(stderr, found)
	}()
	go b.wait(scanned)

	timeout := cfg.StartTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().StartTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case url := <-found:
		b.wsURL = url
		b.logger.Info("browser started",
			zap.String("path", path),
			zap.Int("pid", b.cmd.Process.Pid),
			zap.String("websocket_url", url))
		return b, nil
	case <-b.done:
		b.cleanup()
		return nil, fmt.Errorf("%w: %v", ErrExited, b.waitErr)
	case <-timer.C:
		b.Stop(context.Background())
		return nil, fmt.Errorf("browser did not report a debugger URL within %s", timeout)
	case <-ctx.Done():
		b.Stop(context.Background())
		return nil, ctx.Err()
	}
}

// scan forwards stderr to the debug log and reports the debugger URL.
func (b *Browser) scan(r io.Reader, found chan<- string) {
	sc := bufio.NewScanner(r)
	reported := false
	for sc.Scan() {
		line := sc.Text()
		if !reported {
			if i := strings.Index(line, listeningPrefix); i >= 0 {
				found <- strings.TrimSpace(line[i+len(listeningPrefix):])
				reported = true
				continue
			}
		}
		b.logger.Debug("browser", zap.String("stderr", line))
	}
}

// wait reaps the process once stderr has been drained.
func (b *Browser) wait(scanned <-chan struct{}) {
	<-scanned
	b.waitErr = b.cmd.Wait()
	releaseChildren(b.cmd)
	close(b.done)
}

// WebSocketURL returns the browser-level debugger URL.
func (b *Browser) WebSocketURL() string {
	return b.wsURL
}

// PID returns the browser process id.
func (b *Browser) PID() int {
	return b.cmd.Process.Pid
}

// Done is closed when the browser process exits.
func (b *Browser) Done() <-chan struct{} {
	return b.done
}

// Stop asks the browser to exit, kills its process group after the graceful
// timeout or when ctx ends, and removes a temporary profile.
func (b *Browser) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		err = b.stop(ctx)
		b.cleanup()
	})
	return err
}

func (b *Browser) stop(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	default:
	}

	_ = terminate(b.cmd.Process.Pid)

	graceful := b.cfg.GracefulTimeout
	if graceful <= 0 {
		graceful = DefaultConfig().GracefulTimeout
	}
	timer := time.NewTimer(graceful)
	defer timer.Stop()

	select {
	case <-b.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := kill(b.cmd.Process.Pid); err != nil {
		return fmt.Errorf("kill browser %d: %w", b.cmd.Process.Pid, err)
	}
	select {
	case <-b.done:
	case <-time.After(time.Second):
		b.logger.Warn("browser did not exit after kill", zap.Int("pid", b.cmd.Process.Pid))
	}
	return nil
}

func (b *Browser) cleanup() {
	if b.tmpDir == "" {
		return
	}
	// The profile can still be locked for a moment after exit
	for i := 0; i < 5; i++ {
		if err := os.RemoveAll(b.tmpDir); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	b.logger.Warn("could not remove profile dir", zap.String("dir", b.tmpDir))
}
