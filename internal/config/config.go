// Package config loads shellbridge settings from a KDL file, the environment
// and command-line flags, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/standardbeagle/shellbridge/internal/host"
	"github.com/standardbeagle/shellbridge/internal/launcher"
	"github.com/standardbeagle/shellbridge/internal/logging"
	"github.com/standardbeagle/shellbridge/internal/target"
	"github.com/standardbeagle/shellbridge/internal/world"
)

// Config holds the complete bridge configuration.
type Config struct {
	// Debugger locates the browser's remote-debugging endpoint.
	Debugger DebuggerConfig `json:"debugger" envconfig:"debugger"`

	// World names the isolated world and its calling convention.
	World WorldConfig `json:"world" envconfig:"world"`

	// Filter decides which targets are bridged.
	Filter FilterConfig `json:"filter" envconfig:"filter"`

	// Timeouts bound control-channel work.
	Timeouts TimeoutConfig `json:"timeouts" envconfig:"timeouts"`

	// Backend is the plugin call channel.
	Backend BackendConfig `json:"backend" envconfig:"backend"`

	// Launch starts a local browser instead of connecting to a running one.
	Launch LaunchConfig `json:"launch" envconfig:"launch"`

	Log     LogConfig     `json:"log" envconfig:"log"`
	Metrics MetricsConfig `json:"metrics" envconfig:"metrics"`
}

// DebuggerConfig locates the debugger. WebSocketURL wins over Endpoint.
type DebuggerConfig struct {
	// Endpoint is the HTTP host:port serving /json/version.
	Endpoint string `json:"endpoint" envconfig:"endpoint"`
	// WebSocketURL is the browser-level websocket, skipping discovery.
	WebSocketURL string `json:"websocket_url" envconfig:"websocket_url"`
}

// WorldConfig names the isolated world.
type WorldConfig struct {
	Name        string `json:"name" envconfig:"name"`
	BindingName string `json:"binding" envconfig:"binding"`
	GlobalName  string `json:"global" envconfig:"global"`
}

// FilterConfig is the eligibility policy.
type FilterConfig struct {
	Types             []string `json:"types" envconfig:"types"`
	Schemes           []string `json:"schemes" envconfig:"schemes"`
	Deny              []string `json:"deny" envconfig:"deny"`
	ControllerOrigins []string `json:"controller_origins" envconfig:"controller_origins"`
}

// TimeoutConfig bounds requests and attach sequences.
type TimeoutConfig struct {
	Request time.Duration `json:"request" envconfig:"request"`
	Attach  time.Duration `json:"attach" envconfig:"attach"`
	Write   time.Duration `json:"write" envconfig:"write"`
}

// BackendConfig configures the plugin-to-backend channel. An empty URL
// disables it.
type BackendConfig struct {
	// URL is a ws:// or wss:// endpoint for the multiplexed channel, or an
	// http(s):// endpoint for one POST per call.
	URL         string `json:"url" envconfig:"url"`
	AuthHeader  string `json:"auth_header" envconfig:"auth_header"`
	AuthToken   string `json:"-" envconfig:"auth_token"`
	RoutePrefix string `json:"route_prefix" envconfig:"route_prefix"`
	Base64      bool   `json:"base64" envconfig:"base64"`
}

// LaunchConfig starts a browser owned by the bridge. When Enabled, the
// debugger settings are ignored.
type LaunchConfig struct {
	Enabled     bool     `json:"enabled" envconfig:"enabled"`
	Path        string   `json:"path" envconfig:"path"`
	Headless    bool     `json:"headless" envconfig:"headless"`
	Port        int      `json:"port" envconfig:"port"`
	UserDataDir string   `json:"user_data_dir" envconfig:"user_data_dir"`
	Args        []string `json:"args" envconfig:"args"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `json:"level" envconfig:"level"`
	Development bool   `json:"development" envconfig:"development"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `json:"listen" envconfig:"listen"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	filter := target.DefaultFilter()
	w := world.DefaultConfig()
	h := host.DefaultConfig()
	launch := launcher.DefaultConfig()

	return &Config{
		Debugger: DebuggerConfig{
			Endpoint: "127.0.0.1:9222",
		},
		World: WorldConfig{
			Name:        w.WorldName,
			BindingName: w.BindingName,
			GlobalName:  w.GlobalName,
		},
		Filter: FilterConfig{
			Types:   filter.Types,
			Schemes: filter.Schemes,
			Deny:    filter.Deny,
		},
		Timeouts: TimeoutConfig{
			Request: h.RequestTimeout,
			Attach:  w.AttachTimeout,
			Write:   10 * time.Second,
		},
		Backend: BackendConfig{
			RoutePrefix: h.BackendPrefix,
			Base64:      true,
		},
		Launch: LaunchConfig{
			Headless: launch.Headless,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for values no component can use.
func (c *Config) Validate() error {
	var errs []error
	if !c.Launch.Enabled && c.Debugger.Endpoint == "" && c.Debugger.WebSocketURL == "" {
		errs = append(errs, errors.New("debugger: endpoint or websocket-url is required"))
	}
	if u := c.Debugger.WebSocketURL; u != "" && !hasScheme(u, "ws", "wss") {
		errs = append(errs, fmt.Errorf("debugger: websocket-url %q must be ws:// or wss://", u))
	}
	if c.World.Name == "" || c.World.BindingName == "" || c.World.GlobalName == "" {
		errs = append(errs, errors.New("world: name, binding and global must be set"))
	}
	if c.Timeouts.Request < 0 || c.Timeouts.Attach < 0 || c.Timeouts.Write < 0 {
		errs = append(errs, errors.New("timeouts: must not be negative"))
	}
	if u := c.Backend.URL; u != "" && !hasScheme(u, "ws", "wss", "http", "https") {
		errs = append(errs, fmt.Errorf("backend: url %q must be ws, wss, http or https", u))
	}
	if p := c.Launch.Port; p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("launch: port %d out of range", p))
	}
	if c.Log.Level != "" {
		if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
			errs = append(errs, fmt.Errorf("log: %w", err))
		}
	}
	return errors.Join(errs...)
}

// BackendIsWebSocket reports whether the backend URL selects the websocket
// channel.
func (c *Config) BackendIsWebSocket() bool {
	return hasScheme(c.Backend.URL, "ws", "wss")
}

// HostConfig converts the settings into the host's configuration.
func (c *Config) HostConfig() host.Config {
	h := host.DefaultConfig()
	h.Filter = target.Filter{
		Types:             c.Filter.Types,
		Schemes:           c.Filter.Schemes,
		Deny:              c.Filter.Deny,
		ControllerOrigins: c.Filter.ControllerOrigins,
	}
	h.World = world.Config{
		WorldName:     c.World.Name,
		BindingName:   c.World.BindingName,
		GlobalName:    c.World.GlobalName,
		AttachTimeout: c.Timeouts.Attach,
	}
	h.RequestTimeout = c.Timeouts.Request
	h.BackendPrefix = c.Backend.RoutePrefix
	return h
}

// LauncherConfig converts the launch settings. Request bounds how long the
// browser may take to announce its debugger.
func (c *Config) LauncherConfig() launcher.Config {
	l := launcher.DefaultConfig()
	l.Path = c.Launch.Path
	l.Headless = c.Launch.Headless
	l.Port = c.Launch.Port
	l.UserDataDir = c.Launch.UserDataDir
	l.Args = c.Launch.Args
	if c.Timeouts.Request > 0 {
		l.StartTimeout = c.Timeouts.Request
	}
	return l
}

// LoggingConfig converts the settings into a logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if c.Log.Development {
		cfg = logging.DevelopmentConfig()
	}
	if c.Log.Level != "" {
		cfg.Level = c.Log.Level
	}
	return cfg
}

func hasScheme(raw string, schemes ...string) bool {
	i := strings.Index(raw, "://")
	if i <= 0 {
		return false
	}
	scheme := strings.ToLower(raw[:i])
	for _, s := range schemes {
		if scheme == s {
			return true
		}
	}
	return false
}
