package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// GlobalConfigFile is the config file name under $XDG_CONFIG_HOME/shellbridge.
const GlobalConfigFile = "config.kdl"

// KDLConfig represents the KDL configuration structure.
// Uses kdl struct tags for unmarshaling.
type KDLConfig struct {
	Version  string       `kdl:"version"`
	Debugger *KDLDebugger `kdl:"debugger"`
	World    *KDLWorld    `kdl:"world"`
	Filter   *KDLFilter   `kdl:"filter"`
	Timeouts *KDLTimeouts `kdl:"timeouts"`
	Backend  *KDLBackend  `kdl:"backend"`
	Launch   *KDLLaunch   `kdl:"launch"`
	Log      *KDLLog      `kdl:"log"`
	Metrics  *KDLMetrics  `kdl:"metrics"`
}

// KDLDebugger locates the debugger endpoint.
type KDLDebugger struct {
	Endpoint     string `kdl:"endpoint"`
	WebSocketURL string `kdl:"websocket-url"`
}

// KDLWorld names the isolated world.
type KDLWorld struct {
	Name    string `kdl:"name"`
	Binding string `kdl:"binding"`
	Global  string `kdl:"global"`
}

// KDLFilter holds the eligibility lists. A list that is present replaces the
// default list.
type KDLFilter struct {
	Types             []string `kdl:"types"`
	Schemes           []string `kdl:"schemes"`
	Deny              []string `kdl:"deny"`
	ControllerOrigins []string `kdl:"controller-origins"`
}

// KDLTimeouts holds timeouts in seconds.
type KDLTimeouts struct {
	Request int `kdl:"request"`
	Attach  int `kdl:"attach"`
	Write   int `kdl:"write"`
}

// KDLBackend configures the plugin call channel.
type KDLBackend struct {
	URL         string `kdl:"url"`
	AuthHeader  string `kdl:"auth-header"`
	AuthToken   string `kdl:"auth-token"`
	RoutePrefix string `kdl:"route-prefix"`
	Base64      *bool  `kdl:"base64"`
}

// KDLLaunch configures a browser started by the bridge.
type KDLLaunch struct {
	Enabled     *bool    `kdl:"enabled"`
	Path        string   `kdl:"path"`
	Headless    *bool    `kdl:"headless"`
	Port        int      `kdl:"port"`
	UserDataDir string   `kdl:"user-data-dir"`
	Args        []string `kdl:"args"`
}

// KDLLog configures logging.
type KDLLog struct {
	Level       string `kdl:"level"`
	Development *bool  `kdl:"development"`
}

// KDLMetrics configures the metrics endpoint.
type KDLMetrics struct {
	Listen string `kdl:"listen"`
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "shellbridge", GlobalConfigFile)
}

// LoadGlobalConfig loads the global configuration from the default location.
// A missing file yields the defaults.
func LoadGlobalConfig() (*Config, error) {
	configPath := GlobalConfigPath()
	if configPath == "" {
		return DefaultConfig(), nil
	}

	// If file doesn't exist, return defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return LoadConfigFile(configPath)
}

// LoadConfigFile loads configuration from a specific file path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseKDLConfig(string(data))
}

// ParseKDLConfig parses KDL configuration data over the defaults.
func ParseKDLConfig(data string) (*Config, error) {
	var kdlCfg KDLConfig
	if err := kdl.Unmarshal([]byte(data), &kdlCfg); err != nil {
		return nil, err
	}

	return kdlConfigToConfig(&kdlCfg), nil
}

// kdlConfigToConfig converts KDL config to our Config type.
func kdlConfigToConfig(kdlCfg *KDLConfig) *Config {
	cfg := DefaultConfig()

	if d := kdlCfg.Debugger; d != nil {
		setString(&cfg.Debugger.Endpoint, d.Endpoint)
		setString(&cfg.Debugger.WebSocketURL, d.WebSocketURL)
	}

	if w := kdlCfg.World; w != nil {
		setString(&cfg.World.Name, w.Name)
		setString(&cfg.World.BindingName, w.Binding)
		setString(&cfg.World.GlobalName, w.Global)
	}

	if f := kdlCfg.Filter; f != nil {
		if f.Types != nil {
			cfg.Filter.Types = f.Types
		}
		if f.Schemes != nil {
			cfg.Filter.Schemes = f.Schemes
		}
		if f.Deny != nil {
			cfg.Filter.Deny = f.Deny
		}
		if f.ControllerOrigins != nil {
			cfg.Filter.ControllerOrigins = f.ControllerOrigins
		}
	}

	if t := kdlCfg.Timeouts; t != nil {
		setSeconds(&cfg.Timeouts.Request, t.Request)
		setSeconds(&cfg.Timeouts.Attach, t.Attach)
		setSeconds(&cfg.Timeouts.Write, t.Write)
	}

	if b := kdlCfg.Backend; b != nil {
		setString(&cfg.Backend.URL, b.URL)
		setString(&cfg.Backend.AuthHeader, b.AuthHeader)
		setString(&cfg.Backend.AuthToken, b.AuthToken)
		setString(&cfg.Backend.RoutePrefix, b.RoutePrefix)
		if b.Base64 != nil {
			cfg.Backend.Base64 = *b.Base64
		}
	}

	if l := kdlCfg.Launch; l != nil {
		if l.Enabled != nil {
			cfg.Launch.Enabled = *l.Enabled
		}
		setString(&cfg.Launch.Path, l.Path)
		if l.Headless != nil {
			cfg.Launch.Headless = *l.Headless
		}
		if l.Port > 0 {
			cfg.Launch.Port = l.Port
		}
		setString(&cfg.Launch.UserDataDir, l.UserDataDir)
		if l.Args != nil {
			cfg.Launch.Args = l.Args
		}
	}

	if l := kdlCfg.Log; l != nil {
		setString(&cfg.Log.Level, l.Level)
		if l.Development != nil {
			cfg.Log.Development = *l.Development
		}
	}

	if m := kdlCfg.Metrics; m != nil {
		setString(&cfg.Metrics.Listen, m.Listen)
	}

	return cfg
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setSeconds(dst *time.Duration, secs int) {
	if secs > 0 {
		*dst = time.Duration(secs) * time.Second
	}
}

// WriteDefaultConfig writes a default config file with documentation.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// shellbridge configuration
// Environment variables SHELLBRIDGE_<SECTION>_<KEY> override these values.

version "1.0"

debugger {
    // HTTP endpoint serving /json/version
    endpoint "127.0.0.1:9222"
    // Set to skip discovery
    // websocket-url "ws://127.0.0.1:9222/devtools/browser/<id>"
}

world {
    name "shellbridge"
    binding "__shellbridgeBinding"
    global "shellbridge"
}

filter {
    types "page"
    schemes "http" "https"
    deny "chrome://" "chrome-extension://" "devtools://" "chrome-untrusted://"
    // Origins of the controller's own UI; their pages and popups are skipped
    // controller-origins "http://127.0.0.1:9000"
}

timeouts {
    // Seconds
    request 30
    attach 15
    write 10
}

backend {
    // ws:// for the multiplexed channel, http:// for one POST per call
    // url "ws://127.0.0.1:7000/plugins"
    // auth-token "..."
    route-prefix "backend."
    base64 true
}

launch {
    // Start a browser instead of connecting to one
    enabled false
    headless true
    // path "/usr/bin/chromium"
    // port 9222
    // args "--window-size=1280,800"
}

log {
    level "info"
    development false
}

metrics {
    // listen "127.0.0.1:9464"
}
`
	// Create directory if needed
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(strings.TrimSpace(defaultKDL)+"\n"), 0644)
}
