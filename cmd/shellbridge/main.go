package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	appName    = "shellbridge"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Isolated-world bridge between a controller and browser pages",
	Long: `Shellbridge attaches to a browser over the remote debugging protocol and
installs an isolated world in every eligible page. Scripts in that world can
send protocol commands, or calls routed to a plugin backend, and get replies
back as promises.

Subcommands:
  - run: keep the bridge attached until interrupted
  - mcp: expose the bridge to MCP clients over stdio
  - targets: print the targets the bridge sees
  - config: write or show the configuration`,
	Version: appVersion,
	// Default behavior: if stdin is not a terminal, run as MCP server
	Run: func(cmd *cobra.Command, args []string) {
		if !isTerminal(os.Stdin) {
			runMCP(cmd, args)
		} else {
			cmd.Help()
		}
	},
}

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func addGlobalFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Config file (default $XDG_CONFIG_HOME/shellbridge/config.kdl)")
	flags.String("endpoint", "", "Debugger HTTP endpoint serving /json/version")
	flags.String("websocket-url", "", "Browser websocket URL; skips discovery")
	flags.String("backend", "", "Plugin backend URL (ws, wss, http or https)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.Bool("launch", false, "Start a local browser instead of connecting to one")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}
