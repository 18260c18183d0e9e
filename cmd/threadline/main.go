// Package main is the entry point for threadline.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fatal(err.Error())
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "threadline",
		Short:         "Route and run human-gated automation workflows",
		Version:       fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $THREADLINE_CONFIG or threadline.yaml next to the exe)")

	resolve := func() string { return resolveConfig(configPath) }
	root.AddCommand(
		serveCmd(resolve),
		validateCmd(resolve),
		submitCmd(resolve),
		respondCmd(resolve),
		resumeCmd(resolve),
		stateCmd(resolve),
		eventsCmd(resolve),
		threadsCmd(resolve),
	)
	return root
}

// resolveConfig picks the config path: --config flag > THREADLINE_CONFIG env >
// auto-discover. An empty result runs on environment and defaults only.
func resolveConfig(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("THREADLINE_CONFIG"); p != "" {
		return p
	}
	return discoverConfig()
}

// discoverConfig looks for a config file next to the executable, then in the cwd.
func discoverConfig() string {
	names := []string{"threadline.yaml", "threadline.yml", "threadline.json"}
	if exe, err := os.Executable(); err == nil {
		for _, n := range names {
			candidate := filepath.Join(filepath.Dir(exe), n)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	for _, n := range names {
		if _, err := os.Stat(n); err == nil {
			return n
		}
	}
	return ""
}

// fatal prints an error and, on Windows, waits for a keypress so the user can
// read the message when the exe is launched by double-click.
func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	if runtime.GOOS == "windows" && len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "\nPress Enter to exit...")
		bufio.NewReader(os.Stdin).ReadBytes('\n')
	}
	os.Exit(1)
}
