package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/issue-orchestrator/internal/config"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "issue-orch",
		Short: "Issue Orchestrator - runs commands for board issues",
		Long: `Issue Orchestrator executes shell commands on behalf of board issues.
It keeps one task per issue and one per domain, retries failures that look
fixable, and streams every execution's output live over HTTP.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the file loadConfig reads, so serve can watch it
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if local := config.FindLocalConfig(); local != "" {
		return local
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}
