// Package main provides the CLI entry point for switchboard, an HTTP bridge
// that streams coding-agent turns from Anthropic, OpenAI, Claude Code and
// Codex as one event format.
//
// # Basic Usage
//
// Start the server:
//
//	switchboard serve --config switchboard.yaml
//
// Send a prompt to a running server:
//
//	switchboard chat "explain main.go" --provider claude-cli
//
// # Environment Variables
//
//   - SWITCHBOARD_CONFIG: Path to configuration file (default: switchboard.yaml when present)
//   - ANTHROPIC_API_KEY: Anthropic API key, used when no config file is found
//   - OPENAI_API_KEY: OpenAI API key, used when no config file is found
//
// A .env file in the working directory is loaded before anything else.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/observability"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "switchboard.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "switchboard - one event stream for many coding agents",
		Long: `switchboard relays coding-agent turns over HTTP as Server-Sent Events.

Supported providers: Anthropic, OpenAI, Claude Code CLI, Codex CLI
Built-in tools for hosted providers: read, write, edit, bash, grep, glob, open_screen`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the config")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildProvidersCmd(),
		buildConfigCmd(),
		buildUsageCmd(),
	)
	return rootCmd
}

// loadEnvFile loads path into the environment. A missing file is not an
// error; variables already set win.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// resolveConfigPath returns the explicit path, then $SWITCHBOARD_CONFIG, then
// switchboard.yaml when it exists. Empty means built-in defaults.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("SWITCHBOARD_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}

func loadConfig(path string) (*config.Config, error) {
	path = resolveConfigPath(path)
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// setupLogger installs the configured logger as the process default.
func setupLogger(cfg *config.Config, debug bool) *slog.Logger {
	logCfg := cfg.Logging.LogConfig()
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)
	return logger
}
