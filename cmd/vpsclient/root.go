package main

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/banshee-data/vpsclient/internal/config"
	"github.com/banshee-data/vpsclient/internal/monitoring"
)

// defaultDBPath is where localization history is kept.
const defaultDBPath = "vpsclient.db"

var logger = monitoring.NewLogger("vpsclient")

type globalOptions struct {
	configPath string
	dbPath     string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "vpsclient",
		Short: "Visual positioning localization client",
		Long: `vpsclient localizes an AR session against a visual positioning service.

It replays a recorded session (camera frames, tracker poses, tracking state
and GPS fixes) through the localization orchestrator, records every attempt
in a local SQLite history and serves a debug surface on localhost.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// VPS_TOKEN may come from a .env file
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultConfigPath, "Path to a .json, .yaml or .yml configuration file")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", defaultDBPath, "Path to the localization history database")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))

	return cmd
}

// loadConfig reads the configured file. A missing file at the default path
// falls back to the built-in defaults; an explicit path must exist.
func (o *globalOptions) loadConfig(explicit bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		logger.Printf("no config at %s, using defaults", o.configPath)
		return config.DefaultConfig(), nil
	}
	return nil, err
}
