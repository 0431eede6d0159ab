package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-contributors-backend/internal/config"
	"github.com/tbourn/go-contributors-backend/internal/sysutil"
)

// Set by the linker at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Populated by PersistentPreRunE for every subcommand.
var (
	cfg    config.Config
	logger zerolog.Logger
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:           "contributors",
	Short:         "Aggregate GitHub contributors across organizations.",
	Long:          `contributors crawls pull requests, reviews and commits for a set of GitHub organizations and serves a cached, ranked contributor list plus a live per-person ledger.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := loadEnvFiles(envFiles); err != nil {
			return err
		}
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		cfg = c
		logger = sysutil.SetupLogging(cfg.LogLevel, cfg.LogPretty, cmd.Name(), cmd.ErrOrStderr())
		return nil
	},
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files loaded before the environment is read (missing files are skipped)")
	rootCmd.AddCommand(serveCmd, workerCmd, aggregateCmd, jobsCmd, versionCmd)
}

// loadEnvFiles applies dotenv files without overriding variables already
// set in the process environment.
func loadEnvFiles(paths []string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}
