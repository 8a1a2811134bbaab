// Package cmd wires the CLI: a serve command that runs the engine, and
// client commands that talk to a running instance over HTTP.
package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chunkflow/chunkflow/config"
)

var (
	cfgPath string
	cfg     config.Config
	apiAddr string
)

var rootCmd = &cobra.Command{
	Use:   "chunkflow",
	Short: "Job orchestration engine with chunked streaming and progressive processing",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)
		return nil
	},
}

func setupLogging(lc config.LogConfig) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if lc.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func Execute() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://localhost:8080", "address of a running chunkflow server")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(dlqCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}
