package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Studio/internal/config"
)

// state is filled by the root pre-run and shared by every subcommand.
type state struct {
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	st := &state{}
	var level string

	root := &cobra.Command{
		Use:           "studio",
		Short:         "Studio signaling server and recording tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Initialize zerolog global logger early so config.Load can use it.
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			zerolog.SetGlobalLevel(zerolog.InfoLevel)

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if level != "" {
				cfg.LogLevel = level
			}
			lvl, err := zerolog.ParseLevel(cfg.LogLevel)
			switch {
			case err != nil:
				log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, keeping info")
			case lvl != zerolog.NoLevel:
				zerolog.SetGlobalLevel(lvl)
			}
			st.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "", "override log_level from config")

	root.AddCommand(newServeCmd(st), newTokenCmd(st), newRecordCmd(st))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("studio failed")
		os.Exit(1)
	}
}
