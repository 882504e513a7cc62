package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wfgen/wfgen/internal/config"
	"github.com/wfgen/wfgen/internal/env"
	"github.com/wfgen/wfgen/internal/logging"
)

// newRootCmd wires every subcommand to log. The root's pre-run replaces
// *log with the configured logger before any subcommand runs.
func newRootCmd(log *zerolog.Logger) *cobra.Command {
	var (
		flagLogFile  string
		flagLogLevel string
	)
	cmd := &cobra.Command{
		Use:   "wfgen",
		Short: "Control plane for the RF waveform testbed",
		Long: `wfgen runs the per-host radio server, the multi-host client, and the
supervisor processes that drive random and scripted waveform runs. Every
flag can also be set through its WFGEN_* environment variable or a .env file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logging.New(logging.Options{
				Level:     firstNonEmpty(flagLogLevel, config.String(config.EnvLogLevel, "")),
				File:      firstNonEmpty(flagLogFile, config.String(config.EnvLogFile, "")),
				Component: cmd.Name(),
			})
			if err != nil {
				return err
			}
			*log = l
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "Also write JSON logs to this rotated file (overrides $WFGEN_LOG_FILE)")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides $WFGEN_LOG_LEVEL)")
	cmd.AddCommand(
		newServerCmd(log),
		newClientCmd(log),
		newSuperviseCmd(log),
		newConsolidateCmd(log),
	)
	return cmd
}

func main() {
	_ = env.Ensure()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := newRootCmd(&log).Execute(); err != nil {
		log.Fatal().Err(err).Msg("wfgen command failed")
	}
}
