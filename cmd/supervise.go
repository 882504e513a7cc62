package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wfgen/wfgen/internal/orchestrator"
)

func newSuperviseCmd(log *zerolog.Logger) *cobra.Command {
	var (
		flagPlan  string
		flagGrace time.Duration
		flagQuiet bool
		catalog   catalogFlags
	)

	cmd := &cobra.Command{
		Use:    "supervise",
		Short:  "Run a random or scripted plan written by the server",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := *log
			if flagPlan == "" {
				return errors.New("--plan is required")
			}
			plan, err := orchestrator.ReadPlan(flagPlan)
			if err != nil {
				return err
			}
			cat, err := catalog.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info().
				Str("run", plan.RunID).
				Str("kind", plan.Kind).
				Strs("radios", plan.Radios).
				Int("start_instance", plan.StartInstance).
				Int("instance_limit", plan.InstanceLimit).
				Msg("supervisor starting")
			err = orchestrator.Run(ctx, plan, orchestrator.Env{
				Catalog:  cat,
				Launcher: orchestrator.ExecLauncher{Quiet: flagQuiet},
				Logger:   logger,
				Grace:    flagGrace,
			})
			logger.Info().Str("run", plan.RunID).Err(err).Msg("supervisor finished")
			return err
		},
	}

	cmd.Flags().StringVar(&flagPlan, "plan", "", "Plan file to run")
	cmd.Flags().DurationVar(&flagGrace, "grace", orchestrator.DefaultGrace, "Time a generator gets to exit after SIGINT")
	cmd.Flags().BoolVar(&flagQuiet, "quiet", false, "Discard generator output")
	catalog.register(cmd.Flags())

	return cmd
}
