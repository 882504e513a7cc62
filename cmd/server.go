package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/wfgen/wfgen"
	"github.com/wfgen/wfgen/internal/config"
	"github.com/wfgen/wfgen/internal/fleet"
	"github.com/wfgen/wfgen/internal/metrics"
	"github.com/wfgen/wfgen/internal/rpc"
	"github.com/wfgen/wfgen/internal/storage"
)

func newServerCmd(log *zerolog.Logger) *cobra.Command {
	var (
		flagAddr        string
		flagPort        int
		flagPoll        time.Duration
		flagReportRoot  string
		flagUHDArgs     []string
		flagJoinGrace   time.Duration
		flagLedger      string
		flagMetricsAddr string
		flagQuiet       bool
		catalog         catalogFlags
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the local radios to wfgen clients",
		Long:  "Discovers the radios attached to this host, then answers client requests until shutdown or SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			logger := *log
			cat, err := catalog.load()
			if err != nil {
				return err
			}
			restrict := flagUHDArgs
			if len(restrict) == 0 {
				restrict = config.List(config.EnvUHDArgs, nil)
			}
			cfg := wfgen.Config{
				Addr:         firstNonEmpty(flagAddr, config.String(config.EnvServerAddr, "")),
				Port:         flagPort,
				PollInterval: flagPoll,
				ReportRoot:   firstNonEmpty(flagReportRoot, config.String(config.EnvReportRoot, "")),
				JoinGrace:    flagJoinGrace,
				Quiet:        flagQuiet,
				MetricsAddr:  firstNonEmpty(flagMetricsAddr, config.String(config.EnvMetricsAddr, "")),
				Catalog:      cat,
				Discoverer:   fleet.UHDDiscoverer{Restrict: restrict, Logger: logger},
				Logger:       logger,
			}
			if !cmd.Flags().Changed("port") {
				cfg.Port = config.Int(config.EnvServerPort, flagPort)
			}
			if !cmd.Flags().Changed("poll-interval") {
				cfg.PollInterval = config.Duration(config.EnvPollInterval, flagPoll)
			}
			if !cmd.Flags().Changed("join-grace") {
				cfg.JoinGrace = config.Duration(config.EnvJoinGrace, flagJoinGrace)
			}
			if cfg.MetricsAddr != "" {
				cfg.Metrics = metrics.New()
			}

			if path := firstNonEmpty(flagLedger, config.String(config.EnvLedgerDB, "")); path != "" {
				ledger, openErr := storage.NewJobLedger(path, logger)
				if openErr != nil {
					return openErr
				}
				defer func() { err = multierr.Append(err, ledger.Close()) }()
				cfg.Recorder = wfgen.NewLedgerRecorder(ledger, rpc.HostID())
			}

			server, err := wfgen.NewServer(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info().
				Str("addr", cfg.Addr).
				Int("port", cfg.Port).
				Strs("uhd_args", restrict).
				Str("truth_dir", server.TruthDir()).
				Msg("starting wfgen server")
			return server.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (overrides $WFGEN_SERVER_ADDR; default all interfaces)")
	cmd.Flags().IntVar(&flagPort, "port", rpc.DefaultPort, "Listen port (overrides $WFGEN_SERVER_PORT)")
	cmd.Flags().DurationVar(&flagPoll, "poll-interval", wfgen.DefaultPollInterval, "How often finished jobs are reaped while idle")
	cmd.Flags().StringVar(&flagReportRoot, "report-root", "", "Directory holding truth folders (overrides $WFGEN_REPORT_ROOT)")
	cmd.Flags().StringSliceVar(&flagUHDArgs, "uhd-args", nil, "Restrict discovery to these uhd_find_devices --args values")
	cmd.Flags().DurationVar(&flagJoinGrace, "join-grace", wfgen.DefaultJoinGrace, "Time a job gets to exit after SIGINT before SIGKILL")
	cmd.Flags().StringVar(&flagLedger, "ledger", "", "SQLite job ledger path (overrides $WFGEN_LEDGER_DB)")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Serve /metrics and /status on this address (overrides $WFGEN_METRICS_ADDR)")
	cmd.Flags().BoolVar(&flagQuiet, "quiet", false, "Discard generator output")
	catalog.register(cmd.Flags())

	return cmd
}
