package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/wfgen/wfgen"
	"github.com/wfgen/wfgen/internal/command"
	"github.com/wfgen/wfgen/internal/config"
	"github.com/wfgen/wfgen/internal/rpc"
)

type clientFlags struct {
	configPath string
	servers    []string
	timeout    time.Duration
	catalog    catalogFlags
}

func (f *clientFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "YAML file listing servers (overrides $WFGEN_CLIENT_CONFIG)")
	fs.StringSliceVar(&f.servers, "servers", nil, "Servers as host[:port] or ssh://host[:port] (overrides $WFGEN_SERVERS)")
	fs.DurationVar(&f.timeout, "timeout", wfgen.DefaultClientTimeout, "Per-server reply timeout")
	f.catalog.register(fs)
}

func (f *clientFlags) endpoints() ([]rpc.Endpoint, error) {
	if path := firstNonEmpty(f.configPath, config.String(config.EnvClientConfig, "")); path != "" {
		return wfgen.LoadEndpoints(path)
	}
	servers := f.servers
	if len(servers) == 0 {
		servers = config.List(config.EnvServers, nil)
	}
	return parseEndpoints(servers)
}

// connect builds a client and checks every server answers.
func (f *clientFlags) connect(ctx context.Context, changed bool, log zerolog.Logger) (*wfgen.Client, error) {
	eps, err := f.endpoints()
	if err != nil {
		return nil, err
	}
	cat, err := f.catalog.load()
	if err != nil {
		return nil, err
	}
	timeout := f.timeout
	if !changed {
		timeout = config.Duration(config.EnvClientTimeout, f.timeout)
	}
	c, err := wfgen.NewClient(wfgen.ClientConfig{Servers: eps, Timeout: timeout, Catalog: cat, Logger: log})
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func newClientCmd(log *zerolog.Logger) *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Send one request to every configured server",
	}
	flags.register(cmd.PersistentFlags())

	// run wraps a verb: connect, call, print, close.
	run := func(fn func(ctx context.Context, c *wfgen.Client, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := flags.connect(ctx, cmd.Flags().Changed("timeout"), *log)
			if err != nil {
				return err
			}
			defer c.Close()
			return fn(ctx, c, args)
		}
	}
	simple := func(use, short string, call func(*wfgen.Client, context.Context) rpc.FanOutResult) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, c *wfgen.Client, _ []string) error {
				return printFanOut(call(c, ctx))
			}),
		}
	}

	cmd.AddCommand(
		simple("help", "List the verbs servers understand", (*wfgen.Client).Help),
		simple("ping", "Check every server answers", (*wfgen.Client).Ping),
		simple("get-active", "List running jobs", (*wfgen.Client).GetActive),
		simple("get-finished", "List finished jobs", (*wfgen.Client).GetFinished),
		simple("shutdown", "Stop every job and the servers", (*wfgen.Client).Shutdown),
		&cobra.Command{
			Use:   "get-radios",
			Short: "Discover radios and print their global indices",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, c *wfgen.Client, _ []string) error {
				inv, err := c.GetRadios(ctx)
				if err != nil {
					return err
				}
				fmt.Print(inv.String())
				return nil
			}),
		},
		&cobra.Command{
			Use:   "kill PID...",
			Short: "Stop jobs by pid",
			Args:  cobra.MinimumNArgs(1),
			RunE: run(func(ctx context.Context, c *wfgen.Client, args []string) error {
				pids := make([]int, 0, len(args))
				for _, arg := range args {
					pid, err := strconv.Atoi(arg)
					if err != nil {
						return errors.Errorf("invalid pid %q", arg)
					}
					pids = append(pids, pid)
				}
				return printFanOut(c.Kill(ctx, pids...))
			}),
		},
		newStartRadioCmd(run),
		&cobra.Command{
			Use:   "run-random REQUEST.yaml",
			Short: "Start a random run; '-' reads the request from stdin",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(ctx context.Context, c *wfgen.Client, args []string) error {
				req, err := readRandomRequest(args[0])
				if err != nil {
					return err
				}
				if _, err := c.GetRadios(ctx); err != nil {
					return err
				}
				res, err := c.RunRandom(ctx, req)
				if err != nil {
					return err
				}
				return printFanOut(res)
			}),
		},
		newRunScriptCmd(run),
		&cobra.Command{
			Use:   "get-truth [OUTFILE]",
			Short: "Collect and merge every server's truth report",
			Args:  cobra.MaximumNArgs(1),
			RunE: run(func(ctx context.Context, c *wfgen.Client, args []string) error {
				var out string
				if len(args) == 1 {
					out = args[0]
				}
				path, err := c.CollectTruth(ctx, out)
				if err != nil {
					return err
				}
				if path == "" {
					fmt.Println("no truth reported")
					return nil
				}
				fmt.Println(path)
				return nil
			}),
		},
	)
	return cmd
}

type verbRunner = func(fn func(ctx context.Context, c *wfgen.Client, args []string) error) func(*cobra.Command, []string) error

func newStartRadioCmd(run verbRunner) *cobra.Command {
	var flagQuiet bool
	cmd := &cobra.Command{
		Use:   "start-radio INDEX MODE PROFILE [KEY VALUE]...",
		Short: "Start one generator on the radio with the given global index",
		Long: `Modes are static, hopper, bursty and replay. Any other mode is run as an
executable with -a <radio args> followed by the KEY VALUE pairs.`,
		Args: cobra.MinimumNArgs(3),
		RunE: run(func(ctx context.Context, c *wfgen.Client, args []string) error {
			idx, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.Errorf("invalid radio index %q", args[0])
			}
			rest := args[3:]
			if len(rest)%2 != 0 {
				return errors.New("parameters must come in KEY VALUE pairs")
			}
			params := make([]command.Param, 0, len(rest)/2)
			for i := 0; i < len(rest); i += 2 {
				params = append(params, command.Param{Key: rest[i], Value: rest[i+1]})
			}
			if _, err := c.GetRadios(ctx); err != nil {
				return err
			}
			reply, err := c.StartRadio(ctx, idx, args[1], args[2], params, flagQuiet)
			if err != nil {
				return err
			}
			fmt.Println(strings.Join(reply, " "))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&flagQuiet, "quiet", false, "Discard the generator's output on the server")
	return cmd
}

func newRunScriptCmd(run verbRunner) *cobra.Command {
	var flagSeed []uint
	cmd := &cobra.Command{
		Use:   "run-script PATH",
		Short: "Replay a truth trace or run a declarative main.json",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *wfgen.Client, args []string) error {
			var seed []uint64
			for _, s := range flagSeed {
				seed = append(seed, uint64(s))
			}
			if _, err := c.GetRadios(ctx); err != nil {
				return err
			}
			res, err := c.RunScript(ctx, args[0], seed)
			if err != nil {
				return err
			}
			return printFanOut(res)
		}),
	}
	cmd.Flags().UintSliceVar(&flagSeed, "seed", nil, "Seed words for a reproducible schedule (random when empty)")
	return cmd
}

func printFanOut(res rpc.FanOutResult) error {
	fmt.Println(wfgen.FormatReplies(res))
	if res.Status == rpc.StatusNone {
		return errors.Wrap(rpc.ErrTimeout, "no server answered")
	}
	return nil
}

func readRandomRequest(path string) (map[string]any, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read run_random request")
	}
	req := map[string]any{}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, errors.Wrap(err, "decode run_random request")
	}
	return req, nil
}
