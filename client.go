package wfgen

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/wfgen/wfgen/internal/command"
	"github.com/wfgen/wfgen/internal/fleet"
	"github.com/wfgen/wfgen/internal/profile"
	"github.com/wfgen/wfgen/internal/rpc"
	"github.com/wfgen/wfgen/internal/schedule"
	"github.com/wfgen/wfgen/internal/truth"
)

// ErrNoRadios is returned by calls that address radios before GetRadios
// has discovered any.
var ErrNoRadios = errors.New("get radios first")

// ClientConfig controls Client behavior.
type ClientConfig struct {
	// Servers defaults to this host's outward interface on the default port.
	Servers []rpc.Endpoint
	Timeout time.Duration
	// TunnelWait is how long an SSH tunnel gets to come up.
	TunnelWait time.Duration
	Catalog    *profile.Catalog
	Logger     zerolog.Logger
}

type endpointFile struct {
	Servers []rpc.Endpoint `yaml:"servers"`
}

// LoadEndpoints reads the servers list of a client config file.
func LoadEndpoints(path string) ([]rpc.Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read client config")
	}
	var f endpointFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "decode client config %s", path)
	}
	for i, ep := range f.Servers {
		if strings.TrimSpace(ep.Addr) == "" {
			return nil, errors.Errorf("client config %s: server %d has no addr", path, i)
		}
	}
	return f.Servers, nil
}

// Client drives every configured server at once. Radio indices are global:
// radios are numbered server by server in endpoint order.
type Client struct {
	cfg     ClientConfig
	logger  zerolog.Logger
	conn    *rpc.Client
	tunnels []*rpc.Tunnel
	radios  fleet.Inventory
}

// NewClient fills defaults. Nothing is dialled until a call is made.
func NewClient(cfg ClientConfig) (*Client, error) {
	if len(cfg.Servers) == 0 {
		cfg.Servers = []rpc.Endpoint{{Addr: rpc.OutwardInterface(), Port: rpc.DefaultPort}}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClientTimeout
	}
	if cfg.TunnelWait <= 0 {
		cfg.TunnelWait = 10 * time.Second
	}
	if cfg.Catalog == nil {
		catalog, err := profile.Default()
		if err != nil {
			return nil, errors.Wrap(err, "load default profile catalog")
		}
		cfg.Catalog = catalog
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		conn:   rpc.NewClient(cfg.Servers, rpc.WithTimeout(cfg.Timeout)),
	}, nil
}

// Connect opens SSH tunnels where configured and checks every server
// answers ping.
func (c *Client) Connect(ctx context.Context) error {
	for _, ep := range c.cfg.Servers {
		if !ep.SSH {
			continue
		}
		tunnel, err := rpc.OpenTunnel(ctx, ep, c.cfg.TunnelWait)
		if err != nil {
			return multierr.Append(errors.Wrapf(err, "tunnel to %s", ep.Addr), c.Close())
		}
		c.tunnels = append(c.tunnels, tunnel)
	}
	res := c.Ping(ctx)
	var err error
	for i, reply := range res.Replies {
		if res.Errors[i] != nil {
			err = multierr.Append(err, res.Errors[i])
			continue
		}
		if len(reply) == 0 || reply[0] != ReplyPong {
			err = multierr.Append(err, errors.Errorf("server %d answered %q to ping", i, strings.Join(reply, " ")))
		}
	}
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	c.logger.Info().Int("servers", len(c.cfg.Servers)).Msg("connected")
	return nil
}

// Close tears down SSH tunnels.
func (c *Client) Close() error {
	var err error
	for _, t := range c.tunnels {
		err = multierr.Append(err, t.Close())
	}
	c.tunnels = nil
	return err
}

// Endpoints lists the configured servers.
func (c *Client) Endpoints() []rpc.Endpoint { return c.conn.Endpoints() }

// Radios is the inventory from the last GetRadios.
func (c *Client) Radios() fleet.Inventory { return c.radios }

func (c *Client) Help(ctx context.Context) rpc.FanOutResult {
	return c.conn.FanOut(ctx, command.Encode(command.Help{}))
}

func (c *Client) Ping(ctx context.Context) rpc.FanOutResult {
	return c.conn.FanOut(ctx, command.Encode(command.Ping{}))
}

func (c *Client) GetActive(ctx context.Context) rpc.FanOutResult {
	return c.conn.FanOut(ctx, command.Encode(command.GetActive{}))
}

func (c *Client) GetFinished(ctx context.Context) rpc.FanOutResult {
	return c.conn.FanOut(ctx, command.Encode(command.GetFinished{}))
}

func (c *Client) Shutdown(ctx context.Context) rpc.FanOutResult {
	return c.conn.FanOut(ctx, command.Encode(command.Shutdown{}))
}

// Kill asks every server to stop the given pids; each answers for the ones
// it owns.
func (c *Client) Kill(ctx context.Context, pids ...int) rpc.FanOutResult {
	return c.conn.FanOut(ctx, command.Encode(command.Kill{PIDs: pids}))
}

// GetRadios asks every server for its radios and numbers them globally.
// Servers that do not answer contribute nothing.
func (c *Client) GetRadios(ctx context.Context) (fleet.Inventory, error) {
	res := c.conn.FanOut(ctx, command.Encode(command.GetRadios{}))
	inv := fleet.Inventory{}
	for i, reply := range res.Replies {
		if res.Errors[i] != nil {
			c.logger.Warn().Err(res.Errors[i]).Int("server", i).Msg("get_radios got no answer")
			continue
		}
		text := strings.TrimPrefix(strings.Join(reply, ""), ReplyFound)
		radios, err := fleet.ParseInventory(text, i)
		if err != nil {
			return nil, errors.Wrapf(err, "server %d inventory", i)
		}
		inv = append(inv, radios...)
	}
	if res.Status == rpc.StatusNone {
		return nil, errors.Wrap(rpc.ErrTimeout, "no server answered get_radios")
	}
	c.radios = inv
	return inv, nil
}

// StartRadio starts profile on the radio with global index devIdx.
func (c *Client) StartRadio(ctx context.Context, devIdx int, mode, profileName string, params []command.Param, quiet bool) ([]string, error) {
	if c.radios == nil {
		return nil, ErrNoRadios
	}
	if devIdx < 0 || devIdx >= len(c.radios) {
		return nil, errors.Errorf("device index %d is invalid, valid are in [0, %d)", devIdx, len(c.radios))
	}
	radio := c.radios[devIdx]
	cmd := command.StartRadio{
		Mode:       mode,
		DeviceArgs: radio.Args,
		Profile:    profileName,
		Params:     params,
		Quiet:      quiet,
	}
	if cmd.IsExec() {
		cmd.Exec = []string{mode, "-a", radio.Args}
		for _, p := range params {
			cmd.Exec = append(cmd.Exec, p.Key, p.Value)
		}
	}
	return c.conn.Call(ctx, radio.ServerIndex, command.Encode(cmd))
}

// RunRandom sends a random-run request. Global indices under "radios" are
// translated to each server's own numbering and only servers owning one of
// them are asked; without "radios" every server runs on all its idle
// radios.
func (c *Client) RunRandom(ctx context.Context, req map[string]any) (rpc.FanOutResult, error) {
	if c.radios == nil {
		return rpc.FanOutResult{}, ErrNoRadios
	}
	raw, ok := req["radios"]
	if !ok || raw == nil {
		text, err := yaml.Marshal(req)
		if err != nil {
			return rpc.FanOutResult{}, errors.Wrap(err, "encode run_random request")
		}
		return c.conn.FanOut(ctx, command.Encode(command.RunRandom{YAML: string(text)})), nil
	}
	list, ok := raw.([]any)
	if !ok {
		if ints, isInts := raw.([]int); isInts {
			for _, n := range ints {
				list = append(list, n)
			}
		} else {
			return rpc.FanOutResult{}, errors.Errorf("radios must be a list, got %T", raw)
		}
	}
	local := c.localIndices()
	perServer := map[int][]int{}
	for _, v := range list {
		idx, ok := schedule.ToInt(v)
		if !ok || idx < 0 || idx >= len(c.radios) {
			return rpc.FanOutResult{}, errors.Errorf("invalid radio index %v has been provided", v)
		}
		server := c.radios[idx].ServerIndex
		perServer[server] = append(perServer[server], local[idx])
	}
	payloads := map[int][]string{}
	for server, ids := range perServer {
		sort.Ints(ids)
		scoped := make(map[string]any, len(req))
		for k, v := range req {
			scoped[k] = v
		}
		scoped["radios"] = ids
		text, err := yaml.Marshal(scoped)
		if err != nil {
			return rpc.FanOutResult{}, errors.Wrap(err, "encode run_random request")
		}
		payloads[server] = command.Encode(command.RunRandom{YAML: string(text)})
	}
	return c.callEach(ctx, payloads), nil
}

// localIndices maps each global radio index to its index on its server.
func (c *Client) localIndices() []int {
	out := make([]int, len(c.radios))
	seen := map[int]int{}
	for i, r := range c.radios {
		out[i] = seen[r.ServerIndex]
		seen[r.ServerIndex]++
	}
	return out
}

// callEach sends a different request to some servers. Slots of servers not
// addressed stay nil and do not count towards the status.
func (c *Client) callEach(ctx context.Context, payloads map[int][]string) rpc.FanOutResult {
	n := len(c.cfg.Servers)
	res := rpc.FanOutResult{Replies: make([][]string, n), Errors: make([]error, n)}
	var g errgroup.Group
	for server, parts := range payloads {
		g.Go(func() error {
			reply, err := c.conn.Call(ctx, server, parts)
			if err != nil {
				res.Replies[server] = []string{rpc.TimeoutSentinel}
				res.Errors[server] = err
				return nil
			}
			res.Replies[server] = reply
			return nil
		})
	}
	_ = g.Wait()
	for server := range payloads {
		if res.Errors[server] == nil {
			res.Answered++
		}
	}
	switch {
	case len(payloads) > 0 && res.Answered == len(payloads):
		res.Status = rpc.StatusAll
	case res.Answered > 0:
		res.Status = rpc.StatusSome
	}
	return res
}

// RunScript plans a trace or declarative config onto the known radios and
// sends the schedule to every server; each keeps the radios it owns. A nil
// seed draws a fresh one.
func (c *Client) RunScript(ctx context.Context, path string, seed []uint64) (rpc.FanOutResult, error) {
	if c.radios == nil {
		return rpc.FanOutResult{}, ErrNoRadios
	}
	script, err := LoadScript(path, c.cfg.Catalog)
	if err != nil {
		return rpc.FanOutResult{}, errors.Wrap(err, "invalid script provided")
	}
	var s schedule.Seed
	if seed == nil {
		s = schedule.NewSeed(rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
	} else {
		s = schedule.SeedFromInts(seed)
	}
	c.logger.Info().Uints64("seed", s[:]).Bool("drawn", seed == nil).Msg("seeding scripted run")
	req := script.Request(c.radios.Args(), s, c.cfg.Catalog, c.logger)
	text, err := req.Encode()
	if err != nil {
		return rpc.FanOutResult{}, errors.Wrap(err, "encode run_script request")
	}
	return c.conn.FanOut(ctx, command.Encode(command.RunScript{YAML: text})), nil
}

// CollectTruth fetches every server's consolidated report and merges them
// into outfile, or report_of_truth.json when empty. An existing file is
// never overwritten; the name actually written is returned, or "" when no
// server had truth to report.
func (c *Client) CollectTruth(ctx context.Context, outfile string) (string, error) {
	res := c.conn.FanOut(ctx, command.Encode(command.GetTruth{Filename: outfile}))
	for i, reply := range res.Replies {
		if len(reply) >= 2 {
			c.logger.Info().Int("server", i).Str("status", reply[1]).Msg("truth report")
		}
	}
	tmp, err := os.MkdirTemp("", "wfgen-truth-")
	if err != nil {
		return "", errors.Wrap(err, "create temp dir")
	}
	defer os.RemoveAll(tmp)

	paths, err := truth.WriteNumbered(tmp, res.Replies)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", nil
	}
	if outfile == "" {
		outfile = truth.ReportName
	}
	target := truth.NextFreeName(outfile)
	data, err := truth.ConsolidatePaths(paths).Marshal()
	if err != nil {
		return "", errors.Wrap(err, "encode merged report")
	}
	if dir := filepath.Dir(target); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrap(err, "create report dir")
		}
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", errors.Wrap(err, "write merged report")
	}
	c.logger.Info().Int("servers", len(paths)).Str("report", target).Msg("truth collected")
	return target, nil
}

// FormatReplies renders a fan-out one server per line.
func FormatReplies(res rpc.FanOutResult) string {
	lines := make([]string, 0, len(res.Replies))
	for _, reply := range res.Replies {
		if reply == nil {
			continue
		}
		lines = append(lines, strings.Join(reply, " "))
	}
	return strings.Join(lines, "\n")
}
