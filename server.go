package wfgen

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
	"golang.org/x/sys/unix"

	"github.com/wfgen/wfgen/internal/command"
	"github.com/wfgen/wfgen/internal/env"
	"github.com/wfgen/wfgen/internal/fleet"
	"github.com/wfgen/wfgen/internal/jobs"
	"github.com/wfgen/wfgen/internal/metrics"
	"github.com/wfgen/wfgen/internal/orchestrator"
	"github.com/wfgen/wfgen/internal/profile"
	"github.com/wfgen/wfgen/internal/rpc"
	"github.com/wfgen/wfgen/internal/truth"
)

func init() {
	_ = env.Ensure()
}

// Config controls Server behavior.
type Config struct {
	// Addr is the listen host; empty listens on every interface.
	Addr         string
	Port         int
	PollInterval time.Duration
	ReportRoot   string
	// JoinGrace bounds how long a job gets to exit after an interrupt
	// before it is killed.
	JoinGrace time.Duration
	// Quiet discards generator output unless a request asks otherwise.
	Quiet bool
	// Executable is re-executed with "supervise" for run_random and
	// run_script. Defaults to the running binary.
	Executable  string
	MetricsAddr string

	Catalog    *profile.Catalog
	Discoverer fleet.Discoverer
	// Launcher starts processes; nil uses orchestrator.ExecLauncher.
	Launcher orchestrator.Launcher
	Recorder JobRecorder
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Server owns the local radios and every job spawned on them. All requests
// are handled by the single dispatch loop in Start.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	catalog  *profile.Catalog
	fleet    *fleet.State
	registry *jobs.Registry
	store    *truth.Store
	recorder JobRecorder
	metrics  *metrics.Metrics
	rng      *rand.Rand

	mu       sync.Mutex
	listener *rpc.Server
}

// NewServer fills defaults and prepares the first truth folder.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		cfg.Port = rpc.DefaultPort
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReportRoot == "" {
		cfg.ReportRoot = truth.DefaultRoot
	}
	if cfg.JoinGrace <= 0 {
		cfg.JoinGrace = DefaultJoinGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Catalog == nil {
		catalog, err := profile.Default()
		if err != nil {
			return nil, errors.Wrap(err, "load default profile catalog")
		}
		cfg.Catalog = catalog
	}
	if cfg.Discoverer == nil {
		cfg.Discoverer = fleet.UHDDiscoverer{Logger: cfg.Logger}
	}
	if cfg.Executable == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.Executable = exe
		}
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		catalog:  cfg.Catalog,
		fleet:    fleet.NewState(),
		registry: jobs.NewRegistry(),
		store:    truth.NewStore(cfg.ReportRoot, cfg.Logger, truth.WithClock(cfg.Now)),
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	if s.recorder == nil {
		s.recorder = noopRecorder{}
	}
	if err := s.store.MakeRoot(); err != nil {
		return nil, err
	}
	return s, nil
}

// Addr is the bound rpc address once Start has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// TruthDir is the current truth folder.
func (s *Server) TruthDir() string { return s.store.Dir() }

// Start binds the rpc listener and runs the dispatch loop until a shutdown
// request arrives or ctx is cancelled. Cancellation behaves like a quiet
// shutdown: every job is stopped and the truth is consolidated.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	addr := net.JoinHostPort(s.cfg.Addr, strconv.Itoa(s.cfg.Port))
	listener, err := rpc.Listen(addr, s.logger)
	if err != nil {
		return errors.Wrap(err, "start wfgen server")
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	serveCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := listener.Serve(serveCtx); err != nil {
			s.logger.Error().Err(err).Msg("rpc serve failed")
		}
	}()
	if s.cfg.MetricsAddr != "" && s.metrics != nil {
		go func() {
			if err := s.metrics.Serve(serveCtx, s.cfg.MetricsAddr, s.Status, s.logger); err != nil {
				s.logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}
	s.logger.Info().Str("addr", listener.Addr().String()).Str("truth_dir", s.store.Dir()).Msg("start wfgen server")

	for {
		if ctx.Err() != nil {
			s.logger.Info().Msg("interrupted, shutting down quietly")
			// jobs still need joining after ctx is gone
			s.Handle(context.Background(), command.Shutdown{Quiet: true})
			break
		}
		pending, ok := listener.Poll(ctx, s.cfg.PollInterval)
		s.Reconcile(ctx)
		if !ok {
			continue
		}
		reply, stop := s.dispatch(ctx, pending.Parts)
		pending.Reply(reply)
		if stop {
			break
		}
	}
	if err := listener.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("close rpc listener")
	}
	cancel()
	<-served
	s.logger.Info().Msg("wfgen server stopped")
	return nil
}

func (s *Server) dispatch(ctx context.Context, parts []string) ([]string, bool) {
	cmd, err := command.Decode(parts)
	if err != nil {
		s.metrics.ProtocolError()
		var perr *command.ProtocolError
		if errors.As(err, &perr) && perr.Unknown {
			s.logger.Warn().Str("verb", perr.Verb).Msg("invalid command")
			return []string{ReplyInvalidCommand + perr.Verb}, false
		}
		s.logger.Warn().Err(err).Msg("malformed command")
		return []string{err.Error()}, false
	}
	return s.Handle(ctx, cmd)
}

// Handle executes one decoded command and returns the reply parts and
// whether the server should stop. A nil reply means no answer is sent.
func (s *Server) Handle(ctx context.Context, cmd command.Command) ([]string, bool) {
	s.metrics.Command(cmd.Verb())
	log := s.logger.With().Str("verb", cmd.Verb()).Logger()
	log.Debug().Str("command", command.Line(cmd)).Msg("handle command")

	switch c := cmd.(type) {
	case command.Help:
		return append([]string{ReplyValidCommands}, command.Verbs()...), false
	case command.Ping:
		return []string{ReplyPong}, false
	case command.GetRadios:
		return s.getRadios(ctx), false
	case command.GetActive:
		s.Reconcile(ctx)
		return s.activeList(), false
	case command.GetFinished:
		s.Reconcile(ctx)
		return s.finishedList(), false
	case command.StartRadio:
		return s.startRadio(ctx, c), false
	case command.RunRandom:
		return s.runRandom(ctx, c), false
	case command.RunScript:
		return s.runScript(ctx, c), false
	case command.Kill:
		return s.kill(ctx, c), false
	case command.GetTruth:
		return s.getTruth(ctx), false
	case command.Shutdown:
		finished := s.stopAll(ctx, jobs.ReasonShutdown)
		if _, err := s.store.Consolidate(); err != nil {
			log.Error().Err(err).Msg("consolidate truth on shutdown failed")
		}
		if c.Quiet {
			return nil, true
		}
		reply := []string{ReplyShuttingDown}
		for _, f := range finished {
			reply = append(reply, f.String())
		}
		return reply, true
	}
	return []string{ReplyInvalidCommand + cmd.Verb()}, false
}

func (s *Server) getRadios(ctx context.Context) []string {
	text, err := s.cfg.Discoverer.Discover(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("discover radios failed")
		text = fleet.NoDevices
	}
	inv, err := fleet.ParseInventory(text, 0)
	if err != nil {
		s.logger.Error().Err(err).Msg("parse radio inventory failed")
		inv = fleet.Inventory{}
	}
	if s.fleet.Update(inv) {
		s.logger.Info().Int("radios", len(inv)).Msg("radio inventory updated")
	}
	s.publishFleet()
	return []string{ReplyFound + text}
}

func (s *Server) activeList() []string {
	active := s.registry.Active()
	if len(active) == 0 {
		return []string{ReplyNoActive}
	}
	out := make([]string, 0, len(active))
	for _, j := range active {
		out = append(out, jobs.Describe(j))
	}
	return out
}

func (s *Server) finishedList() []string {
	finished := s.registry.Finished()
	if len(finished) == 0 {
		return []string{ReplyNoFinished}
	}
	out := make([]string, 0, len(finished))
	for _, f := range finished {
		out = append(out, f.String())
	}
	return out
}

// radioIndex finds the local radio named by a start_radio request. The
// serial is matched first; args without a serial must match exactly.
func (s *Server) radioIndex(c command.StartRadio) (int, string) {
	inv := s.fleet.Radios()
	if serial := c.Serial(); serial != "" {
		return inv.IndexOfSerial(serial), serial
	}
	return inv.IndexOfArgs(c.DeviceArgs), c.DeviceArgs
}

// claimable reports whether every id is idle. A radio held by a live job is
// in use; otherwise the server reconciles and checks again.
func (s *Server) claimable(ctx context.Context, ids []int) bool {
	busy := func() bool {
		for _, id := range ids {
			if s.fleet.IsActive(id) {
				return true
			}
		}
		return false
	}
	if !busy() {
		return true
	}
	for _, id := range ids {
		for _, job := range s.registry.UsingRadio(id) {
			if job.IsAlive() {
				return false
			}
		}
	}
	s.Reconcile(ctx)
	return !busy()
}

func (s *Server) startRadio(ctx context.Context, c command.StartRadio) []string {
	idx, name := s.radioIndex(c)
	if idx < 0 {
		s.logger.Warn().Str("radio", name).Msg("start_radio for a radio this server does not own")
		return []string{ReplyNotMyRadio + name}
	}
	if !s.claimable(ctx, []int{idx}) {
		return []string{ReplyRadioInUse}
	}
	record, _ := s.fleet.Radio(idx)
	serial := record.Serial
	if serial == "" {
		serial = fleet.SerialFromArgs(record.Args)
	}
	truthPath := s.store.Path(serial, s.store.NextInstance())

	var argv, companion []string
	if c.IsExec() {
		argv = append(append([]string(nil), c.Exec...), "-j", truthPath)
	} else {
		params := make(map[string]any, len(c.Params)+1)
		for _, p := range c.Params {
			params[p.Key] = paramValue(p.Value)
		}
		params["json"] = truthPath
		opts := profile.Options{Rand: s.rng}
		switch c.Mode {
		case command.ModeHopper:
			opts.Hopper = true
		case command.ModeBursty, command.ModeReplay:
			opts.Bursty = true
		}
		inv, err := s.catalog.Command(c.Profile, c.DeviceArgs, params, opts)
		if err != nil {
			s.logger.Error().Err(err).Str("profile", c.Profile).Msg("build generator command failed")
			return []string{ReplyLaunchFailed}
		}
		argv, companion = inv.Argv, inv.Companion
	}

	quiet := c.Quiet || s.cfg.Quiet
	main, err := s.launch(ctx, argv, quiet)
	if err != nil {
		s.logger.Error().Err(err).Strs("argv", argv).Msg("launch generator failed")
		return []string{ReplyLaunchFailed}
	}
	spec := jobs.Spec{
		Key:         ksuid.New().String(),
		CommandLine: command.Line(c),
		Radios:      []int{idx},
		Started:     s.cfg.Now(),
	}
	var job jobs.Job = jobs.NewNativeJob(spec, main)
	if len(companion) > 0 {
		helper, err := s.launch(ctx, companion, quiet)
		if err != nil {
			s.logger.Error().Err(err).Strs("argv", companion).Msg("launch companion failed")
			_ = jobs.Stop(ctx, main, unix.SIGINT, s.cfg.JoinGrace)
			return []string{ReplyLaunchFailed}
		}
		job = jobs.NewPairJob(spec, main, helper)
	}
	if err := s.track(ctx, job); err != nil {
		s.logger.Error().Err(err).Int("pid", job.PID()).Msg("track job failed")
		_ = job.Join(ctx, s.cfg.JoinGrace)
		return []string{ReplyLaunchFailed}
	}
	s.logger.Info().Int("pid", job.PID()).Int("radio", idx).Str("truth", truthPath).Msg("generator started")
	return []string{fmt.Sprintf("%s %d %s", ReplyStarting, job.PID(), truthPath)}
}

// paramValue keeps numbers numeric so the catalog can do arithmetic on
// them; everything else stays text.
func paramValue(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func (s *Server) launch(ctx context.Context, argv []string, quiet bool) (jobs.Process, error) {
	launcher := s.cfg.Launcher
	if launcher == nil {
		launcher = orchestrator.ExecLauncher{Quiet: quiet}
	}
	return launcher.Launch(ctx, argv)
}

// track registers a job, claims its radios and records it.
func (s *Server) track(ctx context.Context, job jobs.Job) error {
	if err := s.fleet.Activate(job.OwnedRadios()); err != nil {
		return err
	}
	if err := s.registry.Add(job); err != nil {
		_ = s.fleet.Deactivate(job.OwnedRadios())
		return err
	}
	if err := s.recorder.JobStarted(ctx, job); err != nil {
		s.logger.Error().Err(err).Int("pid", job.PID()).Msg("job recorder start failed")
	}
	s.publishFleet()
	return nil
}

// retire releases everything a finished job held.
func (s *Server) retire(ctx context.Context, f jobs.Finished) {
	if err := s.fleet.Deactivate(f.Job.OwnedRadios()); err != nil {
		s.logger.Warn().Err(err).Int("pid", f.Job.PID()).Msg("release radios failed")
	}
	if err := s.recorder.JobFinished(ctx, f); err != nil {
		s.logger.Error().Err(err).Int("pid", f.Job.PID()).Msg("job recorder finish failed")
	}
	s.metrics.JobFinished(f.Reason)
}

func (s *Server) runRandom(ctx context.Context, c command.RunRandom) []string {
	plan, err := orchestrator.ParseRandomRequest(c.YAML, s.fleet, s.catalog)
	if err != nil && errors.Is(err, fleet.ErrConflict) {
		// a radio may only look busy because its job has not been reaped
		s.Reconcile(ctx)
		plan, err = orchestrator.ParseRandomRequest(c.YAML, s.fleet, s.catalog)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("reject random run")
		if errors.Is(err, fleet.ErrConflict) {
			return []string{ReplyRadioInUse}
		}
		return []string{err.Error()}
	}
	inv := s.fleet.Radios()
	args := make([]string, 0, len(plan.Radios))
	for _, idx := range plan.Radios {
		args = append(args, inv[idx].Args)
	}
	start := s.store.Reserve(plan.InstanceLimit)
	run := orchestrator.NewRandomPlan(plan, args, s.store.Dir(), start)
	return s.spawnSupervisor(ctx, run, plan.Radios, ReplyRandomRun, command.Line(c))
}

func (s *Server) runScript(ctx context.Context, c command.RunScript) []string {
	if !s.fleet.Known() {
		return []string{ReplyGetRadiosFirst}
	}
	plan, err := orchestrator.ParseScriptRequest(c.YAML, s.fleet.Radios())
	if err != nil {
		s.logger.Warn().Err(err).Msg("reject scripted run")
		return []string{err.Error()}
	}
	if len(plan.Radios) == 0 {
		return []string{ReplyNoValidRadios}
	}
	ids := plan.RadioIndices()
	if !s.claimable(ctx, ids) {
		return []string{ReplyRadioInUse}
	}
	start := s.store.Reserve(plan.SignalLimit)
	run := orchestrator.NewScriptPlan(plan, s.store.Dir(), start)
	return s.spawnSupervisor(ctx, run, ids, ReplyScriptedRun, command.Line(c))
}

// spawnSupervisor writes the plan next to the truth files and re-executes
// this binary to run it.
func (s *Server) spawnSupervisor(ctx context.Context, plan *orchestrator.Plan, radios []int, banner, line string) []string {
	path, err := plan.Write(s.store.Dir())
	if err != nil {
		s.logger.Error().Err(err).Msg("write run plan failed")
		return []string{ReplyLaunchFailed}
	}
	argv := []string{s.cfg.Executable, "supervise", "--plan", path, "--grace", s.cfg.JoinGrace.String()}
	if s.cfg.Quiet {
		argv = append(argv, "--quiet")
	}
	proc, err := s.launch(ctx, argv, s.cfg.Quiet)
	if err != nil {
		s.logger.Error().Err(err).Strs("argv", argv).Msg("launch supervisor failed")
		return []string{ReplyLaunchFailed}
	}
	job := jobs.NewSupervisorJob(jobs.Spec{
		Key:         plan.RunID,
		CommandLine: line,
		Radios:      radios,
		Started:     s.cfg.Now(),
	}, proc)
	if err := s.track(ctx, job); err != nil {
		s.logger.Error().Err(err).Int("pid", job.PID()).Msg("track supervisor failed")
		_ = job.Join(ctx, s.cfg.JoinGrace)
		return []string{ReplyRadioInUse}
	}
	s.logger.Info().Int("pid", job.PID()).Str("run", plan.RunID).Str("kind", plan.Kind).
		Ints("radios", radios).Str("plan", path).Msg("supervisor started")
	return []string{banner, strconv.Itoa(job.PID())}
}

func (s *Server) kill(ctx context.Context, c command.Kill) []string {
	lines := make([]string, 0, len(c.PIDs))
	for _, pid := range c.PIDs {
		job, ok := s.registry.Lookup(pid)
		if !ok {
			lines = append(lines, fmt.Sprintf("%s %d", ReplyNoProcess, pid))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %d", ReplyKilling, pid))
		if err := job.Interrupt(); err != nil {
			s.logger.Warn().Err(err).Int("pid", pid).Msg("interrupt job failed")
		}
		if err := job.Join(ctx, s.cfg.JoinGrace); err != nil {
			s.logger.Warn().Err(err).Int("pid", pid).Msg("join job failed")
		}
		if f, ok := s.registry.Finish(job, jobs.ReasonKilled); ok {
			s.retire(ctx, f)
		}
	}
	s.publishFleet()
	return []string{strings.Join(lines, "\n")}
}

func (s *Server) getTruth(ctx context.Context) []string {
	s.stopAll(ctx, jobs.ReasonTruth)
	if _, err := s.store.Consolidate(); err != nil {
		s.logger.Error().Err(err).Msg("consolidate truth failed")
	}
	status, contents := s.store.Read()
	if err := s.store.MakeRoot(); err != nil {
		s.logger.Error().Err(err).Msg("rotate truth folder failed")
	}
	return []string{ReplyReport, status, contents}
}

// stopAll interrupts and joins every active job.
func (s *Server) stopAll(ctx context.Context, reason string) []jobs.Finished {
	finished, err := s.registry.ShutdownAll(ctx, s.cfg.JoinGrace, reason)
	if err != nil {
		s.logger.Warn().Err(err).Str("reason", reason).Msg("some jobs did not stop cleanly")
	}
	for _, f := range finished {
		s.retire(ctx, f)
	}
	s.publishFleet()
	return finished
}

// Reconcile moves jobs whose process has exited to the finished list and
// frees their radios. Helpers still running for an exited job are stopped
// first.
func (s *Server) Reconcile(ctx context.Context) {
	exited := s.registry.Exited()
	for _, job := range exited {
		if err := job.Join(ctx, s.cfg.JoinGrace); err != nil {
			s.logger.Warn().Err(err).Int("pid", job.PID()).Msg("stop leftover helpers failed")
		}
		f, ok := s.registry.Finish(job, jobs.ReasonExited)
		if !ok {
			continue
		}
		s.logger.Info().Int("pid", job.PID()).Str("kind", string(job.Kind())).Msg("job exited")
		s.retire(ctx, f)
	}
	if len(exited) > 0 {
		s.publishFleet()
	}
}

func (s *Server) publishFleet() {
	s.metrics.Fleet(len(s.fleet.Idle()), len(s.fleet.Active()), len(s.registry.Active()))
}

// Status is the document served on /status.
func (s *Server) Status() any {
	active := s.registry.Active()
	pids := make([]int, 0, len(active))
	for _, j := range active {
		pids = append(pids, j.PID())
	}
	return map[string]any{
		"radios":    s.fleet.Radios().Args(),
		"idle":      s.fleet.Idle(),
		"active":    s.fleet.Active(),
		"jobs":      pids,
		"finished":  len(s.registry.Finished()),
		"truth_dir": s.store.Dir(),
	}
}
