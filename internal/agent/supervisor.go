package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sevir/agentrelay/pkg/models"
)

// termGrace is how long a process gets to handle SIGTERM before it is killed.
const termGrace = 2 * time.Second

// Config describes how to find and launch the agent.
type Config struct {
	// Executable is an explicit path to the agent binary.
	Executable string
	// Name is looked up on PATH when Executable is empty.
	Name string
	// Candidates are fallback locations tried after PATH.
	Candidates []string
	// WorkDir is the agent's working directory.
	WorkDir string
	// BaseDir replaces WorkDir when it is missing. Empty means the directory
	// of the running binary.
	BaseDir string

	Mode      string
	Provider  string
	Model     string
	ExtraArgs []string
	Env       []string

	SettleDelay     time.Duration
	StopTimeout     time.Duration
	ReadLoopTimeout time.Duration
	RPCTimeout      time.Duration
	MaxLineSize     int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "pi"
	}
	if c.Candidates == nil {
		c.Candidates = DefaultCandidates
	}
	if c.Mode == "" {
		c.Mode = "rpc"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.ReadLoopTimeout <= 0 {
		c.ReadLoopTimeout = 5 * time.Second
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.MaxLineSize <= 0 {
		c.MaxLineSize = defaultMaxLineSize
	}
	return c
}

// Args returns the command line arguments passed to the agent.
func (c Config) Args() []string {
	c = c.withDefaults()
	args := []string{"--mode", c.Mode}
	if c.Provider != "" {
		args = append(args, "--provider", c.Provider)
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	return append(args, c.ExtraArgs...)
}

// Status is a snapshot of the supervised process.
type Status struct {
	State      models.ProcessState `json:"state"`
	PID        int                 `json:"pid,omitempty"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	Restarts   int                 `json:"restarts"`
	Pending    int                 `json:"pending_rpcs"`
	Executable string              `json:"executable,omitempty"`
	WorkDir    string              `json:"workdir,omitempty"`
	LastExit   string              `json:"last_exit,omitempty"`
}

// instance is one launched process and the goroutines that serve it.
type instance struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	transport *Transport

	ctx    context.Context
	cancel context.CancelFunc

	readDone   chan struct{}
	stderrDone chan struct{}
	exited     chan struct{}
	exitErr    error

	stopping atomic.Bool
}

// Supervisor owns the lifecycle of a single agent process. At most one
// process is live at a time.
type Supervisor struct {
	cfg        Config
	logger     *log.Logger
	dispatch   Dispatcher
	onExit     func(error)
	onResponse func(models.Event)

	lifeMu sync.Mutex // serializes Start, Stop and Restart

	writeMu   sync.Mutex // guards transport and the gate check in send
	transport *Transport
	gate      *gate
	rpc       *correlator

	stateMu    sync.RWMutex
	state      models.ProcessState
	proc       *instance
	startedAt  time.Time
	restarts   int
	executable string
	workDir    string
	lastExit   error
}

// NewSupervisor creates a stopped supervisor. d receives every event that is
// not an RPC response.
func NewSupervisor(cfg Config, d Dispatcher, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	if d == nil {
		d = DispatchFunc(func(context.Context, models.Event) {})
	}
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		logger:   logger.WithPrefix("supervisor"),
		dispatch: d,
		gate:     newGate(),
		rpc:      newCorrelator(),
		state:    models.ProcessStopped,
	}
}

// OnExit registers fn to run, on its own goroutine, whenever the process
// exits without being asked to. It must be set before Start.
func (s *Supervisor) OnExit(fn func(error)) {
	s.onExit = fn
}

// OnResponse registers fn for responses that carry no correlation ID, such
// as the agent's answer to a prompt. fn runs on the read loop, in order with
// dispatched events. It must be set before Start.
func (s *Supervisor) OnResponse(fn func(models.Event)) {
	s.onResponse = fn
}

// State returns the current lifecycle state.
func (s *Supervisor) State() models.ProcessState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Ready reports whether commands are currently being written through.
func (s *Supervisor) Ready() bool {
	return s.gate.IsOpen() && s.State() == models.ProcessRunning
}

// Status returns a snapshot of the process.
func (s *Supervisor) Status() Status {
	s.stateMu.RLock()
	st := Status{
		State:      s.state,
		Restarts:   s.restarts,
		Executable: s.executable,
		WorkDir:    s.workDir,
	}
	if s.proc != nil && s.proc.cmd.Process != nil {
		st.PID = s.proc.cmd.Process.Pid
		started := s.startedAt
		st.StartedAt = &started
	}
	if s.lastExit != nil {
		st.LastExit = s.lastExit.Error()
	}
	s.stateMu.RUnlock()

	st.Pending = s.rpc.len()
	return st
}

func (s *Supervisor) setState(state models.ProcessState) {
	s.stateMu.Lock()
	prev := s.state
	s.state = state
	s.stateMu.Unlock()
	if prev != state {
		s.logger.Debug("state changed", "from", prev, "to", state)
	}
}

// Start launches the agent and returns once it is accepting commands.
// Starting a running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.start(ctx)
}

func (s *Supervisor) start(ctx context.Context) error {
	s.stateMu.RLock()
	running := s.proc != nil
	s.stateMu.RUnlock()
	if running {
		return nil
	}

	s.gate.Reset()
	s.setState(models.ProcessStarting)

	inst, err := s.launch()
	if err != nil {
		s.setState(models.ProcessFailed)
		s.gate.Down()
		return err
	}

	timer := time.NewTimer(s.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-inst.exited:
		s.detach(inst, inst.exitErr)
		return fmt.Errorf("%w: agent exited during startup: %v", ErrUnavailable, inst.exitErr)
	case <-ctx.Done():
		s.stop(context.Background(), inst, models.ProcessStopped)
		return ctx.Err()
	}

	s.setState(models.ProcessRunning)
	s.gate.Open()
	s.logger.Info("agent ready", "pid", inst.cmd.Process.Pid)
	return nil
}

func (s *Supervisor) launch() (*instance, error) {
	path, err := FindExecutable(s.cfg.Executable, s.cfg.Name, s.cfg.Candidates)
	if err != nil {
		return nil, err
	}
	dir := ResolveWorkDir(s.cfg.WorkDir, s.cfg.BaseDir)

	cmd := exec.Command(path, s.cfg.Args()...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create stdin pipe: %v", ErrUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create stdout pipe: %v", ErrUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create stderr pipe: %v", ErrUnavailable, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %v", ErrUnavailable, path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		cmd:        cmd,
		stdin:      stdin,
		transport:  NewTransport(stdout, stdin, s.cfg.MaxLineSize, s.logger),
		ctx:        ctx,
		cancel:     cancel,
		readDone:   make(chan struct{}),
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}

	s.writeMu.Lock()
	s.transport = inst.transport
	s.writeMu.Unlock()

	s.stateMu.Lock()
	s.proc = inst
	s.startedAt = time.Now()
	s.executable = path
	s.workDir = dir
	s.stateMu.Unlock()

	s.logger.Info("agent started", "pid", cmd.Process.Pid, "path", path, "dir", dir, "args", cmd.Args[1:])

	go s.drainStderr(inst, stderr)
	go s.readLoop(inst)

	return inst, nil
}

func (s *Supervisor) drainStderr(inst *instance, r io.Reader) {
	defer close(inst.stderrDone)

	logger := s.logger.WithPrefix("agent")
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		// Keep the pipe drained so the agent never blocks on stderr.
		io.Copy(io.Discard, r)
	}
}

func (s *Supervisor) readLoop(inst *instance) {
	for line := range inst.transport.Lines(inst.ctx) {
		ev := models.Classify(line)
		if ev.Kind == models.EventResponse {
			s.handleResponse(ev)
			continue
		}
		s.dispatch.Dispatch(inst.ctx, ev)
	}
	close(inst.readDone)

	<-inst.stderrDone
	inst.exitErr = exitError(inst.cmd.Wait())
	close(inst.exited)

	if inst.stopping.Load() {
		return
	}
	s.handleCrash(inst)
}

func exitError(err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Code: ee.ExitCode(), Err: err}
	}
	return &ExitError{Code: -1, Err: err}
}

// detach forgets inst and moves to failed if inst is still the current
// process. Writes fail fast with ErrNotRunning until the next Start.
func (s *Supervisor) detach(inst *instance, err error) (current, wasStarting bool) {
	s.stateMu.Lock()
	if s.proc != inst {
		s.stateMu.Unlock()
		return false, false
	}
	wasStarting = s.state == models.ProcessStarting
	s.proc = nil
	s.state = models.ProcessFailed
	s.lastExit = err
	s.stateMu.Unlock()

	s.writeMu.Lock()
	if s.transport == inst.transport {
		s.transport = nil
		s.gate.Down()
	}
	s.writeMu.Unlock()

	inst.cancel()
	return true, wasStarting
}

// handleCrash runs when the process ends without Stop.
func (s *Supervisor) handleCrash(inst *instance) {
	err := inst.exitErr
	if err == nil {
		err = &ExitError{Code: 0}
	}

	current, wasStarting := s.detach(inst, err)
	if !current {
		return
	}

	n := s.rpc.cancelAll(ErrRPCCancelled)
	s.logger.Error("agent exited unexpectedly", "error", err, "cancelled_rpcs", n)

	if !wasStarting && s.onExit != nil {
		go s.onExit(err)
	}
}

// Stop terminates the agent. Pending RPCs fail with ErrRPCCancelled and
// writes fail with ErrNotRunning until the next Start.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.stateMu.RLock()
	inst := s.proc
	s.stateMu.RUnlock()

	s.stop(ctx, inst, models.ProcessStopped)
	return nil
}

func (s *Supervisor) stop(ctx context.Context, inst *instance, next models.ProcessState) {
	if inst != nil {
		inst.stopping.Store(true)
	}

	s.writeMu.Lock()
	if next == models.ProcessStopped {
		s.gate.Down()
	} else {
		s.gate.Reset()
	}
	s.transport = nil
	s.writeMu.Unlock()

	if inst != nil {
		inst.cancel()
		inst.stdin.Close()
		s.terminate(ctx, inst)

		select {
		case <-inst.readDone:
		case <-time.After(s.cfg.ReadLoopTimeout):
			s.logger.Warn("read loop did not finish in time")
		}
	}

	if n := s.rpc.cancelAll(ErrRPCCancelled); n > 0 {
		s.logger.Info("cancelled pending rpcs", "count", n)
	}

	s.stateMu.Lock()
	if s.proc == inst {
		s.proc = nil
	}
	s.state = next
	s.stateMu.Unlock()

	if inst != nil {
		s.logger.Info("agent stopped", "pid", inst.cmd.Process.Pid)
	}
}

// terminate waits for inst to exit after its stdin was closed. It sends
// SIGTERM once StopTimeout passes and kills the process if that is ignored
// too, or straight away when ctx is done.
func (s *Supervisor) terminate(ctx context.Context, inst *instance) {
	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-inst.exited:
		return
	case <-ctx.Done():
		inst.cmd.Process.Kill()
		return
	case <-timer.C:
	}

	s.logger.Warn("agent did not exit after stdin closed, terminating", "pid", inst.cmd.Process.Pid)
	inst.cmd.Process.Signal(syscall.SIGTERM)

	timer.Reset(termGrace)
	select {
	case <-inst.exited:
	case <-ctx.Done():
		inst.cmd.Process.Kill()
	case <-timer.C:
		s.logger.Warn("agent ignored SIGTERM, killing", "pid", inst.cmd.Process.Pid)
		inst.cmd.Process.Kill()
	}
}

// Restart stops the current process, if any, and starts a fresh one.
// Commands issued meanwhile wait for the new process. Restart must not be
// called from a Dispatch callback; use a new goroutine.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.stateMu.RLock()
	inst := s.proc
	s.stateMu.RUnlock()

	s.logger.Info("restarting agent")
	s.stop(ctx, inst, models.ProcessRestarting)
	if err := s.start(ctx); err != nil {
		return fmt.Errorf("failed to restart agent: %w", err)
	}

	s.stateMu.Lock()
	s.restarts++
	s.stateMu.Unlock()
	return nil
}
