package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/porticohq/portico/audit"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultShutdownGrace    = 10 * time.Second

	// ParentPIDEnv marks a process as a supervised child and carries the
	// supervisor's pid for the liveness probe.
	ParentPIDEnv = "PORTICO_PARENT_PID"
)

// ParentState represents the supervisor's view of the child lifecycle.
type ParentState int

const (
	// ParentIdle means no child is running.
	ParentIdle ParentState = iota
	// ParentSpawning means the child was launched but has not handshaked yet.
	ParentSpawning
	// ParentRunning means the handshake completed and the child is serving.
	ParentRunning
	// ParentStopping means a shutdown or relaunch is in progress.
	ParentStopping
	// ParentExited means the supervisor is done and will not spawn again.
	ParentExited
)

// String returns a string representation of the ParentState.
func (ps ParentState) String() string {
	switch ps {
	case ParentIdle:
		return "Idle"
	case ParentSpawning:
		return "Spawning"
	case ParentRunning:
		return "Running"
	case ParentStopping:
		return "Stopping"
	case ParentExited:
		return "Exited"
	default:
		return "InvalidState"
	}
}

// ParentConfig holds configuration options for the Parent supervisor.
type ParentConfig struct {
	// BinPath defaults to the current executable.
	BinPath string
	// HandshakeTimeout defaults to 10s.
	HandshakeTimeout time.Duration
	// ShutdownGrace is the SIGTERM-to-SIGKILL window, default 10s.
	ShutdownGrace time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Audit optionally records lifecycle events.
	Audit *audit.Logger
	// ExtraEnv is appended to the child's environment.
	ExtraEnv []string
}

// launch is one spawned child: its command, control channel, and exit
// tracking. relayReady closes once the handshake settles; relayOK reports
// whether it succeeded, making captured output safe to forward.
type launch struct {
	cmd        *exec.Cmd
	channel    *Channel
	exited     chan struct{}
	exitErr    error
	relayReady chan struct{}
	relayOK    bool
}

// Parent supervises a single child process: it spawns it, completes the
// startup handshake, relays relaunch requests, and restarts the child when
// it exits abnormally.
type Parent struct {
	mu    sync.Mutex
	state ParentState

	binPath          string
	handshakeTimeout time.Duration
	shutdownGrace    time.Duration
	logger           *slog.Logger
	auditLog         *audit.Logger
	extraEnv         []string

	current    *launch
	relaunchCh chan []string
}

// NewParent creates a Parent from config, applying defaults.
func NewParent(config ParentConfig) (*Parent, error) {
	binPath := config.BinPath
	if binPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolve executable: %w", err)
		}
		binPath = exe
	}

	handshakeTimeout := config.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	shutdownGrace := config.ShutdownGrace
	if shutdownGrace == 0 {
		shutdownGrace = defaultShutdownGrace
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Parent{
		state:            ParentIdle,
		binPath:          binPath,
		handshakeTimeout: handshakeTimeout,
		shutdownGrace:    shutdownGrace,
		logger:           logger.With("component", "Supervisor"),
		auditLog:         config.Audit,
		extraEnv:         config.ExtraEnv,
		relaunchCh:       make(chan []string, 1),
	}, nil
}

// State returns the current lifecycle state thread-safely.
func (p *Parent) State() ParentState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ChildPID returns the pid of the running child, or 0 when none is running.
func (p *Parent) ChildPID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.cmd.Process == nil {
		return 0
	}
	return p.current.cmd.Process.Pid
}

func (p *Parent) setState(state ParentState) {
	p.mu.Lock()
	old := p.state
	p.state = state
	p.mu.Unlock()
	if old != state {
		p.logger.Debug("supervisor state change", "from", old.String(), "to", state.String())
	}
}

// Start spawns a child with the given arguments and completes the startup
// handshake. On handshake timeout the child is killed and ErrHandshakeTimeout
// returned.
func (p *Parent) Start(ctx context.Context, args []string) error {
	p.mu.Lock()
	if p.current != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: child already running", ErrSpawnFailure)
	}
	p.state = ParentSpawning
	p.mu.Unlock()

	l, err := p.spawn(args)
	if err != nil {
		p.setState(ParentIdle)
		return err
	}

	if err := p.handshake(ctx, l, args); err != nil {
		close(l.relayReady)
		p.logger.Error("handshake failed, killing child", "pid", l.cmd.Process.Pid, "error", err)
		l.cmd.Process.Kill()
		<-l.exited
		l.channel.Close()
		p.setState(ParentIdle)
		return err
	}
	l.relayOK = true
	close(l.relayReady)

	p.mu.Lock()
	p.current = l
	p.state = ParentRunning
	p.mu.Unlock()

	if p.auditLog != nil {
		if err := p.auditLog.LogHandshake(l.cmd.Process.Pid); err != nil {
			p.logger.Warn("failed to record handshake event", "error", err)
		}
	}
	p.logger.Info("child handshake complete", "pid", l.cmd.Process.Pid)

	// Relay relaunch requests from the child's control channel.
	go p.relayMessages(l)
	return nil
}

// spawn launches the child process with the control channel pipe pair on
// fds 3 and 4.
func (p *Parent) spawn(args []string) (*launch, error) {
	// Parent writes toChild, child reads it on fd 3; child writes fromChild
	// on fd 4.
	toChildRead, toChildWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}
	fromChildRead, fromChildWrite, err := os.Pipe()
	if err != nil {
		toChildRead.Close()
		toChildWrite.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	cmd := exec.Command(p.binPath, args...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", ParentPIDEnv, os.Getpid()))
	cmd.Env = append(cmd.Env, p.extraEnv...)
	cmd.ExtraFiles = []*os.File{toChildRead, fromChildWrite}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		closeAll(toChildRead, toChildWrite, fromChildRead, fromChildWrite)
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailure, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		closeAll(toChildRead, toChildWrite, fromChildRead, fromChildWrite)
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailure, err)
	}

	if err := cmd.Start(); err != nil {
		closeAll(toChildRead, toChildWrite, fromChildRead, fromChildWrite)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	// The child holds its own copies of these now.
	toChildRead.Close()
	fromChildWrite.Close()

	pid := cmd.Process.Pid
	p.logger.Info("child spawned", "pid", pid, "args", strings.Join(args, " "))
	if p.auditLog != nil {
		if err := p.auditLog.LogSpawn(pid, strings.Join(args, " ")); err != nil {
			p.logger.Warn("failed to record spawn event", "error", err)
		}
	}

	l := &launch{
		cmd:        cmd,
		channel:    NewChannel(fromChildRead, toChildWrite),
		exited:     make(chan struct{}),
		relayReady: make(chan struct{}),
	}

	go p.captureOutput(l, stdoutPipe, "stdout", pid)
	go p.captureOutput(l, stderrPipe, "stderr", pid)

	go func() {
		l.exitErr = cmd.Wait()
		close(l.exited)
	}()

	return l, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// captureOutput scans one child output pipe into the parent's log. Stderr
// lines are also relayed over the control channel so the child's log stream
// surface sees raw prints and panic traces, which bypass its own logger;
// stdout already carries the child's structured records and is not echoed
// back. Relaying waits for the handshake to settle so early output cannot
// race the handshake exchange.
func (p *Parent) captureOutput(l *launch, pipe io.Reader, source string, pid int) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Info("child output", "source", source, "pid", pid, "output", line)
		if source == "stderr" {
			<-l.relayReady
			if l.relayOK {
				l.channel.Send(NewMessage(KindChildOutput, []string{source, line}))
			}
		}
	}
}

// handshake sends the parent handshake and waits for the child's reply under
// the configured timeout.
func (p *Parent) handshake(ctx context.Context, l *launch, args []string) error {
	if err := l.channel.Send(NewMessage(KindParentHandshake, args)); err != nil {
		return err
	}

	hsCtx, cancel := context.WithTimeout(ctx, p.handshakeTimeout)
	defer cancel()

	msg, err := l.channel.Receive(hsCtx)
	if err != nil {
		if hsCtx.Err() != nil && ctx.Err() == nil {
			return ErrHandshakeTimeout
		}
		return err
	}
	if msg.Kind != KindChildHandshake {
		return fmt.Errorf("%w: expected childHandshake, got %q", ErrHandshakeProtocol, msg.Kind)
	}
	return nil
}

// relayMessages forwards post-handshake control messages from the child.
func (p *Parent) relayMessages(l *launch) {
	for {
		msg, err := l.channel.Receive(context.Background())
		if err != nil {
			return
		}
		switch msg.Kind {
		case KindRelaunch:
			p.logger.Info("child requested relaunch", "args", strings.Join(msg.Args, " "))
			if p.auditLog != nil {
				if err := p.auditLog.LogRelaunch(l.cmd.Process.Pid, strings.Join(msg.Args, " ")); err != nil {
					p.logger.Warn("failed to record relaunch event", "error", err)
				}
			}
			p.RequestRelaunch(msg.Args)
		default:
			p.logger.Warn("unexpected control message", "kind", string(msg.Kind))
		}
	}
}

// RequestRelaunch schedules a restart with new arguments. A pending request
// is replaced rather than queued.
func (p *Parent) RequestRelaunch(args []string) {
	select {
	case p.relaunchCh <- args:
	default:
		select {
		case <-p.relaunchCh:
		default:
		}
		p.relaunchCh <- args
	}
}

// Stop terminates the running child with SIGTERM, escalating to SIGKILL
// after the grace period, and reaps it.
func (p *Parent) Stop() error {
	p.mu.Lock()
	l := p.current
	p.current = nil
	if l == nil {
		p.mu.Unlock()
		return nil
	}
	p.state = ParentStopping
	p.mu.Unlock()

	pid := l.cmd.Process.Pid
	p.logger.Info("stopping child", "pid", pid)

	if err := l.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Warn("failed to signal child, killing", "pid", pid, "error", err)
		l.cmd.Process.Kill()
	}

	graceTimer := time.NewTimer(p.shutdownGrace)
	defer graceTimer.Stop()

	select {
	case <-l.exited:
	case <-graceTimer.C:
		p.logger.Warn("child did not exit within grace period, sending SIGKILL", "pid", pid)
		l.cmd.Process.Kill()
		<-l.exited
	}

	l.channel.Close()
	p.recordExit(l, pid)
	p.setState(ParentIdle)
	return nil
}

func (p *Parent) recordExit(l *launch, pid int) {
	exitCode := 0
	detail := "clean exit"
	if l.exitErr != nil {
		detail = l.exitErr.Error()
		if ee, ok := l.exitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}
	p.logger.Info("child exited", "pid", pid, "exitCode", exitCode)
	if p.auditLog != nil {
		if err := p.auditLog.LogExit(pid, exitCode, detail); err != nil {
			p.logger.Warn("failed to record exit event", "error", err)
		}
	}
}

// Restart stops the running child and starts a fresh one with new arguments.
func (p *Parent) Restart(ctx context.Context, args []string) error {
	if err := p.Stop(); err != nil {
		return err
	}
	return p.Start(ctx, args)
}

// Run supervises the child until the context is cancelled or the child exits
// cleanly. An abnormal child exit triggers a respawn with the same
// arguments; a relaunch request restarts with the requested ones.
func (p *Parent) Run(ctx context.Context, args []string) error {
	if err := p.Start(ctx, args); err != nil {
		return err
	}

	for {
		p.mu.Lock()
		l := p.current
		p.mu.Unlock()
		if l == nil {
			p.setState(ParentExited)
			return nil
		}

		select {
		case <-ctx.Done():
			p.logger.Info("supervisor context cancelled")
			err := p.Stop()
			p.setState(ParentExited)
			return err

		case newArgs := <-p.relaunchCh:
			if err := p.Restart(ctx, newArgs); err != nil {
				p.setState(ParentExited)
				return err
			}
			args = newArgs

		case <-l.exited:
			pid := l.cmd.Process.Pid
			p.mu.Lock()
			p.current = nil
			p.mu.Unlock()
			l.channel.Close()
			p.recordExit(l, pid)

			if l.exitErr == nil {
				// Clean exit means the child shut itself down on purpose.
				p.logger.Info("child exited cleanly, supervisor done")
				if p.auditLog != nil {
					if err := p.auditLog.LogIdleShutdown("child shut itself down"); err != nil {
						p.logger.Warn("failed to record idle shutdown event", "error", err)
					}
				}
				p.setState(ParentExited)
				return nil
			}

			p.logger.Warn("child exited abnormally, respawning", "pid", pid, "error", l.exitErr)
			p.setState(ParentIdle)
			if err := p.Start(ctx, args); err != nil {
				p.setState(ParentExited)
				return err
			}
		}
	}
}
