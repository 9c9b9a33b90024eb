package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"
)

const defaultProbeInterval = 5 * time.Second

// ChildState represents the child's view of its own lifecycle.
type ChildState int

const (
	// ChildAwaitingHandshake means the child is waiting for the parent's
	// argument vector.
	ChildAwaitingHandshake ChildState = iota
	// ChildServing means the handshake completed and the server is up.
	ChildServing
	// ChildDisposed means the child has shut down its supervisor link.
	ChildDisposed
)

// String returns a string representation of the ChildState.
func (cs ChildState) String() string {
	switch cs {
	case ChildAwaitingHandshake:
		return "AwaitingHandshake"
	case ChildServing:
		return "Serving"
	case ChildDisposed:
		return "Disposed"
	default:
		return "InvalidState"
	}
}

// IsChild reports whether this process was launched by a supervisor.
func IsChild() bool {
	return os.Getenv(ParentPIDEnv) != ""
}

// ParentPIDFromEnv returns the supervising parent's pid.
func ParentPIDFromEnv() (int, error) {
	value := os.Getenv(ParentPIDEnv)
	if value == "" {
		return 0, fmt.Errorf("%s not set", ParentPIDEnv)
	}
	pid, err := strconv.Atoi(value)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid %s value %q", ParentPIDEnv, value)
	}
	return pid, nil
}

// ChannelFromFDs opens the control channel on the file descriptors the
// parent passed down (read on fd 3, write on fd 4).
func ChannelFromFDs() *Channel {
	reader := os.NewFile(3, "supervisor-in")
	writer := os.NewFile(4, "supervisor-out")
	return NewChannel(reader, writer)
}

// ChildConfig holds configuration options for the Child link.
type ChildConfig struct {
	Channel       *Channel      // Required control channel to the parent
	ParentPID     int           // Required pid for the liveness probe
	ProbeInterval time.Duration // Optional, defaults to 5s
	Logger        *slog.Logger  // Optional, defaults to slog.Default()
	// OnParentGone is called once when the liveness probe finds the parent
	// dead. The child should shut down; nothing restarts it otherwise.
	OnParentGone func()
}

// Child is the subordinate side of the supervisor link: it completes the
// startup handshake, probes the parent for liveness, and can request a
// relaunch.
type Child struct {
	mu    sync.Mutex
	state ChildState

	channel       *Channel
	parentPID     int
	probeInterval time.Duration
	logger        *slog.Logger
	onParentGone  func()

	probeStop   chan struct{}
	disposeOnce sync.Once
}

// NewChild creates the child-side supervisor link.
func NewChild(config ChildConfig) (*Child, error) {
	if config.Channel == nil {
		return nil, fmt.Errorf("supervisor: control channel is required")
	}
	if config.ParentPID <= 0 {
		return nil, fmt.Errorf("supervisor: parent pid is required")
	}

	probeInterval := config.ProbeInterval
	if probeInterval == 0 {
		probeInterval = defaultProbeInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Child{
		state:         ChildAwaitingHandshake,
		channel:       config.Channel,
		parentPID:     config.ParentPID,
		probeInterval: probeInterval,
		logger:        logger.With("component", "SupervisorChild"),
		onParentGone:  config.OnParentGone,
		probeStop:     make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state thread-safely.
func (c *Child) State() ChildState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handshake waits for the parent's handshake message, acknowledges it, and
// returns the argument vector to serve with. It also starts the parent
// liveness probe.
func (c *Child) Handshake(ctx context.Context) ([]string, error) {
	msg, err := c.channel.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if msg.Kind != KindParentHandshake {
		return nil, fmt.Errorf("%w: expected parentHandshake, got %q", ErrHandshakeProtocol, msg.Kind)
	}

	if err := c.channel.Send(NewMessage(KindChildHandshake, nil)); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.state = ChildServing
	c.mu.Unlock()
	c.logger.Info("handshake with parent complete", "parentPid", c.parentPID)

	go c.probeLoop()
	return msg.Args, nil
}

// probeLoop periodically checks that the parent still exists. Signal 0
// delivers nothing but reports whether the pid is signalable.
func (c *Child) probeLoop() {
	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.probeStop:
			return
		case <-ticker.C:
			err := syscall.Kill(c.parentPID, syscall.Signal(0))
			// EPERM still means the process exists.
			if err != nil && !errors.Is(err, syscall.EPERM) {
				c.logger.Warn("parent process is gone", "parentPid", c.parentPID, "error", err)
				hook := c.onParentGone
				c.Dispose()
				if hook != nil {
					hook()
				}
				return
			}
		}
	}
}

// ObserveOutput receives output lines the parent captured from this process
// and relays back, invoking fn with the source stream and the line. Call it
// once, after a successful handshake; the loop runs until the channel closes.
func (c *Child) ObserveOutput(fn func(source, line string)) error {
	c.mu.Lock()
	if c.state != ChildServing {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot observe output in state %s", ErrChannelClosed, state.String())
	}
	c.mu.Unlock()

	go func() {
		for {
			msg, err := c.channel.Receive(context.Background())
			if err != nil {
				return
			}
			if msg.Kind != KindChildOutput || len(msg.Args) != 2 {
				c.logger.Warn("unexpected message from parent", "kind", string(msg.Kind))
				continue
			}
			fn(msg.Args[0], msg.Args[1])
		}
	}()
	return nil
}

// RequestRelaunch asks the parent to restart this child with new arguments.
func (c *Child) RequestRelaunch(args []string) error {
	c.mu.Lock()
	if c.state != ChildServing {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot relaunch in state %s", ErrChannelClosed, state.String())
	}
	c.mu.Unlock()
	return c.channel.Send(NewMessage(KindRelaunch, args))
}

// Dispose stops the liveness probe and closes the control channel. Safe to
// call more than once.
func (c *Child) Dispose() {
	c.disposeOnce.Do(func() {
		close(c.probeStop)
		c.channel.Close()
		c.mu.Lock()
		c.state = ChildDisposed
		c.mu.Unlock()
		c.logger.Debug("supervisor link disposed")
	})
}
