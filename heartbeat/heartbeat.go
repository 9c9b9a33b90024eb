// Package heartbeat tracks last-activity time for the server's idle-shutdown
// logic. Every authenticated request beats the monitor; once the idle window
// elapses unbeaten the monitor transitions to expired and, after a grace
// period, requests an orderly shutdown.
package heartbeat

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	defaultIdleWindow    = 60 * time.Minute
	defaultShutdownGrace = 5 * time.Minute
)

// State represents the activity state of the monitor.
type State int

const (
	// StateUnknown means no beat has been recorded yet.
	StateUnknown State = iota
	// StateAlive means a beat was recorded within the idle window.
	StateAlive
	// StateExpired means the idle window elapsed without a beat.
	StateExpired
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateAlive:
		return "Alive"
	case StateExpired:
		return "Expired"
	default:
		return "InvalidState"
	}
}

// Config holds configuration options for the Monitor.
type Config struct {
	IdleWindow     time.Duration // Optional, defaults to 60m
	ShutdownGrace  time.Duration // Optional, delay between expiry and shutdown request, defaults to 5m
	TouchPath      string        // Optional, heartbeat file rewritten on every beat
	OnIdleShutdown func()        // Optional, called once per expiry when the grace period elapses
	Logger         *slog.Logger  // Optional, defaults to slog.Default()
}

// Subscription is a handle for an OnStateChange registration. Callers must
// Dispose it when done; Dispose is idempotent.
type Subscription struct {
	once sync.Once
	m    *Monitor
	id   int
}

// Dispose releases the subscription.
func (s *Subscription) Dispose() {
	s.once.Do(func() {
		s.m.mu.Lock()
		delete(s.m.subs, s.id)
		s.m.mu.Unlock()
	})
}

// Monitor tracks last-activity time and drives idle-shutdown timers.
type Monitor struct {
	mu sync.Mutex

	idleWindow     time.Duration
	shutdownGrace  time.Duration
	touchPath      string
	onIdleShutdown func()
	logger         *slog.Logger

	lastBeat time.Time
	state    State

	subs    map[int]func(State)
	nextSub int

	// expiryTimer is armed by Beat; idleTimer is armed on the expired
	// transition. At most one of each exists at a time.
	expiryTimer *time.Timer
	idleTimer   *time.Timer

	closed bool
}

// New creates a Monitor. No timers run until the first Beat.
func New(config Config) *Monitor {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idleWindow := config.IdleWindow
	if idleWindow == 0 {
		idleWindow = defaultIdleWindow
	}
	shutdownGrace := config.ShutdownGrace
	if shutdownGrace == 0 {
		shutdownGrace = defaultShutdownGrace
	}
	return &Monitor{
		idleWindow:     idleWindow,
		shutdownGrace:  shutdownGrace,
		touchPath:      config.TouchPath,
		onIdleShutdown: config.OnIdleShutdown,
		logger:         logger.With("component", "Heartbeat"),
		state:          StateUnknown,
		subs:           make(map[int]func(State)),
	}
}

// Beat records the current time as last activity and re-arms the expiry
// timer. Writing the heartbeat file can fail; callers running Beat
// fire-and-forget must observe the error and downgrade it to a logged
// warning rather than let it propagate.
func (m *Monitor) Beat() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	now := time.Now()
	m.lastBeat = now
	prev := m.state
	m.state = StateAlive

	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
	}
	m.expiryTimer = time.AfterFunc(m.idleWindow, m.expire)

	// An alive transition cancels any armed idle-shutdown timer.
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}

	var handlers []func(State)
	if prev == StateExpired {
		handlers = m.snapshotSubsLocked()
	}
	touchPath := m.touchPath
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(StateAlive)
	}

	if touchPath != "" {
		if err := os.WriteFile(touchPath, []byte(now.UTC().Format(time.RFC3339)), 0644); err != nil {
			return fmt.Errorf("write heartbeat file: %w", err)
		}
	}
	return nil
}

// IsAlive returns true iff less than the idle window has elapsed since the
// last beat.
func (m *Monitor) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateAlive && time.Since(m.lastBeat) < m.idleWindow
}

// LastBeat returns the time of the most recent beat.
func (m *Monitor) LastBeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBeat
}

// OnStateChange registers a handler fired on alive/expired transitions. The
// returned Subscription must be disposed to avoid leaking the handler.
func (m *Monitor) OnStateChange(fn func(State)) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return &Subscription{m: m, id: id}
}

// Close stops all timers and drops all subscriptions. The monitor records no
// further beats afterwards.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
		m.expiryTimer = nil
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	m.subs = make(map[int]func(State))
}

// expire runs when the expiry timer fires. A beat racing the timer re-arms
// it, so the elapsed check keeps a stale firing from expiring a live monitor.
func (m *Monitor) expire() {
	m.mu.Lock()
	if m.closed || m.state != StateAlive || time.Since(m.lastBeat) < m.idleWindow {
		m.mu.Unlock()
		return
	}
	m.state = StateExpired
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.shutdownGrace, m.idleShutdown)
	handlers := m.snapshotSubsLocked()
	m.mu.Unlock()

	m.logger.Info("idle window elapsed", "idleWindow", m.idleWindow)
	for _, fn := range handlers {
		fn(StateExpired)
	}
}

// idleShutdown runs when the grace period after expiry elapses unbeaten.
func (m *Monitor) idleShutdown() {
	m.mu.Lock()
	if m.closed || m.state != StateExpired {
		m.mu.Unlock()
		return
	}
	m.idleTimer = nil
	cb := m.onIdleShutdown
	m.mu.Unlock()

	m.logger.Info("requesting idle shutdown", "grace", m.shutdownGrace)
	if cb != nil {
		cb()
	}
}

func (m *Monitor) snapshotSubsLocked() []func(State) {
	handlers := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		handlers = append(handlers, fn)
	}
	return handlers
}
