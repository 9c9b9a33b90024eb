package heartbeat

import (
	"os"
	"path"
	"sync/atomic"
	"testing"
	"time"
)

func TestBeatMakesAlive(t *testing.T) {
	m := New(Config{IdleWindow: 100 * time.Millisecond})
	defer m.Close()

	if m.IsAlive() {
		t.Fatal("monitor should not be alive before first beat")
	}
	if err := m.Beat(); err != nil {
		t.Fatalf("Beat returned error: %v", err)
	}
	if !m.IsAlive() {
		t.Fatal("monitor should be alive immediately after Beat")
	}
}

func TestExpiryFiresExactlyOnce(t *testing.T) {
	m := New(Config{
		IdleWindow:    50 * time.Millisecond,
		ShutdownGrace: time.Hour,
	})
	defer m.Close()

	var expired atomic.Int32
	sub := m.OnStateChange(func(s State) {
		if s == StateExpired {
			expired.Add(1)
		}
	})
	defer sub.Dispose()

	if err := m.Beat(); err != nil {
		t.Fatalf("Beat returned error: %v", err)
	}
	time.Sleep(250 * time.Millisecond)

	if m.IsAlive() {
		t.Fatal("monitor should have expired")
	}
	if got := expired.Load(); got != 1 {
		t.Errorf("expected exactly 1 expired transition, got %d", got)
	}
}

func TestIdleShutdownFiresAtMostOncePerExpiry(t *testing.T) {
	var shutdowns atomic.Int32
	m := New(Config{
		IdleWindow:     40 * time.Millisecond,
		ShutdownGrace:  40 * time.Millisecond,
		OnIdleShutdown: func() { shutdowns.Add(1) },
	})
	defer m.Close()

	if err := m.Beat(); err != nil {
		t.Fatalf("Beat returned error: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if got := shutdowns.Load(); got != 1 {
		t.Errorf("expected exactly 1 idle shutdown request, got %d", got)
	}
}

func TestBeatDuringGraceCancelsIdleShutdown(t *testing.T) {
	var shutdowns atomic.Int32
	m := New(Config{
		IdleWindow:     50 * time.Millisecond,
		ShutdownGrace:  300 * time.Millisecond,
		OnIdleShutdown: func() { shutdowns.Add(1) },
	})
	defer m.Close()

	var revived atomic.Int32
	sub := m.OnStateChange(func(s State) {
		if s == StateAlive {
			revived.Add(1)
		}
	})
	defer sub.Dispose()

	if err := m.Beat(); err != nil {
		t.Fatalf("Beat returned error: %v", err)
	}
	// Wait for expiry, then beat again within the grace period.
	time.Sleep(150 * time.Millisecond)
	if err := m.Beat(); err != nil {
		t.Fatalf("Beat returned error: %v", err)
	}
	time.Sleep(400 * time.Millisecond)

	// The second beat landed mid-grace, so the shutdown must not fire for
	// the first expiry. The second expiry then arms its own timer.
	if got := revived.Load(); got != 1 {
		t.Errorf("expected 1 alive transition, got %d", got)
	}
	if got := shutdowns.Load(); got != 1 {
		t.Errorf("expected 1 idle shutdown (second expiry only), got %d", got)
	}
}

func TestDisposedSubscriptionStopsFiring(t *testing.T) {
	m := New(Config{IdleWindow: 40 * time.Millisecond, ShutdownGrace: time.Hour})
	defer m.Close()

	var calls atomic.Int32
	sub := m.OnStateChange(func(State) { calls.Add(1) })
	sub.Dispose()
	sub.Dispose() // idempotent

	if err := m.Beat(); err != nil {
		t.Fatalf("Beat returned error: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if got := calls.Load(); got != 0 {
		t.Errorf("disposed subscription fired %d times", got)
	}
}

func TestBeatWritesTouchFile(t *testing.T) {
	touchPath := path.Join(t.TempDir(), "heartbeat")
	m := New(Config{IdleWindow: time.Hour, TouchPath: touchPath})
	defer m.Close()

	if err := m.Beat(); err != nil {
		t.Fatalf("Beat returned error: %v", err)
	}
	data, err := os.ReadFile(touchPath)
	if err != nil {
		t.Fatalf("heartbeat file not written: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, string(data)); err != nil {
		t.Errorf("heartbeat file content %q is not a timestamp: %v", data, err)
	}
}

func TestBeatTouchFailureIsObservable(t *testing.T) {
	m := New(Config{IdleWindow: time.Hour, TouchPath: path.Join(t.TempDir(), "missing", "heartbeat")})
	defer m.Close()

	if err := m.Beat(); err == nil {
		t.Fatal("expected an error writing to a missing directory")
	}
	// The failed touch must not prevent the activity record itself.
	if !m.IsAlive() {
		t.Error("monitor should be alive even when the touch file write fails")
	}
}
