package supervisor

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestLogBufferEvictsOldest(t *testing.T) {
	lb := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		lb.AddEntry("info", "stdout", "line", 100)
	}

	entries := lb.GetLatestEntries(10)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries after eviction, got %d", len(entries))
	}
	if entries[0].ID != 3 || entries[2].ID != 5 {
		t.Errorf("unexpected ID range: %d..%d", entries[0].ID, entries[2].ID)
	}
	if lb.GetLatestID() != 5 {
		t.Errorf("expected latest ID 5, got %d", lb.GetLatestID())
	}
}

func TestGetEntriesFromID(t *testing.T) {
	lb := NewLogBuffer(10)
	for i := 0; i < 4; i++ {
		lb.AddEntry("info", "stderr", "line", 100)
	}

	entries := lb.GetEntriesFromID(2)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries above ID 2, got %d", len(entries))
	}
	if entries[0].ID != 3 {
		t.Errorf("expected first entry ID 3, got %d", entries[0].ID)
	}
}

func TestSubscribeAndCancel(t *testing.T) {
	lb := NewLogBuffer(10)
	var count atomic.Int32
	cancel := lb.Subscribe(func(LogEntry) { count.Add(1) })

	lb.AddEntry("info", "stdout", "one", 1)
	deadline := time.Now().Add(time.Second)
	for count.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if count.Load() != 1 {
		t.Fatalf("expected 1 notification, got %d", count.Load())
	}

	cancel()
	lb.AddEntry("info", "stdout", "two", 1)
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 1 {
		t.Errorf("cancelled subscriber still notified, count %d", count.Load())
	}
}
