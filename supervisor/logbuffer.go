package supervisor

import (
	"sync"
	"time"
)

// LogEntry represents a single log entry captured from the child process
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"` // "stdout", "stderr" or "server"
	Message   string    `json:"message"`
	PID       int       `json:"pid"`
}

// LogBuffer maintains a circular buffer of recent log entries
type LogBuffer struct {
	mu          sync.RWMutex
	entries     []LogEntry
	capacity    int
	nextID      int64
	subscribers map[int64]func(LogEntry)
	nextSubID   int64
}

// NewLogBuffer creates a new log buffer with the specified capacity
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{
		entries:     make([]LogEntry, 0, capacity),
		capacity:    capacity,
		nextID:      1,
		subscribers: make(map[int64]func(LogEntry)),
	}
}

// AddEntry adds a new log entry to the buffer
func (lb *LogBuffer) AddEntry(level, source, message string, pid int) {
	lb.mu.Lock()

	entry := LogEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
		PID:       pid,
	}

	// Circular buffer behavior
	if len(lb.entries) >= lb.capacity {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, entry)
	lb.nextID++

	subscribers := make([]func(LogEntry), 0, len(lb.subscribers))
	for _, fn := range lb.subscribers {
		subscribers = append(subscribers, fn)
	}
	lb.mu.Unlock()

	// Notify outside the lock to avoid blocking writers
	for _, fn := range subscribers {
		go fn(entry)
	}
}

// GetEntriesFromID returns all log entries with ID greater than the specified ID
func (lb *LogBuffer) GetEntriesFromID(fromID int64) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]LogEntry, 0)
	for _, entry := range lb.entries {
		if entry.ID > fromID {
			result = append(result, entry)
		}
	}
	return result
}

// GetLatestEntries returns the most recent N log entries
func (lb *LogBuffer) GetLatestEntries(count int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if count <= 0 || len(lb.entries) == 0 {
		return []LogEntry{}
	}

	start := len(lb.entries) - count
	if start < 0 {
		start = 0
	}

	result := make([]LogEntry, len(lb.entries)-start)
	copy(result, lb.entries[start:])
	return result
}

// GetLatestID returns the ID of the most recent log entry
func (lb *LogBuffer) GetLatestID() int64 {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if len(lb.entries) == 0 {
		return 0
	}
	return lb.entries[len(lb.entries)-1].ID
}

// Subscribe registers a callback for new entries and returns a cancel
// function that removes it.
func (lb *LogBuffer) Subscribe(fn func(LogEntry)) func() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	id := lb.nextSubID
	lb.nextSubID++
	lb.subscribers[id] = fn
	return func() {
		lb.mu.Lock()
		defer lb.mu.Unlock()
		delete(lb.subscribers, id)
	}
}
