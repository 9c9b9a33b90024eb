// Package audit records child process lifecycle events to a local database,
// giving a durable trail of spawns, handshakes, relaunches and exits across
// server restarts.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventSpawn        EventType = "spawn"
	EventHandshake    EventType = "handshake"
	EventRelaunch     EventType = "relaunch"
	EventExit         EventType = "exit"
	EventIdleShutdown EventType = "idle_shutdown"
)

// LifecycleEvent represents a lifecycle log entry in the database
type LifecycleEvent struct {
	ID        string `db:"id"`
	EventType string `db:"event_type"`
	Timestamp int64  `db:"timestamp"`
	ChildPID  *int   `db:"child_pid"` // Nullable for events without a running child
	Detail    string `db:"detail"`
	ExitCode  *int   `db:"exit_code"`
}

// Logger handles lifecycle event logging for the process supervisor
type Logger struct {
	db *sqlx.DB
}

// NewLogger creates a new lifecycle logger instance
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db: db,
	}, nil
}

// DBInit initializes the lifecycle events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		child_pid INTEGER,
		detail TEXT,
		exit_code INTEGER
	)
	`)
	if err != nil {
		return err
	}

	// Create indexes for common queries
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_timestamp ON lifecycle_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_event_type ON lifecycle_events(event_type)`)
	return err
}

// insertEvent is a helper method to insert a lifecycle event into the database
func (l *Logger) insertEvent(event *LifecycleEvent) error {
	_, err := l.db.Exec(`
		INSERT INTO lifecycle_events (
			id, event_type, timestamp, child_pid, detail, exit_code
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID,
		event.EventType,
		event.Timestamp,
		event.ChildPID,
		event.Detail,
		event.ExitCode,
	)
	return err
}

// LogSpawn logs the launch of a child process
func (l *Logger) LogSpawn(childPID int, detail string) error {
	event := &LifecycleEvent{
		ID:        uuid.New().String(),
		EventType: string(EventSpawn),
		Timestamp: time.Now().UTC().Unix(),
		ChildPID:  &childPID,
		Detail:    detail,
	}
	return l.insertEvent(event)
}

// LogHandshake logs a completed startup handshake
func (l *Logger) LogHandshake(childPID int) error {
	event := &LifecycleEvent{
		ID:        uuid.New().String(),
		EventType: string(EventHandshake),
		Timestamp: time.Now().UTC().Unix(),
		ChildPID:  &childPID,
	}
	return l.insertEvent(event)
}

// LogRelaunch logs a relaunch request from the child
func (l *Logger) LogRelaunch(childPID int, detail string) error {
	event := &LifecycleEvent{
		ID:        uuid.New().String(),
		EventType: string(EventRelaunch),
		Timestamp: time.Now().UTC().Unix(),
		ChildPID:  &childPID,
		Detail:    detail,
	}
	return l.insertEvent(event)
}

// LogExit logs a child process exit with its exit code
func (l *Logger) LogExit(childPID int, exitCode int, detail string) error {
	event := &LifecycleEvent{
		ID:        uuid.New().String(),
		EventType: string(EventExit),
		Timestamp: time.Now().UTC().Unix(),
		ChildPID:  &childPID,
		Detail:    detail,
		ExitCode:  &exitCode,
	}
	return l.insertEvent(event)
}

// LogIdleShutdown logs a shutdown triggered by connection inactivity
func (l *Logger) LogIdleShutdown(detail string) error {
	event := &LifecycleEvent{
		ID:        uuid.New().String(),
		EventType: string(EventIdleShutdown),
		Timestamp: time.Now().UTC().Unix(),
		Detail:    detail,
	}
	return l.insertEvent(event)
}

// GetEventsByType retrieves lifecycle events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]LifecycleEvent, error) {
	var events []LifecycleEvent
	err := l.db.Select(&events,
		"SELECT * FROM lifecycle_events WHERE event_type = $1 ORDER BY timestamp DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent lifecycle events
func (l *Logger) GetRecentEvents(limit int) ([]LifecycleEvent, error) {
	var events []LifecycleEvent
	err := l.db.Select(&events,
		"SELECT * FROM lifecycle_events ORDER BY timestamp DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes lifecycle events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).Unix()
	result, err := l.db.Exec("DELETE FROM lifecycle_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
