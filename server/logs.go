package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/porticohq/portico/supervisor"
)

var logStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // single-user server, auth already happened upstream
	},
}

// handleLogStream streams buffered and live log entries over a websocket.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := logStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("log stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logs := s.config.Logs

	// Backlog first, then live entries from where the backlog left off.
	for _, entry := range logs.GetLatestEntries(200) {
		if err := conn.WriteJSON(entry); err != nil {
			return
		}
	}
	lastID := logs.GetLatestID()

	wakeup := make(chan struct{}, 1)
	cancel := logs.Subscribe(func(supervisor.LogEntry) {
		select {
		case wakeup <- struct{}{}:
		default:
		}
	})
	defer cancel()

	// Reader goroutine: its only job is noticing the client going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-wakeup:
			for _, entry := range logs.GetEntriesFromID(lastID) {
				if err := conn.WriteJSON(entry); err != nil {
					return
				}
				lastID = entry.ID
			}
		case <-clientGone:
			return
		}
	}
}
