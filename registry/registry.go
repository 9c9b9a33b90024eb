// Package registry tracks which already-running editor instance owns which
// workspace, so file-open requests route to an existing instance instead of
// always spawning a new one.
package registry

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrConflict means an entry could not be registered as presented.
var ErrConflict = errors.New("registry: conflicting session entry")

// Entry maps a workspace to the local socket endpoint of the editor instance
// that has it open.
type Entry struct {
	WorkspaceID    string   `json:"workspaceId"`
	FolderPaths    []string `json:"folderPaths"`
	SocketEndpoint string   `json:"socketEndpoint"`
}

type record struct {
	entry Entry
	seq   uint64 // registration recency, monotonically increasing
}

// Registry is an in-memory workspace-to-endpoint map. Entries live until
// explicitly unregistered; a registered endpoint is assumed reachable, with
// no internal health polling.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	seq     uint64
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		records: make(map[string]*record),
		logger:  logger.With("component", "SessionRegistry"),
	}
}

func identityKey(e Entry) string {
	return e.WorkspaceID + "\x00" + e.SocketEndpoint
}

// Register inserts or replaces the entry keyed by (workspace id, endpoint).
// Re-registering an existing key replaces it and bumps its recency.
func (reg *Registry) Register(e Entry) error {
	if e.WorkspaceID == "" || e.SocketEndpoint == "" || len(e.FolderPaths) == 0 {
		return ErrConflict
	}
	cleaned := make([]string, len(e.FolderPaths))
	for i, folder := range e.FolderPaths {
		if folder == "" {
			return ErrConflict
		}
		cleaned[i] = filepath.Clean(folder)
	}
	e.FolderPaths = cleaned

	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.seq++
	reg.records[identityKey(e)] = &record{entry: e, seq: reg.seq}
	reg.logger.Debug("session registered", "workspaceId", e.WorkspaceID, "endpoint", e.SocketEndpoint)
	return nil
}

// Unregister removes every entry at the given endpoint (used when an editor
// runtime exits) and returns how many were removed.
func (reg *Registry) Unregister(endpoint string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	removed := 0
	for key, rec := range reg.records {
		if rec.entry.SocketEndpoint == endpoint {
			delete(reg.records, key)
			removed++
		}
	}
	if removed > 0 {
		reg.logger.Debug("sessions unregistered", "endpoint", endpoint, "count", removed)
	}
	return removed
}

// Len returns the number of registered entries.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.records)
}

// folderMatches reports whether folder is a segment-aware prefix of path and
// returns the matched length.
func folderMatches(folder, path string) (int, bool) {
	if folder == path {
		return len(folder), true
	}
	prefix := folder
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if strings.HasPrefix(path, prefix) {
		return len(folder), true
	}
	return 0, false
}

type candidate struct {
	entry     Entry
	prefixLen int
	seq       uint64
}

// FindBestMatch returns entries whose folder list contains a prefix of
// filePath, ordered by longest prefix first with ties broken by most-recent
// registration, so nested workspaces take precedence over ancestors.
func (reg *Registry) FindBestMatch(filePath string) []Entry {
	path := filepath.Clean(filePath)

	reg.mu.RLock()
	candidates := make([]candidate, 0)
	for _, rec := range reg.records {
		best := -1
		for _, folder := range rec.entry.FolderPaths {
			if n, ok := folderMatches(folder, path); ok && n > best {
				best = n
			}
		}
		if best >= 0 {
			candidates = append(candidates, candidate{entry: rec.entry, prefixLen: best, seq: rec.seq})
		}
	}
	reg.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].prefixLen != candidates[j].prefixLen {
			return candidates[i].prefixLen > candidates[j].prefixLen
		}
		return candidates[i].seq > candidates[j].seq
	})

	entries := make([]Entry, len(candidates))
	for i, c := range candidates {
		entries[i] = c.entry
	}
	return entries
}

// ResolveEndpoint returns the endpoint of the best-matching entry for
// filePath, or the empty string when no workspace contains it.
func (reg *Registry) ResolveEndpoint(filePath string) string {
	matches := reg.FindBestMatch(filePath)
	if len(matches) == 0 {
		return ""
	}
	return matches[0].SocketEndpoint
}
