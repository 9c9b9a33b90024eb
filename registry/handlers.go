package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/porticohq/portico/httputils"
)

// Service exposes the registry over a loopback-only HTTP surface so editor
// runtimes on the same machine can register and look up sessions.
type Service struct {
	registry *Registry
	server   *http.Server
	addr     string
}

// NewService binds the registry API to a 127.0.0.1 listener. Pass port 0 to
// let the kernel pick one; Addr reports the bound address.
func NewService(reg *Registry, port int) (*Service, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("registry: listen: %w", err)
	}

	svc := &Service{registry: reg, addr: listener.Addr().String()}
	svc.server = &http.Server{Handler: http.HandlerFunc(svc.route)}

	go func() {
		if err := svc.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			reg.logger.Error("registry server stopped", "error", err)
		}
	}()
	return svc, nil
}

// Addr returns the loopback address the service is bound to.
func (svc *Service) Addr() string {
	return svc.addr
}

// Close stops serving the registry API.
func (svc *Service) Close() error {
	return svc.server.Close()
}

// route dispatches on the escaped path so endpoint names containing slashes
// survive as a single path segment without mux path cleaning.
func (svc *Service) route(w http.ResponseWriter, r *http.Request) {
	escaped := r.URL.EscapedPath()
	switch {
	case escaped == "/session":
		svc.handleSession(w, r)
	case strings.HasPrefix(escaped, "/session/"):
		svc.handleUnregister(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (svc *Service) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var entry Entry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("invalid entry: %w", err), http.StatusBadRequest)
			return
		}
		if err := svc.registry.Register(entry); err != nil {
			httputils.HandleAPIResponse(w, r, nil, err, http.StatusConflict)
			return
		}
		httputils.HandleAPIResponse(w, r, map[string]string{"status": "registered"}, nil, http.StatusOK)

	case http.MethodGet:
		filePath := r.URL.Query().Get("filePath")
		if filePath == "" {
			httputils.HandleAPIResponse(w, r, nil, errors.New("missing filePath parameter"), http.StatusBadRequest)
			return
		}
		// The resolved endpoint is the answer callers act on; the ranked
		// matches come along for diagnostics.
		matches := svc.registry.FindBestMatch(filePath)
		httputils.HandleAPIResponse(w, r, map[string]any{
			"endpoint": svc.registry.ResolveEndpoint(filePath),
			"matches":  matches,
		}, nil, http.StatusOK)

	default:
		httputils.HandleAPIResponse(w, r, nil, errors.New("method not allowed"), http.StatusMethodNotAllowed)
	}
}

func (svc *Service) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		httputils.HandleAPIResponse(w, r, nil, errors.New("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	escaped := strings.TrimPrefix(r.URL.EscapedPath(), "/session/")
	endpoint, err := url.PathUnescape(escaped)
	if err != nil || endpoint == "" {
		httputils.HandleAPIResponse(w, r, nil, errors.New("invalid endpoint"), http.StatusBadRequest)
		return
	}
	removed := svc.registry.Unregister(endpoint)
	httputils.HandleAPIResponse(w, r, map[string]int{"removed": removed}, nil, http.StatusOK)
}
