// Package upgrade routes HTTP protocol-upgrade requests through the same
// path-matching and middleware chain as ordinary requests, so upgrade traffic
// receives identical authorization treatment before the protocol switches.
package upgrade

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// ErrAlreadyClaimed means a second handler tried to take over a connection
// that an earlier handler already hijacked. Only one handler may claim a
// given upgrade; a second claim is a programming error.
var ErrAlreadyClaimed = errors.New("upgrade: connection already claimed")

type route struct {
	prefix         string
	handler        http.Handler
	upgradeHandler http.Handler
}

// Router dispatches both ordinary and upgrade requests through one
// middleware pipeline. Routes are matched by longest registered path prefix.
type Router struct {
	mu         sync.RWMutex
	routes     []*route
	middleware []func(http.Handler) http.Handler
	notFound   http.Handler
	logger     *slog.Logger
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger.With("component", "UpgradeRouter"),
		notFound: http.NotFoundHandler(),
	}
}

// Use appends a middleware to the chain. Middleware applies identically to
// ordinary and upgrade requests and must be registered before serving begins.
func (rt *Router) Use(mw func(http.Handler) http.Handler) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.middleware = append(rt.middleware, mw)
}

// Handle registers h for ordinary requests under the given path prefix.
func (rt *Router) Handle(prefix string, h http.Handler) {
	rt.addRoute(prefix, h, false)
}

// HandleUpgrade registers h as the upgrade-capable handler for the given
// path prefix. The handler performs the protocol switch itself via
// http.Hijacker, receiving the duplex stream plus any buffered head bytes.
func (rt *Router) HandleUpgrade(prefix string, h http.Handler) {
	rt.addRoute(prefix, h, true)
}

// NotFound overrides the handler used when no route matches an ordinary
// request.
func (rt *Router) NotFound(h http.Handler) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.notFound = h
}

func (rt *Router) addRoute(prefix string, h http.Handler, forUpgrade bool) {
	if prefix == "" {
		prefix = "/"
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, r := range rt.routes {
		if r.prefix == prefix {
			if forUpgrade {
				r.upgradeHandler = h
			} else {
				r.handler = h
			}
			return
		}
	}
	r := &route{prefix: prefix}
	if forUpgrade {
		r.upgradeHandler = h
	} else {
		r.handler = h
	}
	rt.routes = append(rt.routes, r)
	sort.Slice(rt.routes, func(i, j int) bool {
		return len(rt.routes[i].prefix) > len(rt.routes[j].prefix)
	})
}

// match returns the longest-prefix route for path, or nil.
func (rt *Router) match(path string) *route {
	for _, r := range rt.routes {
		if r.prefix == "/" || r.prefix == path || strings.HasPrefix(path, r.prefix+"/") {
			return r
		}
	}
	return nil
}

// IsUpgradeRequest reports whether r asks the connection to switch
// protocols.
func IsUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, field := range r.Header.Values("Connection") {
		for _, token := range strings.Split(field, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mu.RLock()
	matched := rt.match(r.URL.Path)
	middleware := rt.middleware
	notFound := rt.notFound
	rt.mu.RUnlock()

	if !IsUpgradeRequest(r) {
		h := notFound
		if matched != nil && matched.handler != nil {
			h = matched.handler
		}
		chain(middleware, h).ServeHTTP(w, r)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		rt.logger.Error("transport does not support connection hijacking", "path", r.URL.Path)
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}

	guard := &upgradeWriter{
		inner:    w,
		hijacker: hj,
		logger:   rt.logger,
		path:     r.URL.Path,
	}

	var h http.Handler
	if matched != nil && matched.upgradeHandler != nil {
		h = matched.upgradeHandler
	} else {
		// No upgrade-capable handler: the socket is destroyed, never left
		// hanging.
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guard.destroy("no upgrade handler for path")
		})
	}

	chain(middleware, h).ServeHTTP(guard, r)

	// A handler that neither claimed nor closed the connection would leave
	// the client waiting forever.
	guard.destroy("upgrade left unhandled")
}

func chain(middleware []func(http.Handler) http.Handler, h http.Handler) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

// upgradeWriter guards the response writer during upgrade dispatch. No
// response channel exists for a connection about to switch protocols, so any
// middleware attempt to produce an HTTP response terminates the connection
// instead. The first Hijack claims the connection; later claims fail.
type upgradeWriter struct {
	inner    http.ResponseWriter
	hijacker http.Hijacker
	logger   *slog.Logger
	path     string

	mu        sync.Mutex
	claimed   bool
	destroyed bool
}

func (uw *upgradeWriter) Header() http.Header {
	return uw.inner.Header()
}

func (uw *upgradeWriter) WriteHeader(status int) {
	uw.terminate("middleware attempted response during upgrade", status)
}

func (uw *upgradeWriter) Write(b []byte) (int, error) {
	uw.terminate("middleware attempted body write during upgrade", 0)
	// Pretend success so response-writing middleware completes normally.
	return len(b), nil
}

func (uw *upgradeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	uw.mu.Lock()
	if uw.destroyed {
		uw.mu.Unlock()
		return nil, nil, ErrAlreadyClaimed
	}
	if uw.claimed {
		uw.mu.Unlock()
		uw.logger.Error("second handler attempted to claim upgrade", "path", uw.path, "error", ErrAlreadyClaimed)
		return nil, nil, ErrAlreadyClaimed
	}
	uw.claimed = true
	uw.mu.Unlock()
	return uw.hijacker.Hijack()
}

func (uw *upgradeWriter) terminate(reason string, status int) {
	uw.mu.Lock()
	if uw.claimed || uw.destroyed {
		uw.mu.Unlock()
		return
	}
	uw.destroyed = true
	uw.mu.Unlock()

	if status != 0 {
		uw.logger.Info("terminating upgrade connection", "path", uw.path, "reason", reason, "status", status)
	} else {
		uw.logger.Info("terminating upgrade connection", "path", uw.path, "reason", reason)
	}
	conn, _, err := uw.hijacker.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func (uw *upgradeWriter) destroy(reason string) {
	uw.terminate(reason, 0)
}
