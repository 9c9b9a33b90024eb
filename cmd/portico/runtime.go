package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/porticohq/portico/socketproxy"
)

// relayRuntime bridges the TLS front to the editor process. Plain requests
// reverse-proxy to the editor's loopback surface; upgraded sockets are handed
// off through the rendezvous proxy because a negotiated TLS stream cannot
// cross the process boundary directly.
type relayRuntime struct {
	upstream string
	provider *socketproxy.Provider
	proxy    *httputil.ReverseProxy
	client   *http.Client
	logger   *slog.Logger
}

// rendezvousNotice tells the editor process where to collect a waiting
// socket.
type rendezvousNotice struct {
	SocketPath string `json:"socketPath"`
	Identifier string `json:"identifier"`
	Path       string `json:"path"`
	Protocol   string `json:"protocol"`
}

func newRelayRuntime(upstream string, provider *socketproxy.Provider, logger *slog.Logger) *relayRuntime {
	target := &url.URL{Scheme: "http", Host: upstream}
	return &relayRuntime{
		upstream: upstream,
		provider: provider,
		proxy:    httputil.NewSingleHostReverseProxy(target),
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With("component", "RelayRuntime"),
	}
}

func (rt *relayRuntime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.proxy.ServeHTTP(w, r)
}

// HandleUpgrade takes ownership of the socket and parks it at the rendezvous
// listener, then tells the editor process to come collect it. If the editor
// never does, the match timeout destroys the pending connection.
func (rt *relayRuntime) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		rt.logger.Error("upgrade writer cannot hijack")
		return
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		rt.logger.Error("hijack failed", "error", err)
		return
	}

	// Bytes the HTTP layer read past the request headers belong to the
	// upgraded stream; replay them ahead of the raw connection.
	if n := brw.Reader.Buffered(); n > 0 {
		head, err := brw.Reader.Peek(n)
		if err != nil {
			rt.logger.Error("drain buffered head bytes", "error", err)
			conn.Close()
			return
		}
		conn = newHeadConn(conn, append([]byte(nil), head...))
	}

	id, err := rt.provider.Proxy(conn)
	if err != nil {
		rt.logger.Error("rendezvous registration failed", "error", err)
		conn.Close()
		return
	}

	notice := rendezvousNotice{
		SocketPath: rt.provider.Path(),
		Identifier: id,
		Path:       r.URL.Path,
		Protocol:   r.Header.Get("Upgrade"),
	}
	body, err := json.Marshal(notice)
	if err != nil {
		rt.logger.Error("encode rendezvous notice", "error", err)
		return
	}
	resp, err := rt.client.Post(
		fmt.Sprintf("http://%s/rendezvous", rt.upstream),
		"application/json", bytes.NewReader(body))
	if err != nil {
		// The pending connection expires on its own.
		rt.logger.Warn("editor process unreachable for rendezvous", "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		rt.logger.Warn("editor rejected rendezvous notice", "status", resp.StatusCode)
	}
}

// headConn prepends already-buffered bytes to a hijacked connection so the
// editor process sees the stream exactly as the client sent it.
type headConn struct {
	net.Conn
	reader io.Reader
}

func newHeadConn(conn net.Conn, head []byte) *headConn {
	return &headConn{Conn: conn, reader: io.MultiReader(bytes.NewReader(head), conn)}
}

func (c *headConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// CloseWrite keeps half-close semantics through the wrapper.
func (c *headConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
