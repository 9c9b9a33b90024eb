// Package socketproxy bridges sockets whose encryption was terminated in one
// process to sockets in another process. An already-negotiated TLS connection
// cannot cross a process boundary, so the provider runs a rendezvous listener
// on a filesystem path: the consuming process connects and presents a shared
// identifier, and the provider splices the two streams together.
package socketproxy

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Rendezvous identifiers are UUID strings; exactly this many bytes are read
// before passthrough begins.
const idLength = 36

const (
	defaultMatchTimeout = 5 * time.Second
	pathProbeAttempts   = 10
)

var (
	// ErrRendezvousTimeout means no connection presented the identifier
	// within the match timeout.
	ErrRendezvousTimeout = errors.New("socketproxy: rendezvous timed out")
	// ErrRendezvousMismatch means a connection presented an identifier with
	// no pending counterpart.
	ErrRendezvousMismatch = errors.New("socketproxy: no pending connection for identifier")
	// ErrClosed means the provider has been shut down.
	ErrClosed = errors.New("socketproxy: provider closed")
)

// Config holds configuration options for the Provider.
type Config struct {
	MatchTimeout time.Duration // Optional, defaults to 5s
	Logger       *slog.Logger  // Optional, defaults to slog.Default()
}

type pendingConn struct {
	src   net.Conn
	timer *time.Timer
}

// Provider owns a rendezvous listener and the set of connections awaiting a
// match. Each instance probes its own socket path, so concurrent providers
// never collide.
type Provider struct {
	mu sync.Mutex

	path         string
	listener     net.Listener
	matchTimeout time.Duration
	logger       *slog.Logger

	pending map[string]*pendingConn
	active  map[net.Conn]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewProvider binds a rendezvous listener to an unused filesystem path and
// starts accepting connections.
func NewProvider(config Config) (*Provider, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	matchTimeout := config.MatchTimeout
	if matchTimeout == 0 {
		matchTimeout = defaultMatchTimeout
	}

	p := &Provider{
		matchTimeout: matchTimeout,
		logger:       logger.With("component", "SocketProxy"),
		pending:      make(map[string]*pendingConn),
		active:       make(map[net.Conn]struct{}),
	}

	var lastErr error
	for attempt := 0; attempt < pathProbeAttempts; attempt++ {
		path := filepath.Join(os.TempDir(), fmt.Sprintf("portico-proxy-%d-%s.sock", os.Getpid(), randomSuffix()))
		if _, err := os.Stat(path); err == nil {
			continue // name in use, probe again
		}
		listener, err := net.Listen("unix", path)
		if err != nil {
			lastErr = err
			continue
		}
		p.path = path
		p.listener = listener
		break
	}
	if p.listener == nil {
		return nil, fmt.Errorf("socketproxy: no usable rendezvous path after %d attempts: %w", pathProbeAttempts, lastErr)
	}

	p.wg.Add(1)
	go p.acceptLoop()
	p.logger.Debug("rendezvous listener started", "path", p.path)
	return p, nil
}

// Path returns the rendezvous socket path for the consuming process.
func (p *Provider) Path() string {
	return p.path
}

// Proxy registers src for cross-process delivery and returns the identifier
// the consuming process must present. If no connection presents it within the
// match timeout, src is destroyed and the attempt logged as failed. At most
// one live pairing exists per identifier.
func (p *Provider) Proxy(src net.Conn) (string, error) {
	id := uuid.New().String()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	pc := &pendingConn{src: src}
	pc.timer = time.AfterFunc(p.matchTimeout, func() { p.expire(id) })
	p.pending[id] = pc
	p.mu.Unlock()

	return id, nil
}

// PendingCount reports how many registered connections are still awaiting a
// match.
func (p *Provider) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close shuts down the listener, destroys all pending connections, and
// removes the socket file.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	err := p.listener.Close()
	for id, pc := range p.pending {
		pc.timer.Stop()
		pc.src.Close()
		delete(p.pending, id)
	}
	for conn := range p.active {
		conn.Close()
	}
	p.mu.Unlock()

	p.wg.Wait()
	os.Remove(p.path)
	return err
}

// Dial is the consuming-side half of the protocol: connect to a rendezvous
// path and write the identifier. Everything after the identifier is unframed
// passthrough.
func Dial(path, id string) (net.Conn, error) {
	if len(id) != idLength {
		return nil, fmt.Errorf("socketproxy: identifier must be %d bytes, got %d", idLength, len(id))
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("socketproxy: dial rendezvous path: %w", err)
	}
	if _, err := conn.Write([]byte(id)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socketproxy: write identifier: %w", err)
	}
	return conn, nil
}

func (p *Provider) expire(id string) {
	p.mu.Lock()
	pc, ok := p.pending[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pending, id)
	p.mu.Unlock()

	pc.src.Close()
	p.logger.Warn("rendezvous attempt abandoned", "id", id, "timeout", p.matchTimeout, "error", ErrRendezvousTimeout)
}

func (p *Provider) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return // listener closed
		}
		p.wg.Add(1)
		go p.handleConn(conn)
	}
}

// handleConn reads the identifier from a freshly accepted connection and
// splices it with the matching pending source.
func (p *Provider) handleConn(conn net.Conn) {
	defer p.wg.Done()

	conn.SetReadDeadline(time.Now().Add(p.matchTimeout))
	buf := make([]byte, idLength)
	if _, err := io.ReadFull(conn, buf); err != nil {
		conn.Close()
		p.logger.Warn("rendezvous connection sent no identifier", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	id := string(buf)
	p.mu.Lock()
	pc, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if !ok {
		conn.Close()
		p.logger.Warn("rendezvous identifier not recognized", "error", ErrRendezvousMismatch)
		return
	}
	pc.timer.Stop()
	p.logger.Debug("rendezvous matched", "id", id)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pc.src.Close()
		conn.Close()
		return
	}
	p.active[pc.src] = struct{}{}
	p.active[conn] = struct{}{}
	p.mu.Unlock()

	splice(pc.src, conn)

	p.mu.Lock()
	delete(p.active, pc.src)
	delete(p.active, conn)
	p.mu.Unlock()
}

type closeWriter interface {
	CloseWrite() error
}

// splice pipes bytes between a and b until both directions finish. EOF on one
// side half-closes the other, preserving half-duplex semantics; a read or
// write error force-destroys both sides.
func splice(a, b net.Conn) {
	var destroy sync.Once
	var wg sync.WaitGroup
	copyHalf := func(dst, src net.Conn) {
		defer wg.Done()
		_, err := io.Copy(dst, src)
		if err != nil {
			destroy.Do(func() {
				a.Close()
				b.Close()
			})
			return
		}
		if cw, ok := dst.(closeWriter); ok {
			cw.CloseWrite()
		} else {
			dst.Close()
		}
	}
	wg.Add(2)
	go copyHalf(b, a)
	go copyHalf(a, b)
	wg.Wait()
	a.Close()
	b.Close()
}

func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
