package socketproxy

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestProvider(t *testing.T, matchTimeout time.Duration) *Provider {
	p, err := NewProvider(Config{MatchTimeout: matchTimeout})
	if err != nil {
		t.Fatalf("NewProvider returned error: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// tcpPair returns the two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept timed out")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestByteTransparency(t *testing.T) {
	p := newTestProvider(t, 5*time.Second)
	client, server := tcpPair(t)

	id, err := p.Proxy(server)
	if err != nil {
		t.Fatalf("Proxy returned error: %v", err)
	}
	worker, err := Dial(p.Path(), id)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer worker.Close()

	if _, err := worker.Write([]byte("HELLO")); err != nil {
		t.Fatalf("worker write: %v", err)
	}
	buf := make([]byte, 5)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf) != "HELLO" {
		t.Errorf("client received %q, want HELLO", buf)
	}

	// Reverse direction with a payload large enough to span many reads.
	payload := make([]byte, 64*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}
	go func() {
		client.Write(payload)
	}()
	got := make([]byte, len(payload))
	worker.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(worker, got); err != nil {
		t.Fatalf("worker read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload corrupted in transit")
	}
}

func TestMatchTimeoutDestroysPending(t *testing.T) {
	p := newTestProvider(t, 50*time.Millisecond)
	client, server := tcpPair(t)

	if _, err := p.Proxy(server); err != nil {
		t.Fatalf("Proxy returned error: %v", err)
	}
	if got := p.PendingCount(); got != 1 {
		t.Fatalf("expected 1 pending connection, got %d", got)
	}

	time.Sleep(300 * time.Millisecond)

	if got := p.PendingCount(); got != 0 {
		t.Errorf("expected pending connection to be cleaned up, got %d", got)
	}
	// The registered socket was destroyed, so its peer sees EOF.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("expected read on abandoned connection to fail")
	}
}

func TestUnknownIdentifierIsRejected(t *testing.T) {
	p := newTestProvider(t, 200*time.Millisecond)

	conn, err := Dial(p.Path(), uuid.New().String())
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected mismatched connection to be closed")
	}
}

func TestDialRejectsMalformedIdentifier(t *testing.T) {
	p := newTestProvider(t, time.Second)
	if _, err := Dial(p.Path(), "short"); err == nil {
		t.Error("expected error for identifier of wrong length")
	}
}

func TestHalfCloseIsPreserved(t *testing.T) {
	p := newTestProvider(t, 5*time.Second)
	client, server := tcpPair(t)

	id, err := p.Proxy(server)
	if err != nil {
		t.Fatalf("Proxy returned error: %v", err)
	}
	worker, err := Dial(p.Path(), id)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer worker.Close()

	// Worker finishes sending but keeps reading.
	if _, err := worker.Write([]byte("done")); err != nil {
		t.Fatalf("worker write: %v", err)
	}
	if err := worker.(*net.UnixConn).CloseWrite(); err != nil {
		t.Fatalf("worker CloseWrite: %v", err)
	}

	buf := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("client should see EOF after worker half-close, got %v", err)
	}

	// The reverse direction must still be open.
	if _, err := client.Write([]byte("ack!")); err != nil {
		t.Fatalf("client write after peer half-close: %v", err)
	}
	got := make([]byte, 4)
	worker.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(worker, got); err != nil {
		t.Fatalf("worker read after half-close: %v", err)
	}
	if string(got) != "ack!" {
		t.Errorf("worker received %q, want ack!", got)
	}
}

// TestEndToEndTLS exercises the full flow: a client opens TLS to the listener
// process, which decrypts and registers the plaintext stream; the worker
// process connects to the rendezvous path with the identifier and writes
// through it; the client observes exactly those bytes.
func TestEndToEndTLS(t *testing.T) {
	p := newTestProvider(t, 5*time.Second)

	cert := selfSignedCert(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	defer ln.Close()

	ids := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		id, err := p.Proxy(conn)
		if err != nil {
			conn.Close()
			return
		}
		ids <- id
	}()

	client, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	defer client.Close()

	var id string
	select {
	case id = <-ids:
	case <-time.After(5 * time.Second):
		t.Fatal("rendezvous identifier never produced")
	}

	worker, err := Dial(p.Path(), id)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer worker.Close()

	if _, err := worker.Write([]byte("HELLO")); err != nil {
		t.Fatalf("worker write: %v", err)
	}
	buf := make([]byte, 5)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf) != "HELLO" {
		t.Errorf("client received %q, want HELLO", buf)
	}
}

func selfSignedCert(t *testing.T) tls.Certificate {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	return cert
}
