package supervisor

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// channelPair builds two connected channels over os pipes, plus the raw
// write end feeding side A for injecting malformed frames.
func channelPair(t *testing.T) (*Channel, *Channel, *os.File) {
	t.Helper()
	aRead, bWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	bRead, aWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	a := NewChannel(aRead, aWrite)
	b := NewChannel(bRead, bWrite)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b, bWrite
}

func TestChannelRoundtrip(t *testing.T) {
	a, b, _ := channelPair(t)

	sent := NewMessage(KindParentHandshake, []string{"--workspace", "/tmp/w"})
	if err := b.Send(sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.Kind != KindParentHandshake {
		t.Errorf("expected parentHandshake, got %q", got.Kind)
	}
	if len(got.Args) != 2 || got.Args[1] != "/tmp/w" {
		t.Errorf("args not preserved: %v", got.Args)
	}
}

func TestChannelRejectsMalformedFrame(t *testing.T) {
	a, _, rawWrite := channelPair(t)

	if _, err := rawWrite.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("raw write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.Receive(ctx); !errors.Is(err, ErrHandshakeProtocol) {
		t.Errorf("expected ErrHandshakeProtocol, got %v", err)
	}
}

func TestChannelRejectsUnknownKind(t *testing.T) {
	a, _, rawWrite := channelPair(t)

	if _, err := rawWrite.Write([]byte(`{"kind":"reboot","version":1}` + "\n")); err != nil {
		t.Fatalf("raw write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.Receive(ctx); !errors.Is(err, ErrHandshakeProtocol) {
		t.Errorf("expected ErrHandshakeProtocol, got %v", err)
	}
}

func TestChannelRejectsVersionMismatch(t *testing.T) {
	a, _, rawWrite := channelPair(t)

	if _, err := rawWrite.Write([]byte(`{"kind":"parentHandshake","version":99}` + "\n")); err != nil {
		t.Fatalf("raw write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.Receive(ctx); !errors.Is(err, ErrHandshakeProtocol) {
		t.Errorf("expected ErrHandshakeProtocol, got %v", err)
	}
}

func TestReceiveHonorsContextCancellation(t *testing.T) {
	a, _, _ := channelPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := a.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestReceiveAfterPeerClose(t *testing.T) {
	a, b, _ := channelPair(t)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.Receive(ctx); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
}

func TestBufferedMessagesSurviveWriterClose(t *testing.T) {
	a, b, _ := channelPair(t)

	if err := b.Send(NewMessage(KindRelaunch, []string{"--fresh"})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Give the read loop a moment to buffer the frame before the close.
	time.Sleep(50 * time.Millisecond)
	b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg.Kind != KindRelaunch {
		t.Errorf("expected relaunch, got %q", msg.Kind)
	}
}
