package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Channel is one side of the parent/child control link. Messages are
// line-delimited JSON; reads are decoupled from the underlying pipe by a
// background goroutine so Receive can honor context cancellation.
type Channel struct {
	reader io.ReadCloser
	writer io.WriteCloser

	writeMu sync.Mutex

	incoming  chan Message
	readErr   error
	errOnce   sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel wraps a read and write stream as a control channel and starts
// the read loop.
func NewChannel(reader io.ReadCloser, writer io.WriteCloser) *Channel {
	ch := &Channel{
		reader:   reader,
		writer:   writer,
		incoming: make(chan Message, 16),
		done:     make(chan struct{}),
	}
	go ch.readLoop()
	return ch
}

func (ch *Channel) readLoop() {
	defer close(ch.incoming)
	scanner := bufio.NewScanner(ch.reader)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			ch.setErr(fmt.Errorf("%w: %v", ErrHandshakeProtocol, err))
			return
		}
		if err := msg.Validate(); err != nil {
			ch.setErr(err)
			return
		}
		select {
		case ch.incoming <- msg:
		case <-ch.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch.setErr(fmt.Errorf("%w: %v", ErrChannelClosed, err))
	} else {
		ch.setErr(ErrChannelClosed)
	}
}

func (ch *Channel) setErr(err error) {
	ch.errOnce.Do(func() { ch.readErr = err })
}

// Receive returns the next message, blocking until one arrives, the channel
// fails, or the context is done.
func (ch *Channel) Receive(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-ch.incoming:
		if !ok {
			return Message{}, ch.readErr
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Send writes a message frame. Safe for concurrent use.
func (ch *Channel) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("supervisor: encode message: %w", err)
	}
	data = append(data, '\n')

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if _, err := ch.writer.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Close tears down both directions of the channel.
func (ch *Channel) Close() error {
	var werr, rerr error
	ch.closeOnce.Do(func() {
		close(ch.done)
		werr = ch.writer.Close()
		rerr = ch.reader.Close()
	})
	if werr != nil {
		return werr
	}
	return rerr
}
