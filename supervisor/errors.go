package supervisor

import "errors"

var (
	// ErrHandshakeTimeout means the child failed to complete the startup
	// handshake within the configured window.
	ErrHandshakeTimeout = errors.New("supervisor: handshake timed out")

	// ErrHandshakeProtocol means a message on the control channel was
	// malformed or out of sequence.
	ErrHandshakeProtocol = errors.New("supervisor: handshake protocol violation")

	// ErrSpawnFailure means the child process could not be launched.
	ErrSpawnFailure = errors.New("supervisor: child spawn failed")

	// ErrChannelClosed means the control channel is no longer usable.
	ErrChannelClosed = errors.New("supervisor: control channel closed")
)
