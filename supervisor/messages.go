package supervisor

import "fmt"

// protocolVersion guards against a parent and child built from different
// releases talking past each other.
const protocolVersion = 1

// Kind identifies a control channel message.
type Kind string

const (
	// KindParentHandshake is sent parent-to-child after spawn, carrying the
	// argument vector the child should serve with.
	KindParentHandshake Kind = "parentHandshake"
	// KindChildHandshake is the child's acknowledgement that it is listening.
	KindChildHandshake Kind = "childHandshake"
	// KindRelaunch asks the parent to restart the child with fresh arguments.
	KindRelaunch Kind = "relaunch"
	// KindChildOutput carries a captured child output line back to the child,
	// Args holding the source stream and the line.
	KindChildOutput Kind = "childOutput"
)

// Message is one frame on the control channel, line-delimited JSON on the
// pipe pair between parent and child.
type Message struct {
	Kind    Kind     `json:"kind"`
	Args    []string `json:"args,omitempty"`
	Version int      `json:"version"`
}

// Validate checks a received message against the protocol.
func (m Message) Validate() error {
	switch m.Kind {
	case KindParentHandshake, KindChildHandshake, KindRelaunch, KindChildOutput:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrHandshakeProtocol, m.Kind)
	}
	if m.Version != protocolVersion {
		return fmt.Errorf("%w: version %d, expected %d", ErrHandshakeProtocol, m.Version, protocolVersion)
	}
	return nil
}

// NewMessage builds a message of the given kind at the current protocol
// version.
func NewMessage(kind Kind, args []string) Message {
	return Message{Kind: kind, Args: args, Version: protocolVersion}
}
