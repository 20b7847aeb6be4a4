// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pipeline

// A Transport carries messages between two peers. Send is fire-and-forget at
// the transport level; correlating replies with calls is the job of the
// client.
//
// The methods of an implementation must be safe for concurrent use by one
// receiver and multiple senders.
type Transport interface {
	// Send delivers msg to the remote peer, or queues it for delivery.
	Send(msg *Message) error

	// Recv blocks until the next message from the remote peer is available.
	// If a frame could not be decoded but the transport is still usable, Recv
	// reports an error matching ErrParse, and the caller may continue.
	Recv() (*Message, error)

	// Close closes the transport. Any pending or subsequent Recv must report
	// an error, conventionally net.ErrClosed.
	Close() error
}

// A StateNotifier is a Transport that maintains a persistent connection and
// reports changes in its state.
type StateNotifier interface {
	Transport

	// OnStateChange registers f to be called with each new state.
	OnStateChange(f func(State))
}

// State is the connection state of a persistent transport.
type State int

const (
	StateConnecting   State = iota // dialing for the first time
	StateOpen                      // connected; sends are written directly
	StateReconnecting              // connection lost; sends are queued
	StateClosing                   // Close has been called
	StateClosed                    // terminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
