package broker

import "github.com/LiorVainer/mission-center/pkg/protocol"

// Channel is the broker-side handle for one connected client. Implementations
// wrap a live transport connection (a NATS deliver subject, an in-process
// pipe in tests).
//
// Notify must be best-effort and non-blocking: a stuck remote must not stall
// the broker's mutation path. Errors are reported to the broker for logging
// only; they never fail the operation that triggered the send.
type Channel interface {
	// ID uniquely identifies the connection for its lifetime.
	ID() string
	// Notify pushes a server→client notification.
	Notify(event protocol.Event, payload any) error
}
