package peer

import (
	"net/netip"

	"github.com/google/uuid"
)

// Event is a lifecycle notification sent from a peer to the controller.
type Event interface {
	isEvent()
}

type (
	// BindError reports that the listen socket could not be bound. It is
	// fatal to the controller.
	BindError struct {
		Addr netip.AddrPort
		Err  error
	}

	// InvalidState reports a command that arrived while the peer was not
	// in a state that can accept it.
	InvalidState struct {
		ID       uuid.UUID
		Expected []State
		Actual   State
	}

	// Connected reports a successful outbound TCP connection, about to
	// start handshaking.
	Connected struct {
		ID uuid.UUID
	}

	// Listening reports that an inbound peer is reading its connection.
	Listening struct {
		ID uuid.UUID
	}

	// OutAlive reports a completed outbound handshake.
	OutAlive struct {
		ID          uuid.UUID
		RemoteID    uuid.UUID
		RemoteLabel string
		RemoteAddr  netip.AddrPort
	}

	// InAlive reports a completed inbound handshake.
	InAlive struct {
		ID          uuid.UUID
		RemoteID    uuid.UUID
		RemoteLabel string
		RemoteAddr  netip.AddrPort
	}

	// ConnectionError reports a failed outbound TCP connection attempt.
	ConnectionError struct {
		ID   uuid.UUID
		Addr netip.AddrPort
		Err  error
	}

	// ConnectionUpdate reports the latest measured heartbeat round-trip
	// time, in microseconds. Only outbound peers send it.
	ConnectionUpdate struct {
		ID  uuid.UUID
		RTT int64
	}

	// Disconnected reports that an outbound peer has shut down and its
	// address should be retried.
	Disconnected struct {
		ID   uuid.UUID
		Addr netip.AddrPort
	}

	// Terminated reports that an inbound peer has shut down.
	Terminated struct {
		ID uuid.UUID
	}
)

func (BindError) isEvent()        {}
func (InvalidState) isEvent()     {}
func (Connected) isEvent()        {}
func (Listening) isEvent()        {}
func (OutAlive) isEvent()         {}
func (InAlive) isEvent()          {}
func (ConnectionError) isEvent()  {}
func (ConnectionUpdate) isEvent() {}
func (Disconnected) isEvent()     {}
func (Terminated) isEvent()       {}
