package peer

import (
	"net"
	"net/netip"
)

// Command is a message posted to a peer's mailbox. The controller sends
// commands, and the peer's own reader and timer tasks post commands to the
// same mailbox, so all state mutation is serialized through one loop.
type Command interface {
	isCommand()
	String() string
}

type (
	// Connect asks the peer to open a TCP connection to Addr. Attempt is
	// how many times this address has been tried, carried for logging.
	Connect struct {
		Addr    netip.AddrPort
		Attempt int
	}

	// Listen hands the peer an accepted inbound connection.
	Listen struct {
		Conn net.Conn
	}

	// SendConnRequest starts the handshake on an outbound connection.
	SendConnRequest struct{}

	// SendConnResponse answers an inbound handshake with our identity.
	// The remote fields were taken from the CONN_REQ we received.
	SendConnResponse struct {
		RemoteID    string
		RemoteLabel string
		RemoteAddr  string
	}

	// FinalizeConn completes an outbound handshake after CONN_RESP.
	FinalizeConn struct {
		RemoteID    string
		RemoteLabel string
	}

	// HeartbeatRequest tells an OutAlive peer to send an HBT_REQ.
	HeartbeatRequest struct{}

	// HeartbeatResponse tells an InAlive peer to answer an HBT_REQ,
	// echoing the request's source timestamp.
	HeartbeatResponse struct {
		Src int64
	}

	// HeartbeatTimeout fires when no HBT_RESP arrived in time.
	HeartbeatTimeout struct{}

	// CancelHeartbeatTimeout disarms the watchdog after an HBT_RESP
	// arrives. Src is the response's echoed source timestamp, used to
	// measure round-trip time; it is not compared with the last
	// request's timestamp, so any response disarms the pending watchdog.
	CancelHeartbeatTimeout struct {
		Src int64
	}

	// SendContactRequest asks the peer to send a CTCT_REQ to its remote.
	// Reserved; no transition consumes it yet.
	SendContactRequest struct{}

	// RequestContacts asks the peer to fetch contacts from the
	// controller. Reserved.
	RequestContacts struct{}

	// SendContactResponse asks the peer to send a CTCT_RESP with the
	// given addresses. Reserved.
	SendContactResponse struct {
		Addrs []netip.AddrPort
	}

	// UpdateContacts forwards addresses learned from the remote up to
	// the controller. Reserved.
	UpdateContacts struct {
		Addrs []netip.AddrPort
	}

	// Disconnect tears down an outbound peer.
	Disconnect struct{}

	// Terminate tears down an inbound peer.
	Terminate struct{}
)

func (Connect) isCommand()                {}
func (Listen) isCommand()                 {}
func (SendConnRequest) isCommand()        {}
func (SendConnResponse) isCommand()       {}
func (FinalizeConn) isCommand()           {}
func (HeartbeatRequest) isCommand()       {}
func (HeartbeatResponse) isCommand()      {}
func (HeartbeatTimeout) isCommand()       {}
func (CancelHeartbeatTimeout) isCommand() {}
func (SendContactRequest) isCommand()     {}
func (RequestContacts) isCommand()        {}
func (SendContactResponse) isCommand()    {}
func (UpdateContacts) isCommand()         {}
func (Disconnect) isCommand()             {}
func (Terminate) isCommand()              {}

func (Connect) String() string                { return "connect" }
func (Listen) String() string                 { return "listen" }
func (SendConnRequest) String() string        { return "connection request" }
func (SendConnResponse) String() string       { return "connection response" }
func (FinalizeConn) String() string           { return "connection finalization" }
func (HeartbeatRequest) String() string       { return "heartbeat request" }
func (HeartbeatResponse) String() string      { return "heartbeat response" }
func (HeartbeatTimeout) String() string       { return "heartbeat timeout" }
func (CancelHeartbeatTimeout) String() string { return "cancel heartbeat timeout" }
func (SendContactRequest) String() string     { return "contact request" }
func (RequestContacts) String() string        { return "request contacts" }
func (SendContactResponse) String() string    { return "contact response" }
func (UpdateContacts) String() string         { return "update contacts" }
func (Disconnect) String() string             { return "disconnect" }
func (Terminate) String() string              { return "terminate" }
