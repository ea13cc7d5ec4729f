// Package protocol defines the application-level messages exchanged
// between nodes. Each message travels as one array frame whose first
// element is a String opcode.
package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/prxssh/meshwire/internal/wire"
)

const (
	OpConnRequest       = "CONN_REQ"
	OpConnResponse      = "CONN_RESP"
	OpConnRejection     = "CONN_REJECT"
	OpHeartbeatRequest  = "HBT_REQ"
	OpHeartbeatResponse = "HBT_RESP"
	OpContactRequest    = "CTCT_REQ"
	OpContactResponse   = "CTCT_RESP"
)

// Message is one of the protocol's request/response types.
type Message interface {
	// Frame serializes the message into its wire frame.
	Frame() wire.Frame
	// Opcode returns the message's opcode string.
	Opcode() string
}

// UnknownOpcodeError reports an opcode with no registered message type.
type UnknownOpcodeError struct {
	Opcode string
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("protocol: unknown opcode %q", e.Opcode)
}

// FromFrame decodes a message from a top-level frame. The opcode is matched
// case-insensitively; the payload must exhaust the array exactly.
func FromFrame(f wire.Frame) (Message, error) {
	parse, err := wire.NewParse(f)
	if err != nil {
		return nil, err
	}
	opcode, err := parse.NextString()
	if err != nil {
		return nil, err
	}

	var msg Message
	switch strings.ToUpper(opcode) {
	case OpConnRequest:
		msg, err = parseConnRequest(parse)
	case OpConnResponse:
		msg, err = parseConnResponse(parse)
	case OpConnRejection:
		msg, err = parseConnRejection(parse)
	case OpHeartbeatRequest:
		msg, err = parseHeartbeatRequest(parse)
	case OpHeartbeatResponse:
		msg, err = parseHeartbeatResponse(parse)
	case OpContactRequest:
		msg, err = parseContactRequest(parse)
	case OpContactResponse:
		msg, err = parseContactResponse(parse)
	default:
		return nil, &UnknownOpcodeError{Opcode: opcode}
	}
	if err != nil {
		return nil, err
	}
	if err := parse.Finish(); err != nil {
		return nil, err
	}
	return msg, nil
}

// ConnRequest opens the handshake. It carries the initiator controller's
// identity: its id, label and declared listen address. The responder
// reports the address to its controller; it does not dial it.
type ConnRequest struct {
	ID      string
	Label   string
	Address string
}

func (m *ConnRequest) Opcode() string { return OpConnRequest }

func (m *ConnRequest) Frame() wire.Frame {
	return wire.ArrayFrame(
		wire.StringFrame(OpConnRequest),
		wire.StringFrame(m.ID),
		wire.StringFrame(m.Label),
		wire.StringFrame(m.Address),
	)
}

func parseConnRequest(p *wire.Parse) (Message, error) {
	id, err := p.NextString()
	if err != nil {
		return nil, err
	}
	label, err := p.NextString()
	if err != nil {
		return nil, err
	}
	address, err := p.NextString()
	if err != nil {
		return nil, err
	}
	return &ConnRequest{ID: id, Label: label, Address: address}, nil
}

// ConnResponse completes the handshake from the responder's side.
type ConnResponse struct {
	ID    string
	Label string
}

func (m *ConnResponse) Opcode() string { return OpConnResponse }

func (m *ConnResponse) Frame() wire.Frame {
	return wire.ArrayFrame(
		wire.StringFrame(OpConnResponse),
		wire.StringFrame(m.ID),
		wire.StringFrame(m.Label),
	)
}

func parseConnResponse(p *wire.Parse) (Message, error) {
	id, err := p.NextString()
	if err != nil {
		return nil, err
	}
	label, err := p.NextString()
	if err != nil {
		return nil, err
	}
	return &ConnResponse{ID: id, Label: label}, nil
}

// ConnRejection refuses a connection attempt with a human-readable reason.
type ConnRejection struct {
	ID     string
	Reason string
}

func (m *ConnRejection) Opcode() string { return OpConnRejection }

func (m *ConnRejection) Frame() wire.Frame {
	return wire.ArrayFrame(
		wire.StringFrame(OpConnRejection),
		wire.StringFrame(m.ID),
		wire.StringFrame(m.Reason),
	)
}

func parseConnRejection(p *wire.Parse) (Message, error) {
	id, err := p.NextString()
	if err != nil {
		return nil, err
	}
	reason, err := p.NextString()
	if err != nil {
		return nil, err
	}
	return &ConnRejection{ID: id, Reason: reason}, nil
}

// HeartbeatRequest probes connection health. Src is the sender's clock in
// microseconds since the Unix epoch; the responder echoes it back so the
// sender can measure round-trip time.
type HeartbeatRequest struct {
	ID    string
	Label string
	Src   int64
}

// NewHeartbeatRequest stamps a request with the current time.
func NewHeartbeatRequest(id, label string) *HeartbeatRequest {
	return &HeartbeatRequest{ID: id, Label: label, Src: NowMicros()}
}

func (m *HeartbeatRequest) Opcode() string { return OpHeartbeatRequest }

func (m *HeartbeatRequest) Frame() wire.Frame {
	return wire.ArrayFrame(
		wire.StringFrame(OpHeartbeatRequest),
		wire.StringFrame(m.ID),
		wire.StringFrame(m.Label),
		wire.IntFrame(m.Src),
	)
}

func parseHeartbeatRequest(p *wire.Parse) (Message, error) {
	id, err := p.NextString()
	if err != nil {
		return nil, err
	}
	label, err := p.NextString()
	if err != nil {
		return nil, err
	}
	src, err := p.NextInteger()
	if err != nil {
		return nil, err
	}
	return &HeartbeatRequest{ID: id, Label: label, Src: src}, nil
}

// HeartbeatResponse answers a HeartbeatRequest. Src is copied from the
// request; Dst is the responder's clock at send time.
type HeartbeatResponse struct {
	ID    string
	Label string
	Src   int64
	Dst   int64
}

// NewHeartbeatResponse echoes src and stamps the response with the current
// time.
func NewHeartbeatResponse(id, label string, src int64) *HeartbeatResponse {
	return &HeartbeatResponse{ID: id, Label: label, Src: src, Dst: NowMicros()}
}

func (m *HeartbeatResponse) Opcode() string { return OpHeartbeatResponse }

func (m *HeartbeatResponse) Frame() wire.Frame {
	return wire.ArrayFrame(
		wire.StringFrame(OpHeartbeatResponse),
		wire.StringFrame(m.ID),
		wire.StringFrame(m.Label),
		wire.IntFrame(m.Src),
		wire.IntFrame(m.Dst),
	)
}

func parseHeartbeatResponse(p *wire.Parse) (Message, error) {
	id, err := p.NextString()
	if err != nil {
		return nil, err
	}
	label, err := p.NextString()
	if err != nil {
		return nil, err
	}
	src, err := p.NextInteger()
	if err != nil {
		return nil, err
	}
	dst, err := p.NextInteger()
	if err != nil {
		return nil, err
	}
	return &HeartbeatResponse{ID: id, Label: label, Src: src, Dst: dst}, nil
}

// ContactRequest asks the remote for its known peer addresses. Defined on
// the wire as a future extension point; no state transition consumes it.
type ContactRequest struct{}

func (m *ContactRequest) Opcode() string { return OpContactRequest }

func (m *ContactRequest) Frame() wire.Frame {
	return wire.ArrayFrame(wire.StringFrame(OpContactRequest))
}

func parseContactRequest(*wire.Parse) (Message, error) {
	return &ContactRequest{}, nil
}

// ContactResponse carries a count-prefixed list of textual peer addresses.
// Defined on the wire as a future extension point.
type ContactResponse struct {
	Addrs []string
}

func (m *ContactResponse) Opcode() string { return OpContactResponse }

func (m *ContactResponse) Frame() wire.Frame {
	frames := make([]wire.Frame, 0, 2+len(m.Addrs))
	frames = append(frames,
		wire.StringFrame(OpContactResponse),
		wire.UintFrame(uint64(len(m.Addrs))),
	)
	for _, addr := range m.Addrs {
		frames = append(frames, wire.StringFrame(addr))
	}
	return wire.ArrayFrame(frames...)
}

func parseContactResponse(p *wire.Parse) (Message, error) {
	count, err := p.NextUnsigned()
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, count)
	for range count {
		addr, err := p.NextString()
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return &ContactResponse{Addrs: addrs}, nil
}

// NowMicros returns the current time in microseconds since the Unix epoch,
// the resolution heartbeat timestamps are exchanged in.
func NowMicros() int64 {
	return time.Now().UnixMicro()
}
