package protocol

import (
	"errors"
	"reflect"
	"testing"

	"github.com/prxssh/meshwire/internal/wire"
)

func TestMessage_RoundTrips(t *testing.T) {
	messages := []Message{
		&ConnRequest{ID: "id", Label: "bob", Address: "[::1]:8000"},
		&ConnResponse{ID: "id", Label: "bob"},
		&ConnRejection{ID: "id", Reason: "table full"},
		&HeartbeatRequest{ID: "id", Label: "bob", Src: 1690000000000001},
		&HeartbeatResponse{ID: "id", Label: "bob", Src: 1690000000000001, Dst: 1690000000000420},
		&ContactRequest{},
		&ContactResponse{Addrs: []string{"[::1]:8090", "[::1]:8085"}},
	}

	for _, msg := range messages {
		decoded, err := FromFrame(msg.Frame())
		if err != nil {
			t.Fatalf("FromFrame(%s): %v", msg.Opcode(), err)
		}
		if !reflect.DeepEqual(decoded, msg) {
			t.Fatalf("%s round-trip mismatch: %#v != %#v", msg.Opcode(), decoded, msg)
		}
	}
}

func TestMessage_ContactResponseEmpty(t *testing.T) {
	decoded, err := FromFrame((&ContactResponse{Addrs: []string{}}).Frame())
	if err != nil {
		t.Fatalf("FromFrame: %v", err)
	}
	resp, ok := decoded.(*ContactResponse)
	if !ok {
		t.Fatalf("decoded %T", decoded)
	}
	if len(resp.Addrs) != 0 {
		t.Fatalf("addrs = %v", resp.Addrs)
	}
}

func TestMessage_OpcodeCaseInsensitive(t *testing.T) {
	f := wire.ArrayFrame(
		wire.StringFrame("conn_req"),
		wire.StringFrame("id"),
		wire.StringFrame("bob"),
		wire.StringFrame("127.0.0.1:9001"),
	)
	msg, err := FromFrame(f)
	if err != nil {
		t.Fatalf("FromFrame: %v", err)
	}
	req, ok := msg.(*ConnRequest)
	if !ok {
		t.Fatalf("decoded %T, want *ConnRequest", msg)
	}
	if req.ID != "id" || req.Label != "bob" || req.Address != "127.0.0.1:9001" {
		t.Fatalf("decoded %#v", req)
	}
}

func TestMessage_UnknownOpcode(t *testing.T) {
	_, err := FromFrame(wire.ArrayFrame(wire.StringFrame("NOPE")))
	var unknown *UnknownOpcodeError
	if !errors.As(err, &unknown) {
		t.Fatalf("got %v, want UnknownOpcodeError", err)
	}
	if unknown.Opcode != "NOPE" {
		t.Fatalf("opcode = %q", unknown.Opcode)
	}
}

func TestMessage_TrailingFrameRejected(t *testing.T) {
	f := wire.ArrayFrame(
		wire.StringFrame("CONN_RESP"),
		wire.StringFrame("id"),
		wire.StringFrame("bob"),
		wire.StringFrame("extra"),
	)
	if _, err := FromFrame(f); !errors.Is(err, wire.ErrUnexpectedFrame) {
		t.Fatalf("got %v, want ErrUnexpectedFrame", err)
	}
}

func TestMessage_PayloadTypeMismatch(t *testing.T) {
	f := wire.ArrayFrame(
		wire.StringFrame("HBT_REQ"),
		wire.StringFrame("id"),
		wire.StringFrame("bob"),
		wire.UintFrame(42), // src must be a signed integer frame
	)
	var mismatch *wire.TypeMismatchError
	if _, err := FromFrame(f); !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want TypeMismatchError", err)
	}
}

// The handshake opener is byte-exact on the wire: a four-element String
// array.
func TestConnRequest_WireBytes(t *testing.T) {
	msg := &ConnRequest{ID: "a1b2", Label: "alice", Address: "127.0.0.1:9001"}
	got := string(msg.Frame().Append(nil))
	want := "*4\r\n+CONN_REQ\r\n+a1b2\r\n+alice\r\n+127.0.0.1:9001\r\n"
	if got != want {
		t.Fatalf("wire bytes = %q, want %q", got, want)
	}
}

func TestNewHeartbeatRequest_StampsCurrentTime(t *testing.T) {
	before := NowMicros()
	req := NewHeartbeatRequest("id", "bob")
	after := NowMicros()
	if req.Src < before || req.Src > after {
		t.Fatalf("src %d outside [%d, %d]", req.Src, before, after)
	}
}

func TestNewHeartbeatResponse_EchoesSrc(t *testing.T) {
	resp := NewHeartbeatResponse("id", "bob", 777)
	if resp.Src != 777 {
		t.Fatalf("src = %d, want 777", resp.Src)
	}
	if resp.Dst == 0 {
		t.Fatal("dst not stamped")
	}
}
