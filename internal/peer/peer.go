// Package peer implements the per-connection state machine. A peer owns
// exactly one TCP connection, runs the handshake, keeps the connection
// alive with heartbeats, and reports lifecycle events to the controller.
//
// All state mutation happens on a single command loop. The socket reader,
// the heartbeat ticker and the heartbeat watchdog never touch peer state
// directly; they post commands to the peer's own mailbox, so inbound
// messages, timer expiries and controller commands are indistinguishable
// at the state machine level and strictly serialized.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/prxssh/meshwire/internal/protocol"
	"github.com/prxssh/meshwire/internal/wire"
)

// State is the peer's position in its connection lifecycle.
type State int

const (
	// StateIdle is the initial and terminal state: no connection.
	StateIdle State = iota
	// StateOutConnecting means an outbound TCP connect is underway.
	StateOutConnecting
	// StateOutHandshaking means CONN_REQ was sent, awaiting CONN_RESP.
	StateOutHandshaking
	// StateOutAlive means the outbound handshake is done.
	StateOutAlive
	// StateInHandshaking means an inbound connection was accepted,
	// awaiting CONN_REQ.
	StateInHandshaking
	// StateInAlive means the inbound handshake is done.
	StateInAlive
	// StateBanned is reserved for future admission policy; nothing
	// transitions into it.
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutConnecting:
		return "out connecting"
	case StateOutHandshaking:
		return "out handshaking"
	case StateOutAlive:
		return "out alive"
	case StateInHandshaking:
		return "in handshaking"
	case StateInAlive:
		return "in alive"
	case StateBanned:
		return "banned"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	errEventChannelClosed = errors.New("peer: controller event channel gone")
	errNoSink             = errors.New("peer: no connection to write to")
)

// Opts carries the identity and tuning a controller hands to each peer.
type Opts struct {
	// ControllerID, Label and ControllerAddr are the owning controller's
	// declared identity, published to remotes during the handshake.
	ControllerID   uuid.UUID
	Label          string
	ControllerAddr netip.AddrPort

	// Events is the channel lifecycle events are reported on.
	Events chan<- Event

	// MailboxSize bounds the command mailbox.
	MailboxSize int

	HeartbeatPeriod  time.Duration
	HeartbeatTimeout time.Duration

	Log *slog.Logger
}

// Peer is one instance of the state machine. Create with New, drive with
// Send, run with Run.
type Peer struct {
	id uuid.UUID

	controllerID   uuid.UUID
	label          string
	controllerAddr netip.AddrPort

	state State

	conn net.Conn
	enc  *wire.Encoder

	// addr is the dialed target for outbound peers; localAddr and
	// remoteAddr are the socket endpoints once connected.
	addr       netip.AddrPort
	localAddr  netip.AddrPort
	remoteAddr netip.AddrPort

	mailbox chan Command
	events  chan<- Event
	stopped atomic.Bool

	// closing guards against re-entering the shutdown sequence while
	// draining the mailbox.
	closing bool

	heartbeatPeriod  time.Duration
	heartbeatTimeout time.Duration
	tickerStop       chan struct{}
	watchdog         *time.Timer

	ctx context.Context
	log *slog.Logger
}

// New creates a peer in the idle state. The peer does nothing until its
// run loop receives a Connect or Listen command.
func New(opts *Opts) *Peer {
	id := uuid.New()
	return &Peer{
		id:               id,
		controllerID:     opts.ControllerID,
		label:            opts.Label,
		controllerAddr:   opts.ControllerAddr,
		state:            StateIdle,
		mailbox:          make(chan Command, opts.MailboxSize),
		events:           opts.Events,
		heartbeatPeriod:  opts.HeartbeatPeriod,
		heartbeatTimeout: opts.HeartbeatTimeout,
		log:              opts.Log.With("peer", shortID(id)),
	}
}

// ID returns the peer's local id, used only inside the process.
func (p *Peer) ID() uuid.UUID { return p.id }

// Send posts a command to the peer's mailbox. It reports false once the
// peer has begun shutting down and no longer accepts commands.
func (p *Peer) Send(cmd Command) bool {
	if p.stopped.Load() {
		return false
	}
	select {
	case p.mailbox <- cmd:
		return true
	case <-time.After(time.Second):
		// A full mailbox for this long means the command loop is
		// wedged or gone; treat like a closed mailbox.
		return false
	}
}

// Run is the peer's command loop. It returns when the peer reaches the
// idle state through termination or disconnection, or when ctx is
// cancelled by the controller.
func (p *Peer) Run(ctx context.Context) error {
	p.ctx = ctx
	p.log.Debug("running")

	for {
		select {
		case <-ctx.Done():
			p.abortTasks()
			return nil
		case cmd := <-p.mailbox:
			if err := p.handleCommand(cmd); err != nil {
				p.log.Warn("command failed, shutting down",
					"command", cmd.String(), "error", err.Error())
				switch p.state {
				case StateInAlive, StateInHandshaking:
					return p.terminate()
				case StateOutAlive, StateOutHandshaking, StateOutConnecting:
					return p.disconnect()
				default:
					return err
				}
			}
			if p.closing {
				return nil
			}
		}
	}
}

func (p *Peer) handleCommand(cmd Command) error {
	switch c := cmd.(type) {
	case Connect:
		return p.connect(c.Addr, c.Attempt)
	case Listen:
		return p.listen(c.Conn)
	case SendConnRequest:
		return p.sendConnRequest()
	case SendConnResponse:
		return p.sendConnResponse(c)
	case FinalizeConn:
		return p.finalizeConn(c)
	case HeartbeatRequest:
		return p.heartbeatRequest()
	case HeartbeatResponse:
		return p.heartbeatResponse(c.Src)
	case HeartbeatTimeout:
		return p.heartbeatTimeoutFired()
	case CancelHeartbeatTimeout:
		return p.cancelHeartbeatTimeout(c.Src)
	case Disconnect:
		if p.state == StateOutConnecting || p.state == StateOutHandshaking || p.state == StateOutAlive {
			return p.disconnect()
		}
		p.ignored(cmd)
	case Terminate:
		if p.state == StateInHandshaking || p.state == StateInAlive {
			return p.terminate()
		}
		p.ignored(cmd)
	default:
		// Contact exchange commands land here until the flow exists.
		p.ignored(cmd)
	}
	return nil
}

func (p *Peer) ignored(cmd Command) {
	p.log.Info("unhandled command", "command", cmd.String(), "state", p.state.String())
}

// connect opens a TCP connection to addr. On failure the controller is
// told via ConnectionError and the state is left unchanged so the address
// can be retried.
func (p *Peer) connect(addr netip.AddrPort, attempt int) error {
	if p.state != StateIdle && p.state != StateOutConnecting {
		return p.sendEvent(InvalidState{
			ID:       p.id,
			Expected: []State{StateIdle, StateOutConnecting},
			Actual:   p.state,
		})
	}

	p.log.Info("connecting", "addr", addr, "attempt", attempt)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		return p.sendEvent(ConnectionError{ID: p.id, Addr: addr, Err: err})
	}

	// A retry opens a fresh socket; drop the previous one if any.
	if p.conn != nil {
		_ = p.conn.Close()
	}

	p.state = StateOutConnecting
	p.addr = addr
	p.attach(conn)
	p.log.Debug("connection open", "local", p.localAddr, "remote", p.remoteAddr)

	return p.sendEvent(Connected{ID: p.id})
}

// listen adopts an accepted inbound connection and starts reading it.
func (p *Peer) listen(conn net.Conn) error {
	if p.state != StateIdle {
		return p.sendEvent(InvalidState{
			ID:       p.id,
			Expected: []State{StateIdle},
			Actual:   p.state,
		})
	}

	p.state = StateInHandshaking
	p.attach(conn)
	p.log.Info("listening", "local", p.localAddr, "remote", p.remoteAddr)

	return p.sendEvent(Listening{ID: p.id})
}

// attach takes ownership of conn, splitting it into the encoder sink and
// the reader task.
func (p *Peer) attach(conn net.Conn) {
	p.conn = conn
	p.enc = wire.NewEncoder(conn)
	if local, err := netip.ParseAddrPort(conn.LocalAddr().String()); err == nil {
		p.localAddr = local
	}
	if remote, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		p.remoteAddr = remote
	}
	go p.readLoop(conn)
}

func (p *Peer) sendConnRequest() error {
	if p.state != StateOutConnecting {
		p.ignored(SendConnRequest{})
		return nil
	}
	p.state = StateOutHandshaking
	return p.write(&protocol.ConnRequest{
		ID:      p.controllerID.String(),
		Label:   p.label,
		Address: p.controllerAddr.String(),
	})
}

func (p *Peer) sendConnResponse(c SendConnResponse) error {
	if p.state != StateInHandshaking {
		p.ignored(c)
		return nil
	}
	if err := p.write(&protocol.ConnResponse{
		ID:    p.controllerID.String(),
		Label: p.label,
	}); err != nil {
		return err
	}

	remoteID, err := uuid.Parse(c.RemoteID)
	if err != nil {
		return fmt.Errorf("peer: remote id %q: %w", c.RemoteID, err)
	}
	remoteAddr, err := netip.ParseAddrPort(c.RemoteAddr)
	if err != nil {
		return fmt.Errorf("peer: remote addr %q: %w", c.RemoteAddr, err)
	}

	p.state = StateInAlive
	return p.sendEvent(InAlive{
		ID:          p.id,
		RemoteID:    remoteID,
		RemoteLabel: c.RemoteLabel,
		RemoteAddr:  remoteAddr,
	})
}

func (p *Peer) finalizeConn(c FinalizeConn) error {
	if p.state != StateOutHandshaking {
		p.ignored(c)
		return nil
	}

	remoteID, err := uuid.Parse(c.RemoteID)
	if err != nil {
		return fmt.Errorf("peer: remote id %q: %w", c.RemoteID, err)
	}

	p.state = StateOutAlive
	if err := p.sendEvent(OutAlive{
		ID:          p.id,
		RemoteID:    remoteID,
		RemoteLabel: c.RemoteLabel,
		RemoteAddr:  p.addr,
	}); err != nil {
		return err
	}

	p.startHeartbeats()
	return nil
}

// startHeartbeats runs the periodic ticker that prompts HBT_REQ sends.
func (p *Peer) startHeartbeats() {
	p.tickerStop = make(chan struct{})
	stop := p.tickerStop
	go func() {
		ticker := time.NewTicker(p.heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !p.Send(HeartbeatRequest{}) {
					return
				}
			}
		}
	}()
}

func (p *Peer) heartbeatRequest() error {
	if p.state != StateOutAlive {
		p.ignored(HeartbeatRequest{})
		return nil
	}
	if err := p.write(protocol.NewHeartbeatRequest(p.id.String(), p.label)); err != nil {
		p.log.Warn("could not send heartbeat request", "error", err.Error())
		return err
	}
	p.log.Debug("sent heartbeat request")
	p.armWatchdog()
	return nil
}

func (p *Peer) heartbeatResponse(src int64) error {
	if p.state != StateInAlive {
		p.ignored(HeartbeatResponse{Src: src})
		return nil
	}
	if err := p.write(protocol.NewHeartbeatResponse(p.controllerID.String(), p.label, src)); err != nil {
		return err
	}
	p.log.Debug("sent heartbeat response")
	p.armWatchdog()
	return nil
}

// armWatchdog (re)schedules the single-shot timeout that fires when the
// connection goes quiet. The previous watchdog, if any, is discarded.
func (p *Peer) armWatchdog() {
	if p.watchdog != nil {
		p.watchdog.Stop()
	}
	p.watchdog = time.AfterFunc(p.heartbeatTimeout, func() {
		p.selfSend(p.log, HeartbeatTimeout{})
	})
}

func (p *Peer) heartbeatTimeoutFired() error {
	switch p.state {
	case StateOutAlive:
		p.log.Warn("heartbeat timeout, disconnecting")
		return p.disconnect()
	case StateInAlive:
		p.log.Warn("heartbeat timeout, terminating")
		return p.terminate()
	default:
		p.ignored(HeartbeatTimeout{})
		return nil
	}
}

func (p *Peer) cancelHeartbeatTimeout(src int64) error {
	if p.state != StateOutAlive {
		p.ignored(CancelHeartbeatTimeout{Src: src})
		return nil
	}
	if p.watchdog == nil {
		p.log.Warn("no heartbeat watchdog to cancel")
		return nil
	}
	p.watchdog.Stop()
	p.watchdog = nil

	rtt := protocol.NowMicros() - src
	return p.sendEvent(ConnectionUpdate{ID: p.id, RTT: rtt})
}

// abortTasks kills the reader (by closing the socket), the heartbeat
// ticker and the watchdog.
func (p *Peer) abortTasks() {
	if p.tickerStop != nil {
		close(p.tickerStop)
		p.tickerStop = nil
	}
	if p.watchdog != nil {
		p.watchdog.Stop()
		p.watchdog = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
		p.enc = nil
	}
}

// drainMailbox refuses new senders, then serves whatever commands are
// already queued through the normal dispatcher. With the socket and timers
// gone, outstanding timeouts and sends degrade to no-ops.
func (p *Peer) drainMailbox() {
	p.stopped.Store(true)
	for {
		select {
		case cmd := <-p.mailbox:
			if err := p.handleCommand(cmd); err != nil {
				p.log.Warn("command failed while draining",
					"command", cmd.String(), "error", err.Error())
			}
		default:
			return
		}
	}
}

// terminate shuts down an inbound peer.
func (p *Peer) terminate() error {
	if p.closing {
		return nil
	}
	p.closing = true
	p.log.Info("terminating")

	p.abortTasks()
	p.drainMailbox()

	p.state = StateIdle
	return p.sendEvent(Terminated{ID: p.id})
}

// disconnect shuts down an outbound peer, handing its address back to the
// controller for reconnection.
func (p *Peer) disconnect() error {
	if p.closing {
		return nil
	}
	p.closing = true
	p.log.Info("disconnecting")

	p.abortTasks()
	p.drainMailbox()

	p.state = StateIdle
	return p.sendEvent(Disconnected{ID: p.id, Addr: p.addr})
}

// write encodes msg onto the connection.
func (p *Peer) write(msg protocol.Message) error {
	if p.enc == nil {
		return errNoSink
	}
	return p.enc.WriteFrame(msg.Frame())
}

// sendEvent reports ev to the controller. Failure to reach the controller
// is fatal to the peer.
func (p *Peer) sendEvent(ev Event) error {
	select {
	case p.events <- ev:
		return nil
	case <-p.ctx.Done():
		return errEventChannelClosed
	}
}

// readLoop is the socket reader task. It decodes frames, translates each
// message into a command, and posts it to the peer's own mailbox. It exits
// when the socket is closed, locally or by the remote.
func (p *Peer) readLoop(conn net.Conn) {
	log := p.log.With("component", "reader")
	dec := wire.NewDecoder(conn)

	for {
		frame, err := dec.ReadFrame()
		if err != nil {
			var frameTypeErr *wire.InvalidFrameTypeError
			var bytesErr *wire.UnexpectedBytesError
			var numErr *wire.InvalidNumericError
			if errors.As(err, &frameTypeErr) || errors.As(err, &bytesErr) || errors.As(err, &numErr) {
				log.Warn("dropping undecodable bytes", "error", err.Error())
				continue
			}
			log.Debug("connection closed", "error", err.Error())
			return
		}

		msg, err := protocol.FromFrame(frame)
		if err != nil {
			log.Warn("dropping undecodable message", "error", err.Error())
			continue
		}

		p.handleMessage(log, msg)
	}
}

// handleMessage translates an inbound message into a self-command.
func (p *Peer) handleMessage(log *slog.Logger, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.ConnRequest:
		log.Info("received connection request", "remote", shortText(m.ID))
		p.selfSend(log, SendConnResponse{
			RemoteID:    m.ID,
			RemoteLabel: m.Label,
			RemoteAddr:  m.Address,
		})
	case *protocol.ConnResponse:
		log.Info("received connection response", "remote", shortText(m.ID))
		p.selfSend(log, FinalizeConn{RemoteID: m.ID, RemoteLabel: m.Label})
	case *protocol.ConnRejection:
		log.Info("received connection rejection", "reason", m.Reason)
	case *protocol.HeartbeatRequest:
		log.Debug("received heartbeat request")
		p.selfSend(log, HeartbeatResponse{Src: m.Src})
	case *protocol.HeartbeatResponse:
		rtt := protocol.NowMicros() - m.Src
		log.Info("received heartbeat response", "remote_label", m.Label, "rtt_us", rtt)
		p.selfSend(log, CancelHeartbeatTimeout{Src: m.Src})
	case *protocol.ContactRequest, *protocol.ContactResponse:
		// Decoded and dropped; the contact exchange flow is a
		// placeholder.
		log.Debug("dropping contact message", "opcode", msg.Opcode())
	}
}

func (p *Peer) selfSend(log *slog.Logger, cmd Command) {
	if !p.Send(cmd) {
		log.Warn("could not post command to own mailbox", "command", cmd.String())
	}
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

func shortText(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
