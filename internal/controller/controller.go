// Package controller implements the node-wide singleton that owns the
// peer roster and keeps the node connected: it accepts inbound
// connections, drives the reconnect loop for outbound ones, and reconciles
// peer lifecycle events against its tables.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/prxssh/meshwire/internal/config"
	"github.com/prxssh/meshwire/internal/peer"
)

const (
	// Mailbox sizes for peers created by the reconnect loop and the
	// accept loop, and the controller's own event channel.
	outboundMailboxSize = 32
	inboundMailboxSize  = 64
	eventChannelSize    = 32

	reconnectInterval = time.Second
	statusInterval    = 5 * time.Second
)

// BindErrorFatal is returned by Run when the listen socket could not be
// bound; the process should exit non-zero.
type BindErrorFatal struct {
	Addr netip.AddrPort
	Err  error
}

func (e *BindErrorFatal) Error() string {
	return fmt.Sprintf("controller: cannot bind %s: %v", e.Addr, e.Err)
}

// Controller owns the roster of peers and the three connection-state
// tables. Each table is guarded independently so the accept, reconnect,
// status and event paths do not contend.
type Controller struct {
	id    uuid.UUID
	label string
	addr  netip.AddrPort
	cfg   config.Controller

	peers    *roster
	idle     *idleState
	outgoing *outgoingState
	incoming *incomingState

	// events is the peer → controller channel. Each peer gets the send
	// end; the event loop drains it.
	events chan peer.Event

	log     *slog.Logger
	peerLog *slog.Logger
}

// summary is the periodic status document logged by the status loop.
type summary struct {
	Controller ConnInfo   `json:"controller"`
	Incoming   []ConnInfo `json:"incoming"`
	Outgoing   []ConnInfo `json:"outgoing"`
}

// New creates a controller with a fresh node id, resolving the listen
// address from configuration.
func New(label string, cfg config.Controller, log *slog.Logger) (*Controller, error) {
	ip, err := netip.ParseAddr(cfg.Listen.Addr)
	if err != nil {
		return nil, fmt.Errorf("controller: listen address %q: %w", cfg.Listen.Addr, err)
	}

	c := &Controller{
		id:       uuid.New(),
		label:    label,
		addr:     netip.AddrPortFrom(ip, cfg.Listen.Port),
		cfg:      cfg,
		peers:    newRoster(),
		idle:     newIdleState(),
		outgoing: newOutgoingState(),
		incoming: newIncomingState(),
		events:   make(chan peer.Event, eventChannelSize),
		log:      log.With("component", "controller"),
		peerLog:  log,
	}
	return c, nil
}

// ID returns the controller's network identity.
func (c *Controller) ID() uuid.UUID { return c.id }

// Addr returns the resolved listen address.
func (c *Controller) Addr() netip.AddrPort { return c.addr }

// Initialize seeds the idle set from the configured peer file.
func (c *Controller) Initialize() error {
	path := resolvePeerFilePath(c.cfg.Target.File)
	addrs, err := loadPeerFile(path)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		c.idle.insert(AddrInfo{Addr: addr})
	}
	c.log.Info("initialized", "targets", len(addrs), "peer_file", path)
	return nil
}

// Run starts the accept, reconnect and status loops and then dispatches
// peer events until ctx is cancelled or a fatal startup error occurs. A
// single peer failure never stops the controller.
func (c *Controller) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.acceptLoop(gctx) })
	g.Go(func() error { return c.reconnectLoop(gctx) })
	g.Go(func() error { return c.statusLoop(gctx) })
	g.Go(func() error { return c.eventLoop(gctx) })

	return g.Wait()
}

// spawnPeer creates a peer, registers it in the roster, and starts its run
// loop under a cancellable context derived from ctx.
func (c *Controller) spawnPeer(ctx context.Context, mailboxSize int) *peer.Peer {
	p := peer.New(&peer.Opts{
		ControllerID:     c.id,
		Label:            c.label,
		ControllerAddr:   c.addr,
		Events:           c.events,
		MailboxSize:      mailboxSize,
		HeartbeatPeriod:  time.Duration(c.cfg.Peers.HeartbeatPeriod) * time.Second,
		HeartbeatTimeout: time.Duration(c.cfg.Peers.HeartbeatTimeout) * time.Second,
		Log:              c.peerLog,
	})

	pctx, cancel := context.WithCancel(ctx)
	c.peers.insert(p.ID(), peerHandle{peer: p, cancel: cancel})

	go func() {
		if err := p.Run(pctx); err != nil {
			c.log.Warn("peer run loop failed", "peer", p.ID(), "error", err.Error())
		}
	}()

	return p
}

// reapPeer aborts a peer's run loop and drops it from the roster.
func (c *Controller) reapPeer(id uuid.UUID) {
	if h, ok := c.peers.reap(id); ok {
		h.cancel()
	}
}

// acceptLoop binds the listen socket and turns every accepted connection
// into a new inbound peer. A bind failure is reported as a BindError event
// and ends the loop.
func (c *Controller) acceptLoop(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.addr.String())
	if err != nil {
		select {
		case c.events <- peer.BindError{Addr: c.addr, Err: err}:
		case <-ctx.Done():
		}
		return nil
	}
	defer ln.Close()

	// Unblock Accept when the controller is shutting down.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	c.log.Info("listening", "addr", c.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("accept failed", "error", err.Error())
			continue
		}

		p := c.spawnPeer(ctx, inboundMailboxSize)
		if !p.Send(peer.Listen{Conn: conn}) {
			c.log.Error("could not send listen command", "peer", p.ID())
			conn.Close()
			c.reapPeer(p.ID())
		}
	}
}

// reconnectLoop walks the idle set every second. Each address is handed to
// a freshly spawned peer unless the in-flight attempt limit is reached, in
// which case it stays idle for the next tick.
func (c *Controller) reconnectLoop(ctx context.Context) error {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.reconnectTick(ctx)
		}
	}
}

func (c *Controller) reconnectTick(ctx context.Context) {
	limit := c.cfg.Outgoing.MaxSimultaneousConnAttempts

	for _, info := range c.idle.snapshot() {
		if c.outgoing.attemptingLen() >= limit {
			c.log.Warn("too many simultaneous connection attempts", "addr", info.Addr)
			continue
		}

		p := c.spawnPeer(ctx, outboundMailboxSize)

		next := AddrInfo{Addr: info.Addr, Attempt: info.Attempt + 1}
		if !c.outgoing.tryAttempt(p.ID(), next, limit) {
			c.reapPeer(p.ID())
			continue
		}

		if !p.Send(peer.Connect{Addr: next.Addr, Attempt: next.Attempt}) {
			// Revert: the address stays idle and the slot is freed.
			c.log.Error("could not send connect command", "peer", p.ID(), "addr", info.Addr)
			c.outgoing.dropAttempt(p.ID())
			c.reapPeer(p.ID())
			continue
		}

		c.log.Info("starting peer", "peer", p.ID(), "addr", next.Addr, "attempt", next.Attempt)
		c.idle.remove(info.Addr)
	}
}

// statusLoop logs a JSON summary of the node's connections every 5 s.
func (c *Controller) statusLoop(ctx context.Context) error {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			doc := summary{
				Controller: ConnInfo{Addr: c.addr, ID: c.id, Label: c.label},
				Incoming:   c.incoming.connectedInfos(),
				Outgoing:   c.outgoing.connectedInfos(),
			}
			out, err := json.Marshal(doc)
			if err != nil {
				c.log.Error("could not marshal status", "error", err.Error())
				continue
			}
			c.log.Info("status", "summary", json.RawMessage(out))
		}
	}
}

// eventLoop reconciles peer lifecycle events against the controller
// tables. It only returns an error for fatal startup failures.
func (c *Controller) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			if err := c.handleEvent(ev); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) handleEvent(ev peer.Event) error {
	switch e := ev.(type) {
	case peer.BindError:
		c.log.Error("cannot bind listen address", "addr", e.Addr, "error", e.Err.Error())
		c.log.Error("check the network.controller.listen configuration section")
		return &BindErrorFatal{Addr: e.Addr, Err: e.Err}

	case peer.InvalidState:
		c.log.Error("peer is not in its expected state",
			"peer", e.ID, "actual", e.Actual.String(), "expected", statesString(e.Expected))

	case peer.Connected:
		// The outbound TCP connection is up; start the handshake.
		c.log.Info("peer connected", "peer", e.ID)
		h, ok := c.peers.get(e.ID)
		if !ok {
			c.log.Error("unknown peer id", "peer", e.ID)
			return nil
		}
		if !h.peer.Send(peer.SendConnRequest{}) {
			c.log.Error("could not send connection request command", "peer", e.ID)
		}

	case peer.Listening:
		c.log.Info("peer listening", "peer", e.ID)

	case peer.OutAlive:
		c.log.Info("outbound connection is live", "remote_label", e.RemoteLabel, "remote", e.RemoteAddr)
		if _, ok := c.outgoing.promote(e.ID, ConnInfo{
			Addr:  e.RemoteAddr,
			ID:    e.RemoteID,
			Label: e.RemoteLabel,
		}); !ok {
			c.log.Warn("out-alive peer was not attempting", "peer", e.ID)
		}

	case peer.InAlive:
		c.log.Info("inbound connection is live", "remote_label", e.RemoteLabel, "remote", e.RemoteAddr)
		c.incoming.insert(e.ID, ConnInfo{
			Addr:  e.RemoteAddr,
			ID:    e.RemoteID,
			Label: e.RemoteLabel,
		})

	case peer.ConnectionError:
		// Hand the address back to the reconnect loop, attempt count
		// intact, and reap the failed peer.
		c.log.Warn("peer cannot connect", "peer", e.ID, "addr", e.Addr, "error", e.Err.Error())
		if info, ok := c.outgoing.dropAttempt(e.ID); ok {
			c.idle.insert(info)
		} else {
			c.log.Warn("failed peer was not attempting", "peer", e.ID)
		}
		c.reapPeer(e.ID)

	case peer.ConnectionUpdate:
		c.log.Debug("connection health", "peer", e.ID, "rtt_us", e.RTT)

	case peer.Disconnected:
		// The address goes back to idle with a fresh attempt count so
		// the reconnect loop re-establishes the link.
		c.log.Info("peer disconnected", "peer", e.ID, "addr", e.Addr)
		addr := e.Addr
		if info, ok := c.outgoing.dropConnected(e.ID); ok {
			addr = info.Addr
		} else if info, ok := c.outgoing.dropAttempt(e.ID); ok {
			// The peer died before its handshake completed.
			addr = info.Addr
		}
		if addr.IsValid() {
			c.idle.insert(AddrInfo{Addr: addr})
		}
		c.reapPeer(e.ID)

	case peer.Terminated:
		c.log.Info("peer terminated", "peer", e.ID)
		c.incoming.remove(e.ID)
		c.reapPeer(e.ID)
	}
	return nil
}

func statesString(states []peer.State) string {
	out := ""
	for i, s := range states {
		if i > 0 {
			out += " or "
		}
		out += s.String()
	}
	return out
}
