package controller

import (
	"context"
	"net/netip"
	"sync"

	"github.com/google/uuid"

	"github.com/prxssh/meshwire/internal/peer"
)

// AddrInfo is an address the controller wants to be connected to, plus the
// number of times it has been attempted. Set membership is by address
// only; the attempt count is mutable metadata.
type AddrInfo struct {
	Addr    netip.AddrPort
	Attempt int
}

// ConnInfo identifies the remote end of an established connection,
// populated once the handshake completes.
type ConnInfo struct {
	Addr  netip.AddrPort `json:"addr"`
	ID    uuid.UUID      `json:"id"`
	Label string         `json:"label"`
}

// idleState is the set of addresses waiting for the reconnect loop,
// keyed by address.
type idleState struct {
	mu    sync.Mutex
	addrs map[netip.AddrPort]AddrInfo
}

func newIdleState() *idleState {
	return &idleState{addrs: make(map[netip.AddrPort]AddrInfo)}
}

func (s *idleState) insert(info AddrInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[info.Addr] = info
}

func (s *idleState) remove(addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.addrs, addr)
}

func (s *idleState) snapshot() []AddrInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]AddrInfo, 0, len(s.addrs))
	for _, info := range s.addrs {
		infos = append(infos, info)
	}
	return infos
}

func (s *idleState) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.addrs)
}

// outgoingState tracks outbound peers: attempting holds those between
// Connect and OutAlive, connected those alive.
type outgoingState struct {
	mu         sync.Mutex
	attempting map[uuid.UUID]AddrInfo
	connected  map[uuid.UUID]ConnInfo
}

func newOutgoingState() *outgoingState {
	return &outgoingState{
		attempting: make(map[uuid.UUID]AddrInfo),
		connected:  make(map[uuid.UUID]ConnInfo),
	}
}

// tryAttempt registers id as attempting unless the in-flight limit is
// already reached.
func (s *outgoingState) tryAttempt(id uuid.UUID, info AddrInfo, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.attempting) >= limit {
		return false
	}
	s.attempting[id] = info
	return true
}

func (s *outgoingState) dropAttempt(id uuid.UUID) (AddrInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.attempting[id]
	delete(s.attempting, id)
	return info, ok
}

// promote moves id from attempting to connected.
func (s *outgoingState) promote(id uuid.UUID, info ConnInfo) (AddrInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrInfo, ok := s.attempting[id]
	delete(s.attempting, id)
	s.connected[id] = info
	return addrInfo, ok
}

func (s *outgoingState) dropConnected(id uuid.UUID) (ConnInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.connected[id]
	delete(s.connected, id)
	return info, ok
}

func (s *outgoingState) attemptingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempting)
}

func (s *outgoingState) connectedInfos() []ConnInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]ConnInfo, 0, len(s.connected))
	for _, info := range s.connected {
		infos = append(infos, info)
	}
	return infos
}

// incomingState tracks inbound peers that completed their handshake.
type incomingState struct {
	mu        sync.Mutex
	connected map[uuid.UUID]ConnInfo
}

func newIncomingState() *incomingState {
	return &incomingState{connected: make(map[uuid.UUID]ConnInfo)}
}

func (s *incomingState) insert(id uuid.UUID, info ConnInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected[id] = info
}

func (s *incomingState) remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connected, id)
}

func (s *incomingState) connectedInfos() []ConnInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]ConnInfo, 0, len(s.connected))
	for _, info := range s.connected {
		infos = append(infos, info)
	}
	return infos
}

// peerHandle is what the controller keeps per live peer: a way to post
// commands and a way to abort its run loop.
type peerHandle struct {
	peer   *peer.Peer
	cancel context.CancelFunc
}

// roster is the table of live peers by local id.
type roster struct {
	mu    sync.Mutex
	peers map[uuid.UUID]peerHandle
}

func newRoster() *roster {
	return &roster{peers: make(map[uuid.UUID]peerHandle)}
}

func (r *roster) insert(id uuid.UUID, h peerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = h
}

func (r *roster) get(id uuid.UUID) (peerHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.peers[id]
	return h, ok
}

// reap removes id and returns its handle so the caller can abort the peer
// outside the lock.
func (r *roster) reap(id uuid.UUID) (peerHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.peers[id]
	delete(r.peers, id)
	return h, ok
}

func (r *roster) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
