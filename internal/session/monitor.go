package session

import (
	"github.com/patrickmn/go-cache"

	"github.com/gnunet-go/cadet/internal/channel"
	"github.com/gnunet-go/cadet/internal/identity"
)

// PeerInfo is one result row of GetPeers/GetPeer.
type PeerInfo struct {
	ID identity.PeerID
}

// ChannelInfo is one result row of GetChannel.
type ChannelInfo struct {
	ID    uint32
	Peer  identity.PeerID
	State channel.State
}

// PeerCallback receives each PeerInfo in turn; a nil argument is the
// NULL-sentinel end-of-list marker spec.md §4.5 requires.
type PeerCallback func(info *PeerInfo)

// TunnelCallback receives each TunnelSnapshot in turn, NULL-terminated.
type TunnelCallback func(info *TunnelSnapshot)

// ChannelCallback receives each ChannelInfo in turn, NULL-terminated.
type ChannelCallback func(info *ChannelInfo)

// reserveQuery implements "at most one info request of each kind active
// at once": kind is de-duplicated in a short-lived go-cache entry, mirroring
// the teacher's controller/server.go request-counting pattern repurposed
// from rate-limiting to single-flight enforcement.
func (s *Session) reserveQuery(kind string) (release func(), err error) {
	if _, found := s.dedup.Get(kind); found {
		return nil, ErrQueryInFlight
	}
	s.dedup.Set(kind, true, cache.DefaultExpiration)
	return func() { s.dedup.Delete(kind) }, nil
}

// GetPeers implements get_peers(): streams one PeerInfo per peer with a
// live tunnel, terminated by a nil callback invocation.
func (s *Session) GetPeers(cb PeerCallback) error {
	release, err := s.reserveQuery("get_peers")
	if err != nil {
		return err
	}
	defer release()

	mgr, err := s.manager()
	if err != nil {
		return err
	}
	for _, p := range mgr.Peers() {
		cb(&PeerInfo{ID: p})
	}
	cb(nil)
	return nil
}

// GetPeer implements get_peer(peer): a single-result variant of GetPeers.
func (s *Session) GetPeer(peer identity.PeerID, cb PeerCallback) error {
	release, err := s.reserveQuery("get_peer")
	if err != nil {
		return err
	}
	defer release()

	mgr, err := s.manager()
	if err != nil {
		return err
	}
	if _, ok := mgr.Tunnel(peer); ok {
		cb(&PeerInfo{ID: peer})
	}
	cb(nil)
	return nil
}

// GetTunnels implements get_tunnels(): streams a TunnelSnapshot per known
// tunnel, NULL-terminated.
func (s *Session) GetTunnels(cb TunnelCallback) error {
	release, err := s.reserveQuery("get_tunnels")
	if err != nil {
		return err
	}
	defer release()

	mgr, err := s.manager()
	if err != nil {
		return err
	}
	for _, snap := range mgr.Tunnels() {
		snap := snap
		cb(&snap)
	}
	cb(nil)
	return nil
}

// GetTunnel implements get_tunnel(peer): a single-result variant.
func (s *Session) GetTunnel(peer identity.PeerID, cb TunnelCallback) error {
	release, err := s.reserveQuery("get_tunnel")
	if err != nil {
		return err
	}
	defer release()

	mgr, err := s.manager()
	if err != nil {
		return err
	}
	if snap, ok := mgr.Tunnel(peer); ok {
		cb(&snap)
	}
	cb(nil)
	return nil
}

// GetChannel implements get_channel(): streams every locally tracked
// channel mirror, NULL-terminated.
func (s *Session) GetChannel(cb ChannelCallback) error {
	release, err := s.reserveQuery("get_channel")
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.manager(); err != nil {
		return err
	}

	s.mu.Lock()
	entries := make([]*channelEntry, 0, len(s.channels))
	for _, e := range s.channels {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		cb(&ChannelInfo{ID: e.ch.ID, Peer: e.peer, State: e.ch.State()})
	}
	cb(nil)
	return nil
}
