// Package rendezvous implements the well-known discovery service that
// participants announce themselves to.
package rendezvous

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/simbus/hooking"
	"github.com/sarchlab/simbus/peer"
	"github.com/sarchlab/simbus/wire"
	"github.com/sirupsen/logrus"
)

// HookPosParticipantAnnounced is triggered with the accepted PeerInfo as
// Item.
var HookPosParticipantAnnounced = &hooking.HookPos{Name: "ParticipantAnnounced"}

// HookPosParticipantLeft is triggered with the PeerInfo of a participant
// whose connection closed.
var HookPosParticipantLeft = &hooking.HookPos{Name: "ParticipantLeft"}

type participant struct {
	info wire.PeerInfo
	peer *peer.Peer
}

// Service is the rendezvous service.
type Service struct {
	hooking.HookableBase

	opts peer.Options
	log  *logrus.Entry

	listener net.Listener
	closed   atomic.Bool
	wg       sync.WaitGroup

	mu           sync.Mutex
	peers        map[*peer.Peer]bool
	participants map[string]*participant
	order        []string
}

// Builder can build rendezvous services.
type Builder struct {
	opts peer.Options
	log  *logrus.Entry
}

// MakeBuilder creates a Builder with default peer options.
func MakeBuilder() Builder {
	return Builder{opts: peer.DefaultOptions()}
}

// WithPeerOptions sets the options of accepted connections.
func (b Builder) WithPeerOptions(opts peer.Options) Builder {
	b.opts = opts
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log *logrus.Entry) Builder {
	b.log = log
	return b
}

// Build creates the service. It does not listen until Start is called.
func (b Builder) Build() *Service {
	log := b.log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	log = log.WithField("component", "rendezvous")
	opts := b.opts
	opts.Logger = log

	return &Service{
		opts:         opts,
		log:          log,
		peers:        make(map[*peer.Peer]bool),
		participants: make(map[string]*participant),
	}
}

// Start listens on listenURI and returns the URI participants should use.
func (s *Service) Start(listenURI string) (string, error) {
	u, err := peer.ParseURI(listenURI)
	if err != nil {
		return "", err
	}

	if u.Type != peer.URITCP {
		return "", fmt.Errorf("rendezvous: %s is not a TCP address", listenURI)
	}

	ln, err := net.Listen("tcp", u.Address())
	if err != nil {
		return "", fmt.Errorf("rendezvous: listen: %w", err)
	}

	s.listener = ln

	host := u.Host
	if host == "" {
		host = "localhost"
	}

	advertised := peer.URI{
		Type:   peer.URITCP,
		Scheme: peer.RegistryScheme,
		Host:   host,
		Port:   uint16(ln.Addr().(*net.TCPAddr).Port),
	}

	s.wg.Add(1)

	go s.acceptLoop()

	s.log.WithField("uri", advertised.String()).Info("rendezvous service listening")

	return advertised.String(), nil
}

// Stop closes the listener and every connection.
func (s *Service) Stop() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	if s.listener != nil {
		s.listener.Close()
	}

	s.wg.Wait()

	s.mu.Lock()
	peers := make([]*peer.Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.Shutdown()
	}

	s.log.Info("rendezvous service stopped")
}

// KnownParticipants returns the announced participants in announcement
// order.
func (s *Service) KnownParticipants() []wire.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]wire.PeerInfo, 0, len(s.order))
	for _, name := range s.order {
		infos = append(infos, s.participants[name].info)
	}

	return infos
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			s.log.WithError(err).Error("accept failed")

			return
		}

		p := peer.NewFromConn(conn, s.opts, s)

		s.mu.Lock()
		s.peers[p] = false
		s.mu.Unlock()

		time.AfterFunc(s.handshakeTimeout(), func() {
			s.mu.Lock()
			announced := s.peers[p]
			s.mu.Unlock()

			if !announced && p.State() == peer.Connected {
				s.log.Warn("no announcement received, closing connection")
				p.Shutdown()
			}
		})

		p.Start()
	}
}

func (s *Service) handshakeTimeout() time.Duration {
	if s.opts.ConnectTimeout > 0 {
		return s.opts.ConnectTimeout
	}

	return peer.DefaultConnectTimeout
}

// OnFrame handles one frame from a participant. Nothing a participant sends
// can stop the service; the worst outcome is that its connection is closed.
func (s *Service) OnFrame(p *peer.Peer, body []byte) {
	payload, err := wire.Decode(body, p.ProtocolVersion())
	if err != nil {
		var vme *wire.VersionMismatchError
		if errors.As(err, &vme) && vme.RegistryKind == wire.RegistryParticipantAnnouncement {
			s.log.WithError(err).Error("rejecting participant with incompatible protocol version")
			s.reject(p)

			return
		}

		s.log.WithError(err).Error("malformed frame, closing connection")
		p.Shutdown()

		return
	}

	ann, ok := payload.(*wire.ParticipantAnnouncement)
	if !ok {
		s.mu.Lock()
		announced := s.peers[p]
		s.mu.Unlock()

		if !announced {
			s.log.Warnf("%s frame before announcement, closing connection", payload.Kind())
			p.Shutdown()
		}

		return
	}

	s.onAnnouncement(p, ann)
}

func (s *Service) onAnnouncement(p *peer.Peer, m *wire.ParticipantAnnouncement) {
	info := m.PeerInfo
	log := s.log.WithField("peer", info.ParticipantName)

	s.mu.Lock()

	var reason string

	switch {
	case s.peers[p]:
		reason = "repeated announcement"
	case info.ParticipantName == "":
		reason = "empty participant name"
	case info.ParticipantName == wire.RegistryParticipantName:
		reason = "reserved participant name"
	case s.participants[info.ParticipantName] != nil:
		reason = "participant name already in use"
	}

	if reason != "" {
		s.mu.Unlock()
		log.Warnf("rejecting announcement: %s", reason)
		s.reject(p)

		return
	}

	others := make([]wire.PeerInfo, 0, len(s.order))
	otherPeers := make([]*peer.Peer, 0, len(s.order))

	for _, name := range s.order {
		other := s.participants[name]
		others = append(others, other.info)
		otherPeers = append(otherPeers, other.peer)
	}

	p.SetInfo(info)
	p.SetProtocolVersion(wire.Negotiate(m.Header.Version()))
	s.peers[p] = true
	s.participants[info.ParticipantName] = &participant{info: info, peer: p}
	s.order = append(s.order, info.ParticipantName)

	// Sends are queued under the lock so that every participant sees the
	// announcements in the same order.
	p.Send(wire.Encode(&wire.ParticipantAnnouncementReply{
		Header: wire.NewRegistryMsgHeader(),
		Status: wire.StatusSuccess,
	}, wire.CurrentProtocolVersion))

	p.Send(wire.Encode(&wire.KnownParticipants{
		Header:    wire.HeaderFor(p.ProtocolVersion()),
		PeerInfos: others,
	}, wire.CurrentProtocolVersion))

	for _, other := range otherPeers {
		other.Send(wire.Encode(&wire.KnownParticipants{
			Header:    wire.HeaderFor(other.ProtocolVersion()),
			PeerInfos: []wire.PeerInfo{info},
		}, wire.CurrentProtocolVersion))
	}

	s.mu.Unlock()

	log.WithField("known", len(others)).Info("participant announced")

	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    HookPosParticipantAnnounced,
		Item:   info,
	})
}

func (s *Service) reject(p *peer.Peer) {
	p.Send(wire.Encode(&wire.ParticipantAnnouncementReply{
		Header: wire.NewRegistryMsgHeader(),
		Status: wire.StatusFailed,
	}, wire.CurrentProtocolVersion))

	go p.DrainBeforeShutdown()
}

// OnPeerShutdown forgets the participant behind p.
func (s *Service) OnPeerShutdown(p *peer.Peer) {
	s.mu.Lock()

	announced, ok := s.peers[p]
	delete(s.peers, p)

	var info wire.PeerInfo

	left := false
	if ok && announced {
		name := p.Name()
		if entry := s.participants[name]; entry != nil && entry.peer == p {
			info = entry.info
			left = true

			delete(s.participants, name)

			for i, n := range s.order {
				if n == name {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		}
	}
	s.mu.Unlock()

	if !left {
		return
	}

	s.log.WithField("peer", info.ParticipantName).Info("participant left")

	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    HookPosParticipantLeft,
		Item:   info,
	})
}
