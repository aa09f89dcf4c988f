package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sarchlab/simbus/peer"
	"github.com/sarchlab/simbus/wire"
)

// JoinDomain starts the acceptors, announces the participant to the
// rendezvous service at registryURI and connects to every participant the
// service knows about. Participants joining later connect to us.
func (c *Connection) JoinDomain(ctx context.Context, registryURI string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	if !c.joined.CompareAndSwap(false, true) {
		return ErrAlreadyJoined
	}

	if err := c.startAcceptors(); err != nil {
		return err
	}

	known := make(chan []wire.PeerInfo, 1)

	c.mu.Lock()
	c.joinWait = known
	c.mu.Unlock()

	registry := peer.New(c.peerOpts, c)

	err := registry.Connect(ctx, wire.PeerInfo{
		ParticipantName: wire.RegistryParticipantName,
		AcceptorURIs:    []string{registryURI},
	})
	if err != nil {
		return err
	}

	e := c.addPeer(registry, true)
	if e == nil {
		registry.Shutdown()
		return ErrClosed
	}

	registry.Start()

	if _, err := c.announce(ctx, e); err != nil {
		return fmt.Errorf("connection: join %s: %w", registryURI, err)
	}

	var infos []wire.PeerInfo
	select {
	case infos = <-known:
	case <-registry.Done():
		return fmt.Errorf("connection: join %s: %w", registryURI, ErrPeerClosed)
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, info := range infos {
		if info.ParticipantName == c.name {
			continue
		}

		if err := c.connectParticipant(ctx, info); err != nil {
			return err
		}
	}

	c.log.WithField("participants", len(infos)).Info("joined simulation domain")

	return nil
}

func (c *Connection) startAcceptors() error {
	var (
		uris      []string
		listeners []net.Listener
		hasLocal  bool
	)

	fail := func(err error) error {
		for _, ln := range listeners {
			ln.Close()
		}

		return err
	}

	for _, s := range c.cfg.AcceptorURIs {
		u, err := peer.ParseURI(s)
		if err != nil {
			return fail(fmt.Errorf("connection: acceptor: %w", err))
		}

		if u.Type == peer.URILocal {
			if !c.cfg.EnableDomainSockets {
				continue
			}

			hasLocal = true
		}

		ln, err := net.Listen(u.Network(), u.Address())
		if err != nil {
			return fail(fmt.Errorf("connection: listen on %s: %w", u, err))
		}

		listeners = append(listeners, ln)
		uris = append(uris, c.advertise(u, ln).String())
	}

	if c.cfg.EnableDomainSockets && !hasLocal {
		path := filepath.Join(os.TempDir(), "simbus-"+c.processID+".sock")

		ln, err := net.Listen("unix", path)
		if err != nil {
			c.log.WithError(err).Warn("local domain socket unavailable, using TCP only")
		} else {
			c.socketPath = path
			listeners = append([]net.Listener{ln}, listeners...)
			uris = append([]string{peer.LocalURI(path).String()}, uris...)
		}
	}

	if len(listeners) == 0 {
		return errors.New("connection: no acceptor configured")
	}

	c.mu.Lock()
	c.listeners = listeners
	c.localInfo.AcceptorURIs = uris
	c.mu.Unlock()

	for _, ln := range listeners {
		c.wg.Add(1)

		go c.acceptLoop(ln)
	}

	c.log.WithField("acceptors", uris).Debug("accepting connections")

	return nil
}

func (c *Connection) advertise(u peer.URI, ln net.Listener) peer.URI {
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return u
	}

	host := u.Host
	if ip := net.ParseIP(host); host == "" || ip != nil && ip.IsUnspecified() {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "127.0.0.1"
		}
	}

	return peer.TCPURI(host, uint16(addr.Port))
}

func (c *Connection) acceptLoop(ln net.Listener) {
	defer c.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if c.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			c.log.WithError(err).Error("accept failed")

			return
		}

		p := peer.NewFromConn(conn, c.peerOpts, c)

		e := c.addPeer(p, false)
		if e == nil {
			p.Shutdown()
			return
		}

		time.AfterFunc(c.handshakeTimeout(), func() {
			if _, announced := c.entryOf(p); !announced && p.State() == peer.Connected {
				c.log.Warn("no announcement received, closing connection")
				p.Shutdown()
			}
		})

		p.Start()
	}
}

func (c *Connection) connectParticipant(ctx context.Context, info wire.PeerInfo) error {
	p := peer.New(c.peerOpts, c)
	if err := p.Connect(ctx, info); err != nil {
		return err
	}

	e := c.addPeer(p, false)
	if e == nil {
		p.Shutdown()
		return ErrClosed
	}

	p.Start()

	reply, err := c.announce(ctx, e)
	if err != nil {
		return err
	}

	return c.completeHandshake(ctx, e, reply)
}

// announce sends our PeerInfo and waits for the reply.
func (c *Connection) announce(
	ctx context.Context,
	e *peerEntry,
) (*wire.ParticipantAnnouncementReply, error) {
	ch := make(chan replyResult, 1)

	c.mu.Lock()
	e.reply = ch
	info := c.localInfo
	c.mu.Unlock()

	e.peer.Send(wire.Encode(&wire.ParticipantAnnouncement{
		Header:   wire.NewRegistryMsgHeader(),
		PeerInfo: info,
	}, wire.CurrentProtocolVersion))

	select {
	case res := <-ch:
		if res.err != nil {
			e.peer.Shutdown()
			return nil, res.err
		}

		if res.reply.Status != wire.StatusSuccess {
			e.peer.Shutdown()

			return nil, &AnnouncementError{
				Participant: e.peer.Name(),
				Header:      res.reply.Header,
			}
		}

		e.peer.SetProtocolVersion(wire.Negotiate(res.reply.Header.Version()))

		return res.reply, nil
	case <-ctx.Done():
		e.peer.Shutdown()
		return nil, ctx.Err()
	}
}

func (c *Connection) completeReply(p *peer.Peer, res replyResult) {
	c.mu.Lock()

	e, ok := c.entries[p.Handle()]
	if !ok || e.peer != p || e.reply == nil {
		c.mu.Unlock()
		c.log.Debug("unexpected announcement reply")

		return
	}

	ch := e.reply
	e.reply = nil

	// The replier may send further frames right behind the reply.
	if res.err == nil && res.reply.Status == wire.StatusSuccess {
		e.announced = true
	}
	c.mu.Unlock()

	ch <- res
}

// completeHandshake runs on the announcing side once the reply arrived: it
// stores the peer's subscribers and announces ours.
func (c *Connection) completeHandshake(
	ctx context.Context,
	e *peerEntry,
	reply *wire.ParticipantAnnouncementReply,
) error {
	name := e.peer.Name()

	c.mu.Lock()
	e.announced = true
	c.byName[name] = e.handle

	var learned []wire.Subscriber

	for _, sub := range reply.Subscribers {
		if c.addRemoteSubLocked(e.handle, sub) {
			learned = append(learned, sub)
		}
	}

	subs := c.localSubscribersLocked()
	waits := c.expectAcksLocked([]*peerEntry{e}, subs)
	connected := c.onPeerConnected
	remote := c.onRemoteSubscription
	c.mu.Unlock()

	for _, sub := range subs {
		e.peer.Send(wire.Encode(&wire.SubscriptionAnnouncement{Subscriber: sub},
			e.peer.ProtocolVersion()))
	}

	c.notifyConnected(e, name, connected, remote, learned)

	for i, w := range waits {
		answered, err := w.wait(ctx)
		if err != nil {
			return err
		}

		if answered && w.status != wire.StatusSuccess {
			c.log.WithField("peer", name).
				Warnf("subscription %s rejected", subs[i])
		}
	}

	c.log.WithField("peer", name).Debug("handshake complete")

	return nil
}

// onAnnouncement runs on the accepting side.
func (c *Connection) onAnnouncement(e *peerEntry, m *wire.ParticipantAnnouncement) {
	info := m.PeerInfo
	name := info.ParticipantName

	c.mu.Lock()

	var reason string

	_, taken := c.byName[name]

	switch {
	case e.announced:
		reason = "repeated announcement"
	case name == "":
		reason = "empty participant name"
	case name == c.name:
		reason = "participant uses our own name"
	case taken:
		reason = "participant name already connected"
	}

	if reason != "" {
		c.mu.Unlock()
		c.log.WithField("peer", name).Warnf("rejecting announcement: %s", reason)
		c.rejectAnnouncement(e.peer)

		return
	}

	e.peer.SetInfo(info)
	e.peer.SetProtocolVersion(wire.Negotiate(m.Header.Version()))
	e.announced = true
	c.byName[name] = e.handle
	subs := c.localSubscribersLocked()
	connected := c.onPeerConnected
	c.mu.Unlock()

	e.peer.Send(wire.Encode(&wire.ParticipantAnnouncementReply{
		Header:      wire.NewRegistryMsgHeader(),
		Status:      wire.StatusSuccess,
		Subscribers: subs,
	}, e.peer.ProtocolVersion()))

	c.notifyConnected(e, name, connected, nil, nil)
}

func (c *Connection) rejectAnnouncement(p *peer.Peer) {
	p.Send(wire.Encode(&wire.ParticipantAnnouncementReply{
		Header: wire.NewRegistryMsgHeader(),
		Status: wire.StatusFailed,
	}, wire.CurrentProtocolVersion))

	go p.DrainBeforeShutdown()
}

func (c *Connection) onKnownParticipants(e *peerEntry, m *wire.KnownParticipants) {
	if !e.registry {
		c.log.Debug("ignoring participant list from a non-registry peer")
		return
	}

	c.mu.Lock()
	for _, info := range m.PeerInfos {
		c.known[info.ParticipantName] = info
	}

	wait := c.joinWait
	c.joinWait = nil
	handlers := c.onKnownParticipant
	c.mu.Unlock()

	if wait != nil {
		wait <- m.PeerInfos
		return
	}

	for _, info := range m.PeerInfos {
		c.log.WithField("peer", info.ParticipantName).Debug("participant joined the domain")

		e.dispatcher.post(func() {
			for _, h := range handlers {
				h(info)
			}
		})
	}
}

func (c *Connection) notifyConnected(
	e *peerEntry,
	name string,
	connected []func(string),
	remote []func(string, wire.Subscriber),
	learned []wire.Subscriber,
) {
	c.log.WithField("peer", name).Info("participant connected")

	e.dispatcher.post(func() {
		for _, h := range connected {
			h(name)
		}

		for _, sub := range learned {
			for _, h := range remote {
				h(name, sub)
			}
		}
	})
}
