package connection

import (
	"context"
	"errors"

	"github.com/sarchlab/simbus/hooking"
	"github.com/sarchlab/simbus/peer"
	"github.com/sarchlab/simbus/wire"
)

type pendingAck struct {
	peer   string
	ch     chan wire.Status
	status wire.Status
}

// wait blocks until the peer answered or went away. It reports whether an
// answer arrived.
func (w *pendingAck) wait(ctx context.Context) (bool, error) {
	select {
	case s, ok := <-w.ch:
		if !ok {
			return false, nil
		}

		w.status = s

		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// OnFrame decodes and routes one frame read by p.
func (c *Connection) OnFrame(p *peer.Peer, body []byte) {
	payload, err := wire.Decode(body, p.ProtocolVersion())
	if err != nil {
		c.onDecodeError(p, err)
		return
	}

	e, announced := c.entryOf(p)
	if e == nil {
		return
	}

	switch m := payload.(type) {
	case *wire.ParticipantAnnouncement:
		c.onAnnouncement(e, m)
		return
	case *wire.ParticipantAnnouncementReply:
		c.completeReply(p, replyResult{reply: m})
		return
	}

	if !announced {
		c.log.Warnf("%s frame before the handshake completed, closing connection",
			payload.Kind())
		p.Shutdown()

		return
	}

	switch m := payload.(type) {
	case *wire.KnownParticipants:
		c.onKnownParticipants(e, m)
	case *wire.SubscriptionAnnouncement:
		c.onSubscriptionAnnouncement(e, m)
	case *wire.SubscriptionAcknowledge:
		c.onSubscriptionAcknowledge(e, m)
	case *wire.ChannelMessage:
		c.onChannelMessage(e, m)
	}
}

func (c *Connection) onDecodeError(p *peer.Peer, err error) {
	log := c.log.WithError(err)
	if name := p.Name(); name != "" {
		log = log.WithField("peer", name)
	}

	var vme *wire.VersionMismatchError
	if !errors.As(err, &vme) {
		log.Error("malformed frame, closing connection")
		p.Shutdown()

		return
	}

	log.Error("incompatible protocol version, closing connection")

	switch vme.RegistryKind {
	case wire.RegistryParticipantAnnouncement:
		c.rejectAnnouncement(p)
		return
	case wire.RegistryParticipantAnnouncementReply:
		c.completeReply(p, replyResult{err: err})
	}

	p.Shutdown()
}

func (c *Connection) onSubscriptionAnnouncement(e *peerEntry, m *wire.SubscriptionAnnouncement) {
	sub := m.Subscriber
	name := e.peer.Name()

	c.mu.Lock()
	status := wire.StatusFailed
	if c.addRemoteSubLocked(e.handle, sub) {
		status = wire.StatusSuccess
	}
	handlers := c.onRemoteSubscription
	c.mu.Unlock()

	e.peer.Send(wire.Encode(&wire.SubscriptionAcknowledge{
		Status:     status,
		Subscriber: sub,
	}, e.peer.ProtocolVersion()))

	if status != wire.StatusSuccess {
		c.log.WithField("peer", name).
			Warnf("refusing subscription %s: local type version differs", sub)

		return
	}

	e.dispatcher.post(func() {
		for _, h := range handlers {
			h(name, sub)
		}
	})
}

func (c *Connection) onSubscriptionAcknowledge(e *peerEntry, m *wire.SubscriptionAcknowledge) {
	key := ackKey{handle: e.handle, idx: m.Subscriber.ReceiverIdx}

	c.mu.Lock()
	waiters := c.pendingAcks[key]
	if len(waiters) == 0 {
		c.mu.Unlock()
		c.log.WithField("peer", e.peer.Name()).Debugf("unexpected acknowledge for %s", m.Subscriber)

		return
	}

	ch := waiters[0]
	if len(waiters) == 1 {
		delete(c.pendingAcks, key)
	} else {
		c.pendingAcks[key] = waiters[1:]
	}
	c.mu.Unlock()

	ch <- m.Status
}

// addRemoteSubLocked records a remote receiver unless we know the message
// type under another version.
func (c *Connection) addRemoteSubLocked(handle int, sub wire.Subscriber) bool {
	if v, ok := c.msgTypes[sub.MsgTypeName]; ok && v != sub.Version {
		return false
	}

	key := subKey{sub.NetworkName, sub.MsgTypeName}

	targets, ok := c.remoteSubs[key]
	if !ok {
		targets = make(map[int]remoteTarget)
		c.remoteSubs[key] = targets
	}

	targets[handle] = remoteTarget{idx: sub.ReceiverIdx, version: sub.Version}

	return true
}

func (c *Connection) localSubscribersLocked() []wire.Subscriber {
	subs := make([]wire.Subscriber, 0, len(c.localSubs))
	for _, ls := range c.localSubs {
		subs = append(subs, ls.sub)
	}

	return subs
}

func (c *Connection) expectAcksLocked(entries []*peerEntry, subs []wire.Subscriber) []*pendingAck {
	var waits []*pendingAck

	for _, e := range entries {
		for _, sub := range subs {
			w := &pendingAck{peer: e.peer.Name(), ch: make(chan wire.Status, 1)}
			key := ackKey{handle: e.handle, idx: sub.ReceiverIdx}
			c.pendingAcks[key] = append(c.pendingAcks[key], w.ch)
			waits = append(waits, w)
		}
	}

	return waits
}

// RegisterMessageType declares that the participant uses proto's type at
// proto's version. Remote subscriptions to another version are refused.
func (c *Connection) RegisterMessageType(proto wire.Message) {
	name := proto.MsgTypeName()

	c.mu.RLock()
	_, ok := c.msgTypes[name]
	c.mu.RUnlock()

	if ok {
		return
	}

	c.mu.Lock()
	if _, ok := c.msgTypes[name]; !ok {
		c.msgTypes[name] = proto.MsgTypeVersion()
	}
	c.mu.Unlock()
}

// Subscribe registers handler for messages built by factory on channel and
// announces the subscription to every connected participant. It returns
// each peer's acknowledgement once all arrived, and a SubscriptionError if
// any peer refused.
func (c *Connection) Subscribe(
	ctx context.Context,
	channel string,
	factory MessageFactory,
	handler Handler,
) ([]SubscriptionResult, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	proto := factory()
	key := subKey{channel, proto.MsgTypeName()}

	c.RegisterMessageType(proto)

	c.mu.Lock()
	if idx, ok := c.localIndex[key]; ok {
		ls := c.localSubs[idx]
		ls.handlers = append(ls.handlers, handler)
		c.mu.Unlock()

		return nil, nil
	}

	sub := wire.Subscriber{
		ReceiverIdx: uint16(len(c.localSubs)),
		NetworkName: channel,
		MsgTypeName: proto.MsgTypeName(),
		Version:     proto.MsgTypeVersion(),
	}

	c.localIndex[key] = sub.ReceiverIdx
	c.localSubs = append(c.localSubs, &localSubscription{
		sub:      sub,
		factory:  factory,
		handlers: []Handler{handler},
	})

	var targets []*peerEntry
	for _, e := range c.entries {
		if e.announced && !e.registry {
			targets = append(targets, e)
		}
	}

	waits := c.expectAcksLocked(targets, []wire.Subscriber{sub})
	c.mu.Unlock()

	for _, e := range targets {
		e.peer.Send(wire.Encode(&wire.SubscriptionAnnouncement{Subscriber: sub},
			e.peer.ProtocolVersion()))
	}

	var (
		results  []SubscriptionResult
		rejected []string
	)

	for _, w := range waits {
		answered, err := w.wait(ctx)
		if err != nil {
			return results, err
		}

		if !answered {
			continue
		}

		results = append(results, SubscriptionResult{Participant: w.peer, Status: w.status})
		if w.status != wire.StatusSuccess {
			rejected = append(rejected, w.peer)
		}
	}

	if len(rejected) > 0 {
		return results, &SubscriptionError{Subscriber: sub, Rejected: rejected}
	}

	return results, nil
}

type sendTarget struct {
	peer *peer.Peer
	idx  uint16
}

// NewEndpoint creates a sender bound to channel.
func (c *Connection) NewEndpoint(channel string) Endpoint {
	return Endpoint{
		Address: wire.EndpointAddress{
			Participant: c.name,
			Endpoint:    uint16(c.nextEndpoint.Add(1)),
		},
		Channel: channel,
	}
}

// SendMessage delivers msg to every participant subscribed to its type on
// the endpoint's channel and to local subscribers. Participants without a
// matching subscription receive nothing.
func (c *Connection) SendMessage(from Endpoint, msg wire.Message) {
	c.RegisterMessageType(msg)

	key := subKey{from.Channel, msg.MsgTypeName()}
	version := msg.MsgTypeVersion()

	c.mu.RLock()
	remote := c.remoteSubs[key]
	targets := make([]sendTarget, 0, len(remote))

	for handle, t := range remote {
		e, ok := c.entries[handle]
		if !ok || t.version != version {
			continue
		}

		targets = append(targets, sendTarget{peer: e.peer, idx: t.idx})
	}

	var local *localSubscription
	if idx, ok := c.localIndex[key]; ok {
		local = c.localSubs[idx]
	}
	c.mu.RUnlock()

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosMsgSend,
		Item:   msg,
		Detail: from.Channel,
	})

	if len(targets) == 0 && local == nil {
		return
	}

	data := wire.Marshal(msg)

	for _, t := range targets {
		t.peer.Send(wire.Encode(&wire.ChannelMessage{
			ReceiverIdx:    t.idx,
			SenderEndpoint: from.Address.Endpoint,
			Data:           data,
		}, t.peer.ProtocolVersion()))
	}

	if local != nil {
		c.local.post(func() {
			c.deliver(local, from.Address, data)
		})
	}
}

func (c *Connection) onChannelMessage(e *peerEntry, m *wire.ChannelMessage) {
	c.mu.RLock()
	if int(m.ReceiverIdx) >= len(c.localSubs) {
		c.mu.RUnlock()
		return
	}

	ls := c.localSubs[m.ReceiverIdx]
	c.mu.RUnlock()

	from := wire.EndpointAddress{
		Participant: e.peer.Name(),
		Endpoint:    m.SenderEndpoint,
	}

	e.dispatcher.post(func() {
		c.deliver(ls, from, m.Data)
	})
}

func (c *Connection) deliver(ls *localSubscription, from wire.EndpointAddress, data []byte) {
	msg := ls.factory()
	if err := wire.Unmarshal(data, msg); err != nil {
		c.log.WithError(err).WithField("peer", from.Participant).
			Errorf("dropping undecodable message on %s", ls.sub.NetworkName)

		return
	}

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosMsgDeliver,
		Item:   msg,
		Detail: ls.sub.NetworkName,
	})

	c.mu.RLock()
	handlers := ls.handlers
	c.mu.RUnlock()

	for _, h := range handlers {
		h(from, msg)
	}
}
