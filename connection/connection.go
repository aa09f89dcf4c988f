// Package connection keeps track of every peer of a participant and routes
// channel messages between local handlers and remote subscribers.
package connection

import (
	"errors"
	"hash/fnv"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/sarchlab/simbus/config"
	"github.com/sarchlab/simbus/hooking"
	"github.com/sarchlab/simbus/peer"
	"github.com/sarchlab/simbus/wire"
	"github.com/sirupsen/logrus"
)

// Hook positions of a Connection. Item is the message, Detail the channel.
var (
	HookPosMsgSend    = &hooking.HookPos{Name: "MsgSend"}
	HookPosMsgDeliver = &hooking.HookPos{Name: "MsgDeliver"}
)

type subKey struct {
	channel string
	msgType string
}

type ackKey struct {
	handle int
	idx    uint16
}

type remoteTarget struct {
	idx     uint16
	version uint32
}

type localSubscription struct {
	sub      wire.Subscriber
	factory  MessageFactory
	handlers []Handler
}

type replyResult struct {
	reply *wire.ParticipantAnnouncementReply
	err   error
}

type peerEntry struct {
	peer       *peer.Peer
	handle     int
	registry   bool
	announced  bool
	dispatcher *dispatcher
	reply      chan replyResult
}

// A Connection is the registry of all peers of one participant and the
// router between them and the local handlers.
type Connection struct {
	hooking.HookableBase

	name      string
	processID string
	cfg       config.Middleware
	peerOpts  peer.Options
	log       *logrus.Entry

	localInfo  wire.PeerInfo
	listeners  []net.Listener
	socketPath string
	local      *dispatcher

	mu          sync.RWMutex
	entries     map[int]*peerEntry
	byName      map[string]int
	nextHandle  int
	known       map[string]wire.PeerInfo
	joinWait    chan []wire.PeerInfo
	localSubs   []*localSubscription
	localIndex  map[subKey]uint16
	remoteSubs  map[subKey]map[int]remoteTarget
	pendingAcks map[ackKey][]chan wire.Status
	msgTypes    map[string]uint32

	onPeerConnected      []func(name string)
	onPeerShutdown       []func(name string)
	onRemoteSubscription []func(peer string, sub wire.Subscriber)
	onKnownParticipant   []func(info wire.PeerInfo)

	nextEndpoint atomic.Uint32
	joined       atomic.Bool
	closed       atomic.Bool
	wg           sync.WaitGroup
}

// Builder can build Connections.
type Builder struct {
	cfg          config.Middleware
	log          *logrus.Entry
	capabilities string
}

// MakeBuilder creates a Builder with the default middleware configuration.
func MakeBuilder() Builder {
	return Builder{cfg: config.Default().Middleware}
}

// WithConfig sets the middleware configuration.
func (b Builder) WithConfig(cfg config.Middleware) Builder {
	b.cfg = cfg
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log *logrus.Entry) Builder {
	b.log = log
	return b
}

// WithCapabilities sets the capability string advertised to peers.
func (b Builder) WithCapabilities(c string) Builder {
	b.capabilities = c
	return b
}

// Build creates a Connection for the participant with the given name.
func (b Builder) Build(name string) *Connection {
	log := b.log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	log = log.WithFields(logrus.Fields{
		"component":   "connection",
		"participant": name,
	})

	c := &Connection{
		name:        name,
		processID:   xid.New().String(),
		cfg:         b.cfg,
		log:         log,
		local:       newDispatcher(),
		entries:     make(map[int]*peerEntry),
		byName:      make(map[string]int),
		known:       make(map[string]wire.PeerInfo),
		localIndex:  make(map[subKey]uint16),
		remoteSubs:  make(map[subKey]map[int]remoteTarget),
		pendingAcks: make(map[ackKey][]chan wire.Status),
		msgTypes:    make(map[string]uint32),
	}

	c.peerOpts = peer.Options{
		EnableDomainSockets:  b.cfg.EnableDomainSockets,
		TCPNoDelay:           b.cfg.TCPNoDelay,
		TCPReceiveBufferSize: b.cfg.TCPReceiveBufferSize,
		TCPSendBufferSize:    b.cfg.TCPSendBufferSize,
		ConnectTimeout:       b.cfg.ConnectTimeout,
		DrainTimeout:         b.cfg.DrainTimeout,
		MaxFrameSize:         b.cfg.MaxFrameSize,
		Logger:               log,
	}

	c.localInfo = wire.PeerInfo{
		ParticipantName: name,
		ParticipantID:   ParticipantID(name),
		ProcessID:       c.processID,
		Capabilities:    b.capabilities,
	}

	return c
}

// ParticipantID derives the numeric participant id from a name.
func ParticipantID(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))

	return h.Sum64()
}

// ParticipantName returns the name of the local participant.
func (c *Connection) ParticipantName() string {
	return c.name
}

// LocalInfo returns what this participant announces to others.
func (c *Connection) LocalInfo() wire.PeerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.localInfo
}

// ConnectedParticipants returns the sorted names of directly connected,
// announced participants.
func (c *Connection) ConnectedParticipants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// KnownParticipants returns what the rendezvous service told us about.
func (c *Connection) KnownParticipants() []wire.PeerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]wire.PeerInfo, 0, len(c.known))
	for _, info := range c.known {
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ParticipantName < infos[j].ParticipantName
	})

	return infos
}

// RemoteSubscriberCount returns how many peers subscribed to msgType on
// channel.
func (c *Connection) RemoteSubscriberCount(channel, msgType string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.remoteSubs[subKey{channel, msgType}])
}

// RegisterPeerConnectedHandler registers a callback for completed handshakes.
func (c *Connection) RegisterPeerConnectedHandler(h func(name string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onPeerConnected = append(c.onPeerConnected, h)
}

// RegisterPeerShutdownHandler registers a callback for lost participants.
func (c *Connection) RegisterPeerShutdownHandler(h func(name string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onPeerShutdown = append(c.onPeerShutdown, h)
}

// RegisterRemoteSubscriptionHandler registers a callback invoked whenever a
// peer subscribes to something.
func (c *Connection) RegisterRemoteSubscriptionHandler(
	h func(peer string, sub wire.Subscriber),
) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onRemoteSubscription = append(c.onRemoteSubscription, h)
}

// RegisterKnownParticipantHandler registers a callback for participants the
// rendezvous service reports after we joined.
func (c *Connection) RegisterKnownParticipantHandler(h func(info wire.PeerInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onKnownParticipant = append(c.onKnownParticipant, h)
}

func (c *Connection) addPeer(p *peer.Peer, registry bool) *peerEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil
	}

	e := &peerEntry{
		peer:       p,
		handle:     c.nextHandle,
		registry:   registry,
		dispatcher: newDispatcher(),
	}
	c.nextHandle++

	p.SetHandle(e.handle)
	c.entries[e.handle] = e

	return e
}

func (c *Connection) entryOf(p *peer.Peer) (*peerEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[p.Handle()]
	if !ok || e.peer != p {
		return nil, false
	}

	return e, e.announced
}

// OnPeerShutdown forgets everything learned through p.
func (c *Connection) OnPeerShutdown(p *peer.Peer) {
	c.mu.Lock()

	e, ok := c.entries[p.Handle()]
	if !ok || e.peer != p {
		c.mu.Unlock()
		return
	}

	delete(c.entries, e.handle)

	name := p.Name()
	if e.announced && !e.registry && c.byName[name] == e.handle {
		delete(c.byName, name)
	}

	for key, targets := range c.remoteSubs {
		delete(targets, e.handle)

		if len(targets) == 0 {
			delete(c.remoteSubs, key)
		}
	}

	for key, waiters := range c.pendingAcks {
		if key.handle != e.handle {
			continue
		}

		for _, ch := range waiters {
			close(ch)
		}

		delete(c.pendingAcks, key)
	}

	reply := e.reply
	e.reply = nil
	announced := e.announced
	handlers := c.onPeerShutdown

	c.mu.Unlock()

	if reply != nil {
		reply <- replyResult{err: ErrPeerClosed}
	}

	switch {
	case e.registry:
		if !c.closed.Load() {
			c.log.Warn("lost connection to the rendezvous service")
		}
	case announced:
		c.log.WithField("peer", name).Info("participant disconnected")

		e.dispatcher.post(func() {
			for _, h := range handlers {
				h(name)
			}
		})
	}

	e.dispatcher.close()
}

// Close drains every peer, stops accepting connections and removes the
// local socket.
func (c *Connection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.mu.RLock()
	listeners := c.listeners
	peers := make([]*peer.Peer, 0, len(c.entries))

	for _, e := range c.entries {
		peers = append(peers, e.peer)
	}
	c.mu.RUnlock()

	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			c.log.WithError(err).Debug("closing acceptor")
		}
	}

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			p.DrainBeforeShutdown()
		}()
	}

	wg.Wait()
	c.wg.Wait()
	c.local.close()

	if c.socketPath != "" {
		if err := os.Remove(c.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.WithError(err).Debug("removing local socket")
		}
	}

	c.log.Debug("connection closed")
}

func (c *Connection) handshakeTimeout() time.Duration {
	if c.cfg.ConnectTimeout > 0 {
		return c.cfg.ConnectTimeout
	}

	return peer.DefaultConnectTimeout
}
