// Package peer manages a single framed stream connection to a remote process.
package peer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/simbus/hooking"
	"github.com/sarchlab/simbus/wire"
	"github.com/sirupsen/logrus"
)

// State is the connection state of a Peer.
type State int32

// Peer states.
const (
	Disconnected State = iota
	Connecting
	Connected
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Draining:
		return "Draining"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Hook positions of a Peer. Frame hooks carry the frame body as Item.
var (
	HookPosFrameSent     = &hooking.HookPos{Name: "PeerFrameSent"}
	HookPosFrameReceived = &hooking.HookPos{Name: "PeerFrameReceived"}
	HookPosStateChange   = &hooking.HookPos{Name: "PeerStateChange"}
)

// A Listener receives everything a Peer reads. OnFrame is called from the
// peer's reader goroutine, one frame at a time, in arrival order. The body
// is only valid until OnFrame returns.
type Listener interface {
	OnFrame(p *Peer, body []byte)
	OnPeerShutdown(p *Peer)
}

// A Peer owns one stream socket to one remote process.
type Peer struct {
	hooking.HookableBase

	opts     Options
	baseLog  *logrus.Entry
	listener Listener

	state atomic.Int32
	conn  net.Conn

	infoMu  sync.RWMutex
	log     *logrus.Entry
	info    wire.PeerInfo
	version wire.ProtocolVersion
	handle  int

	sendMu    sync.Mutex
	sendQueue [][]byte
	sending   bool
	sendWake  chan struct{}

	readPending atomic.Bool

	startOnce    sync.Once
	shutdownOnce sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

// New creates a disconnected Peer.
func New(opts Options, listener Listener) *Peer {
	opts = opts.withDefaults()

	p := &Peer{
		opts:     opts,
		baseLog:  opts.Logger,
		log:      opts.Logger,
		listener: listener,
		version:  wire.CurrentProtocolVersion,
		handle:   -1,
		sendWake: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	return p
}

// NewFromConn wraps an accepted socket. The Peer starts Connected.
func NewFromConn(conn net.Conn, opts Options, listener Listener) *Peer {
	p := New(opts, listener)
	p.attach(conn)
	p.baseLog = p.baseLog.WithField("remote", conn.RemoteAddr().String())
	p.log = p.baseLog
	p.setState(Connected)

	return p
}

// State returns the current connection state.
func (p *Peer) State() State {
	return State(p.state.Load())
}

func (p *Peer) setState(s State) State {
	prev := State(p.state.Swap(int32(s)))
	if prev != s {
		p.InvokeHook(hooking.HookCtx{
			Domain: p,
			Pos:    HookPosStateChange,
			Item:   s,
			Detail: prev,
		})
	}

	return prev
}

// Info returns what the remote side announced about itself.
func (p *Peer) Info() wire.PeerInfo {
	p.infoMu.RLock()
	defer p.infoMu.RUnlock()

	return p.info
}

// SetInfo records the remote participant's announcement.
func (p *Peer) SetInfo(info wire.PeerInfo) {
	p.infoMu.Lock()
	defer p.infoMu.Unlock()

	p.info = info
	if info.ParticipantName != "" {
		p.log = p.baseLog.WithField("peer", info.ParticipantName)
	}
}

func (p *Peer) logger() *logrus.Entry {
	p.infoMu.RLock()
	defer p.infoMu.RUnlock()

	return p.log
}

// Name returns the remote participant name, empty until announced.
func (p *Peer) Name() string {
	return p.Info().ParticipantName
}

// ProtocolVersion returns the version negotiated for this connection.
func (p *Peer) ProtocolVersion() wire.ProtocolVersion {
	p.infoMu.RLock()
	defer p.infoMu.RUnlock()

	return p.version
}

// SetProtocolVersion records the negotiated version.
func (p *Peer) SetProtocolVersion(v wire.ProtocolVersion) {
	p.infoMu.Lock()
	defer p.infoMu.Unlock()

	p.version = v
}

// Handle returns the slot assigned by the owner of the peer, -1 if none.
func (p *Peer) Handle() int {
	p.infoMu.RLock()
	defer p.infoMu.RUnlock()

	return p.handle
}

// SetHandle assigns the slot the owner stores the peer under.
func (p *Peer) SetHandle(h int) {
	p.infoMu.Lock()
	defer p.infoMu.Unlock()

	p.handle = h
}

// LocalAddr returns the local socket address, nil before connecting.
func (p *Peer) LocalAddr() net.Addr {
	if p.conn == nil {
		return nil
	}

	return p.conn.LocalAddr()
}

// Connect dials the addresses advertised in info, the first local socket
// first when domain sockets are enabled and then every TCP address in order.
func (p *Peer) Connect(ctx context.Context, info wire.PeerInfo) error {
	if !p.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return fmt.Errorf("peer: cannot connect in state %s", p.State())
	}

	p.SetInfo(info)

	var (
		attempted []string
		lastErr   error
		locals    []URI
		tcps      []URI
	)

	for _, s := range info.AcceptorURIs {
		u, err := ParseURI(s)
		if err != nil {
			p.logger().WithError(err).Debug("skipping acceptor URI")
			lastErr = err

			continue
		}

		switch u.Type {
		case URILocal:
			locals = append(locals, u)
		case URITCP:
			tcps = append(tcps, u)
		}
	}

	var candidates []URI
	if p.opts.EnableDomainSockets && len(locals) > 0 {
		candidates = append(candidates, locals[0])
	}

	candidates = append(candidates, tcps...)

	for _, u := range candidates {
		attempted = append(attempted, u.String())

		conn, err := p.dial(ctx, u)
		if err != nil {
			p.logger().WithError(err).Debugf("connect via %s failed", u)
			lastErr = err

			if ctx.Err() != nil {
				break
			}

			continue
		}

		p.attach(conn)
		p.setState(Connected)
		p.logger().Debugf("connected via %s", u)

		return nil
	}

	p.setState(Disconnected)

	if lastErr == nil {
		lastErr = errors.New("no usable acceptor URI")
	}

	return &ConnectionError{
		Participant: info.ParticipantName,
		Attempted:   attempted,
		Err:         lastErr,
	}
}

func (p *Peer) dial(ctx context.Context, u URI) (net.Conn, error) {
	d := net.Dialer{Timeout: p.opts.ConnectTimeout}
	return d.DialContext(ctx, u.Network(), u.Address())
}

func (p *Peer) attach(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		p.tuneTCP(tcp)
	}

	p.conn = conn
}

func (p *Peer) tuneTCP(conn *net.TCPConn) {
	if err := conn.SetNoDelay(p.opts.TCPNoDelay); err != nil {
		p.logger().WithError(err).Warn("cannot set TCP no-delay")
	}

	if p.opts.TCPReceiveBufferSize > 0 {
		if err := conn.SetReadBuffer(p.opts.TCPReceiveBufferSize); err != nil {
			p.logger().WithError(err).Warn("cannot set TCP receive buffer size")
		}
	}

	if p.opts.TCPSendBufferSize > 0 {
		if err := conn.SetWriteBuffer(p.opts.TCPSendBufferSize); err != nil {
			p.logger().WithError(err).Warn("cannot set TCP send buffer size")
		}
	}
}

// Start launches the reader and writer. It must be called once the peer is
// Connected and the owner is ready to receive frames.
func (p *Peer) Start() {
	p.startOnce.Do(func() {
		if p.conn == nil {
			panic("peer: Start before Connect")
		}

		p.wg.Add(2)

		go p.writeLoop()
		go p.readLoop()
	})
}

// Send enqueues a complete frame. Sending on a peer that is not Connected is
// a no-op.
func (p *Peer) Send(frame []byte) {
	if p.State() != Connected {
		return
	}

	p.sendMu.Lock()
	p.sendQueue = append(p.sendQueue, frame)
	p.sendMu.Unlock()

	select {
	case p.sendWake <- struct{}{}:
	default:
	}
}

// nextFrame pops the head of the queue. The queue is reported busy from the
// moment a frame is popped until the writer asks for the next one.
func (p *Peer) nextFrame() []byte {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	state := p.State()
	if len(p.sendQueue) == 0 || (state != Connected && state != Draining) {
		p.sending = false
		return nil
	}

	frame := p.sendQueue[0]
	p.sendQueue[0] = nil
	p.sendQueue = p.sendQueue[1:]
	p.sending = true

	return frame
}

func (p *Peer) sendIdle() bool {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	return len(p.sendQueue) == 0 && !p.sending
}

func (p *Peer) writeLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.sendWake:
		case <-p.done:
			return
		}

		for frame := p.nextFrame(); frame != nil; frame = p.nextFrame() {
			if err := p.writeFull(frame); err != nil {
				if p.State() != Closed {
					p.logger().WithError(err).Warn("write failed, closing connection")
				}

				p.Shutdown()

				return
			}

			p.InvokeHook(hooking.HookCtx{
				Domain: p,
				Pos:    HookPosFrameSent,
				Item:   frame[wire.FrameHeaderSize:],
			})
		}
	}
}

func (p *Peer) writeFull(buf []byte) error {
	for len(buf) > 0 {
		n, err := p.conn.Write(buf)
		buf = buf[n:]

		if err == nil {
			continue
		}

		if !isTransient(err) {
			return err
		}

		select {
		case <-p.done:
			return net.ErrClosed
		case <-time.After(time.Millisecond):
		}
	}

	return nil
}

func (p *Peer) readLoop() {
	defer p.wg.Done()

	buf := make([]byte, initialReadBufferSize)
	filled := 0

	for {
		if filled == len(buf) {
			grown := make([]byte, 2*len(buf))
			copy(grown, buf[:filled])
			buf = grown
		}

		n, err := p.conn.Read(buf[filled:])
		filled += n

		var ok bool

		buf, filled, ok = p.dispatch(buf, filled)
		if !ok {
			p.Shutdown()
			return
		}

		if err != nil && !isTransient(err) {
			if p.State() != Closed {
				p.logger().WithError(err).Debug("read failed, closing connection")
			}

			p.Shutdown()

			return
		}
	}
}

// dispatch hands every complete frame in buf[:filled] to the listener and
// moves the leftover bytes of the next frame to the front of buf.
func (p *Peer) dispatch(buf []byte, filled int) ([]byte, int, bool) {
	start := 0

	for filled-start >= wire.FrameHeaderSize {
		size := binary.LittleEndian.Uint32(buf[start:])
		if size == 0 || size > p.opts.MaxFrameSize {
			p.logger().Errorf("received invalid frame size %d, closing connection", size)
			return buf, filled, false
		}

		end := start + wire.FrameHeaderSize + int(size)
		if filled < end {
			break
		}

		body := buf[start+wire.FrameHeaderSize : end : end]
		start = end

		p.InvokeHook(hooking.HookCtx{
			Domain: p,
			Pos:    HookPosFrameReceived,
			Item:   body,
		})

		if p.listener != nil {
			p.listener.OnFrame(p, body)
		}

		if p.State() == Closed {
			return buf, filled, false
		}
	}

	if start > 0 {
		filled = copy(buf, buf[start:filled])
	}

	if filled >= wire.FrameHeaderSize {
		end := wire.FrameHeaderSize + int(binary.LittleEndian.Uint32(buf))
		if end > len(buf) {
			grown := make([]byte, end)
			copy(grown, buf[:filled])
			buf = grown
		}
	}

	p.readPending.Store(filled > 0)

	return buf, filled, true
}

// DrainBeforeShutdown stops accepting new frames, gives the send queue and a
// partially received frame a bounded grace period, then shuts down.
func (p *Peer) DrainBeforeShutdown() {
	if !p.state.CompareAndSwap(int32(Connected), int32(Draining)) {
		p.Shutdown()
		return
	}

	p.InvokeHook(hooking.HookCtx{
		Domain: p,
		Pos:    HookPosStateChange,
		Item:   Draining,
		Detail: Connected,
	})

	deadline := time.Now().Add(p.opts.DrainTimeout)

	if !p.waitUntil(deadline, p.sendIdle) {
		p.logger().Warn("send queue not flushed before shutdown")
	}

	if !p.waitUntil(deadline, func() bool { return !p.readPending.Load() }) {
		p.logger().Warn("incoming frame not completed before shutdown")
	}

	p.Shutdown()
}

func (p *Peer) waitUntil(deadline time.Time, cond func() bool) bool {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for !cond() {
		if !time.Now().Before(deadline) {
			return false
		}

		select {
		case <-p.done:
			return cond()
		case <-ticker.C:
		}
	}

	return true
}

// Shutdown closes the socket, drops queued frames and notifies the listener.
// It is safe to call more than once and from any goroutine.
func (p *Peer) Shutdown() {
	p.shutdownOnce.Do(func() {
		prev := p.setState(Closed)
		close(p.done)

		if p.conn != nil {
			if err := p.conn.Close(); err != nil {
				p.logger().WithError(err).Debug("close failed")
			}
		}

		p.sendMu.Lock()
		p.sendQueue = nil
		p.sendMu.Unlock()

		if prev == Connected || prev == Draining {
			p.logger().Debug("connection closed")
		}

		if p.listener != nil {
			p.listener.OnPeerShutdown(p)
		}
	})
}

// Done is closed once the peer has shut down.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the reader and writer goroutines have exited.
func (p *Peer) Wait() {
	p.wg.Wait()
}
