package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/simbus/config"
	"github.com/sarchlab/simbus/peer"
	"github.com/sarchlab/simbus/rendezvous"
	"github.com/sarchlab/simbus/wire"
)

type textMsg struct {
	Text string
}

func newTextMsg() *textMsg { return &textMsg{} }

func (*textMsg) MsgTypeName() string       { return "text" }
func (*textMsg) MsgTypeVersion() uint32    { return 1 }
func (m *textMsg) MarshalTo(w *wire.Writer) { w.PutString(m.Text) }
func (m *textMsg) UnmarshalFrom(r *wire.Reader) {
	m.Text = r.Str()
}

type textMsgV2 struct {
	textMsg
}

func (*textMsgV2) MsgTypeVersion() uint32 { return 2 }

type inbox struct {
	mu       sync.Mutex
	received []string
}

func (b *inbox) handler(from wire.EndpointAddress, m *textMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.received = append(b.received, from.Participant+":"+m.Text)
}

func (b *inbox) Received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.received...)
}

func (b *inbox) From(participant string) []string {
	var out []string

	prefix := participant + ":"
	for _, r := range b.Received() {
		if len(r) > len(prefix) && r[:len(prefix)] == prefix {
			out = append(out, r[len(prefix):])
		}
	}

	return out
}

type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *frameRecorder) OnFrame(_ *peer.Peer, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames = append(r.frames, append([]byte(nil), body...))
}

func (r *frameRecorder) OnPeerShutdown(*peer.Peer) {}

func (r *frameRecorder) Frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([][]byte(nil), r.frames...)
}

func names(infos []wire.PeerInfo) []string {
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.ParticipantName)
	}

	return out
}

var _ = Describe("Connection", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		svc    *rendezvous.Service
		uri    string
		conns  []*Connection
	)

	newConn := func(name string) *Connection {
		cfg := config.Default().Middleware
		cfg.ConnectTimeout = 2 * time.Second

		c := MakeBuilder().WithConfig(cfg).Build(name)
		conns = append(conns, c)

		return c
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		conns = nil

		svc = rendezvous.MakeBuilder().Build()

		var err error
		uri, err = svc.Start("simbus://127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		for _, c := range conns {
			c.Close()
		}

		svc.Stop()
		cancel()
	})

	It("should discover participants and exchange messages", func() {
		p1 := newConn("P1")
		p2 := newConn("P2")

		in1, in2 := &inbox{}, &inbox{}
		_, err := RegisterHandler(ctx, p1, "chat", newTextMsg, in1.handler)
		Expect(err).NotTo(HaveOccurred())
		_, err = RegisterHandler(ctx, p2, "chat", newTextMsg, in2.handler)
		Expect(err).NotTo(HaveOccurred())

		notified := make(chan wire.PeerInfo, 4)
		p1.RegisterKnownParticipantHandler(func(info wire.PeerInfo) {
			notified <- info
		})

		Expect(p1.JoinDomain(ctx, uri)).To(Succeed())
		Expect(p1.KnownParticipants()).To(BeEmpty())

		Expect(p2.JoinDomain(ctx, uri)).To(Succeed())
		Expect(names(p2.KnownParticipants())).To(Equal([]string{"P1"}))

		var info wire.PeerInfo
		Eventually(notified).Should(Receive(&info))
		Expect(info.ParticipantName).To(Equal("P2"))
		Expect(names(p1.KnownParticipants())).To(Equal([]string{"P2"}))

		Eventually(p1.ConnectedParticipants).Should(Equal([]string{"P2"}))
		Expect(p2.ConnectedParticipants()).To(Equal([]string{"P1"}))
		Expect(p1.RemoteSubscriberCount("chat", "text")).To(Equal(1))
		Expect(p2.RemoteSubscriberCount("chat", "text")).To(Equal(1))

		ep1 := p1.NewEndpoint("chat")
		ep2 := p2.NewEndpoint("chat")

		for i := range 5 {
			p1.SendMessage(ep1, &textMsg{Text: fmt.Sprint(i)})
		}
		p2.SendMessage(ep2, &textMsg{Text: "hello"})

		Eventually(func() []string { return in2.From("P1") }).
			Should(Equal([]string{"0", "1", "2", "3", "4"}))
		Eventually(func() []string { return in1.From("P2") }).
			Should(Equal([]string{"hello"}))

		Consistently(func() []string { return in1.From("P2") }, 100*time.Millisecond).
			Should(HaveLen(1))
		Expect(in2.From("P2")).To(Equal([]string{"hello"}))
	})

	It("should only send to subscribed participants", func() {
		p1 := newConn("P1")
		p2 := newConn("P2")

		in2 := &inbox{}
		_, err := RegisterHandler(ctx, p2, "chat", newTextMsg, in2.handler)
		Expect(err).NotTo(HaveOccurred())

		Expect(p1.JoinDomain(ctx, uri)).To(Succeed())
		Expect(p2.JoinDomain(ctx, uri)).To(Succeed())

		p1.SendMessage(p1.NewEndpoint("other"), &textMsg{Text: "ignored"})
		p1.SendMessage(p1.NewEndpoint("chat"), &textMsg{Text: "seen"})

		Eventually(in2.Received).Should(Equal([]string{"P1:seen"}))
		Consistently(in2.Received, 100*time.Millisecond).Should(HaveLen(1))
	})

	It("should acknowledge subscriptions made after connecting", func() {
		p1 := newConn("P1")
		p2 := newConn("P2")

		Expect(p1.JoinDomain(ctx, uri)).To(Succeed())
		Expect(p2.JoinDomain(ctx, uri)).To(Succeed())
		Eventually(p1.ConnectedParticipants).Should(HaveLen(1))

		in1 := &inbox{}
		results, err := RegisterHandler(ctx, p1, "late", newTextMsg, in1.handler)
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(Equal([]SubscriptionResult{
			{Participant: "P2", Status: wire.StatusSuccess},
		}))

		p2.SendMessage(p2.NewEndpoint("late"), &textMsg{Text: "x"})
		Eventually(in1.Received).Should(Equal([]string{"P2:x"}))
	})

	It("should refuse subscriptions with another type version", func() {
		p1 := newConn("P1")
		p2 := newConn("P2")

		_, err := RegisterHandler(ctx, p1, "chat", newTextMsg, (&inbox{}).handler)
		Expect(err).NotTo(HaveOccurred())

		Expect(p1.JoinDomain(ctx, uri)).To(Succeed())
		Expect(p2.JoinDomain(ctx, uri)).To(Succeed())
		Eventually(p1.ConnectedParticipants).Should(HaveLen(1))

		_, err = p2.Subscribe(ctx, "chat",
			func() wire.Message { return &textMsgV2{} },
			func(wire.EndpointAddress, wire.Message) {})

		var se *SubscriptionError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.Rejected).To(Equal([]string{"P1"}))
		Expect(p1.RemoteSubscriberCount("chat", "text")).To(Equal(0))
	})

	It("should forget a participant that leaves", func() {
		p1 := newConn("P1")
		p2 := newConn("P2")

		left := make(chan string, 1)
		p1.RegisterPeerShutdownHandler(func(name string) { left <- name })

		_, err := RegisterHandler(ctx, p2, "chat", newTextMsg, (&inbox{}).handler)
		Expect(err).NotTo(HaveOccurred())

		Expect(p1.JoinDomain(ctx, uri)).To(Succeed())
		Expect(p2.JoinDomain(ctx, uri)).To(Succeed())
		Eventually(func() int { return p1.RemoteSubscriberCount("chat", "text") }).
			Should(Equal(1))

		p2.Close()

		Eventually(left).Should(Receive(Equal("P2")))
		Expect(p1.ConnectedParticipants()).To(BeEmpty())
		Expect(p1.RemoteSubscriberCount("chat", "text")).To(Equal(0))
		Eventually(svc.KnownParticipants).Should(HaveLen(1))
	})

	It("should reject a duplicate participant name", func() {
		Expect(newConn("P1").JoinDomain(ctx, uri)).To(Succeed())

		err := newConn("P1").JoinDomain(ctx, uri)

		var ae *AnnouncementError
		Expect(errors.As(err, &ae)).To(BeTrue())
	})

	It("should report unreachable registries", func() {
		svc.Stop()

		err := newConn("P1").JoinDomain(ctx, uri)

		var ce *peer.ConnectionError
		Expect(errors.As(err, &ce)).To(BeTrue())
	})

	It("should close connections with an incompatible version only", func() {
		p1 := newConn("P1")
		p2 := newConn("P2")
		Expect(p1.JoinDomain(ctx, uri)).To(Succeed())
		Expect(p2.JoinDomain(ctx, uri)).To(Succeed())

		var tcpURIs []string
		for _, s := range p1.LocalInfo().AcceptorURIs {
			if u, err := peer.ParseURI(s); err == nil && u.Type == peer.URITCP {
				tcpURIs = append(tcpURIs, s)
			}
		}

		rec := &frameRecorder{}
		raw := peer.New(peer.DefaultOptions(), rec)
		Expect(raw.Connect(ctx, wire.PeerInfo{AcceptorURIs: tcpURIs})).To(Succeed())
		raw.Start()

		raw.Send(wire.Encode(&wire.ParticipantAnnouncement{
			Header:   wire.HeaderFor(wire.ProtocolVersion{Major: 4, Minor: 0}),
			PeerInfo: wire.PeerInfo{ParticipantName: "Future"},
		}, wire.CurrentProtocolVersion))

		Eventually(rec.Frames).Should(HaveLen(1))
		reply, err := wire.Decode(rec.Frames()[0], wire.CurrentProtocolVersion)
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.(*wire.ParticipantAnnouncementReply).Status).To(Equal(wire.StatusFailed))

		Eventually(raw.State).Should(Equal(peer.Closed))
		Expect(p1.ConnectedParticipants()).To(Equal([]string{"P2"}))
	})

	It("should close connections that send data before announcing", func() {
		p1 := newConn("P1")
		Expect(p1.JoinDomain(ctx, uri)).To(Succeed())

		raw := peer.New(peer.DefaultOptions(), &frameRecorder{})
		Expect(raw.Connect(ctx, p1.LocalInfo())).To(Succeed())
		raw.Start()

		raw.Send(wire.Encode(&wire.ChannelMessage{Data: []byte("x")}, wire.CurrentProtocolVersion))

		Eventually(raw.State).Should(Equal(peer.Closed))
	})

	It("should refuse to join twice", func() {
		p1 := newConn("P1")
		Expect(p1.JoinDomain(ctx, uri)).To(Succeed())
		Expect(p1.JoinDomain(ctx, uri)).To(MatchError(ErrAlreadyJoined))
	})
})

var _ = Describe("Loopback", func() {
	It("should deliver to local subscribers without joining", func() {
		c := MakeBuilder().Build("Solo")
		defer c.Close()

		in := &inbox{}
		_, err := RegisterHandler(context.Background(), c, "chat", newTextMsg, in.handler)
		Expect(err).NotTo(HaveOccurred())

		ep := c.NewEndpoint("chat")
		c.SendMessage(ep, &textMsg{Text: "a"})
		c.SendMessage(ep, &textMsg{Text: "b"})

		Eventually(in.Received).Should(Equal([]string{"Solo:a", "Solo:b"}))
	})

	It("should assign distinct endpoint ids", func() {
		c := MakeBuilder().Build("Solo")
		defer c.Close()

		Expect(c.NewEndpoint("a").Address).NotTo(Equal(c.NewEndpoint("a").Address))
	})
})
