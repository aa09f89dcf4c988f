package peer

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/simbus/wire"
)

type recordingListener struct {
	mu        sync.Mutex
	frames    [][]byte
	shutdowns int
}

func (l *recordingListener) OnFrame(_ *Peer, body []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.frames = append(l.frames, append([]byte(nil), body...))
}

func (l *recordingListener) OnPeerShutdown(*Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.shutdowns++
}

func (l *recordingListener) Frames() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([][]byte(nil), l.frames...)
}

func (l *recordingListener) Shutdowns() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.shutdowns
}

func channelFrame(idx uint16, data string) []byte {
	return wire.Encode(&wire.ChannelMessage{ReceiverIdx: idx, Data: []byte(data)},
		wire.CurrentProtocolVersion)
}

func freeTCPPort() int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	port := ln.Addr().(*net.TCPAddr).Port
	Expect(ln.Close()).To(Succeed())

	return port
}

var _ = Describe("Peer", func() {
	var (
		local, remote net.Conn
		listener      *recordingListener
		p             *Peer
	)

	BeforeEach(func() {
		local, remote = net.Pipe()
		listener = &recordingListener{}
		p = NewFromConn(local, DefaultOptions(), listener)
	})

	AfterEach(func() {
		p.Shutdown()
		remote.Close()
		p.Wait()
	})

	It("should reassemble frames split across reads", func() {
		p.Start()

		stream := append(channelFrame(1, "first"), channelFrame(2, "second")...)
		go func() {
			defer GinkgoRecover()

			for i := range stream {
				_, err := remote.Write(stream[i : i+1])
				Expect(err).NotTo(HaveOccurred())
			}
		}()

		Eventually(listener.Frames).Should(HaveLen(2))
		frames := listener.Frames()
		Expect(frames[0]).To(Equal(channelFrame(1, "first")[wire.FrameHeaderSize:]))
		Expect(frames[1]).To(Equal(channelFrame(2, "second")[wire.FrameHeaderSize:]))
	})

	It("should keep leftover bytes in the same read buffer", func() {
		buf := make([]byte, initialReadBufferSize)
		partial := channelFrame(4, "fourth")

		filled := 0
		for _, f := range [][]byte{
			channelFrame(1, "first"),
			channelFrame(2, "second"),
			channelFrame(3, "third"),
			partial[:7],
		} {
			filled += copy(buf[filled:], f)
		}

		rest, left, ok := p.dispatch(buf, filled)

		Expect(ok).To(BeTrue())
		Expect(listener.Frames()).To(HaveLen(3))
		Expect(listener.Frames()[2]).To(Equal(channelFrame(3, "third")[wire.FrameHeaderSize:]))
		Expect(&rest[0]).To(BeIdenticalTo(&buf[0]))
		Expect(left).To(Equal(7))
		Expect(rest[:left]).To(Equal(partial[:7]))
	})

	It("should deliver frames larger than the initial buffer", func() {
		p.Start()

		big := make([]byte, 3*initialReadBufferSize)
		for i := range big {
			big[i] = byte(i)
		}

		frame := wire.Encode(&wire.ChannelMessage{Data: big}, wire.CurrentProtocolVersion)
		go func() {
			defer GinkgoRecover()

			_, err := remote.Write(frame)
			Expect(err).NotTo(HaveOccurred())
		}()

		Eventually(listener.Frames).Should(HaveLen(1))
		Expect(listener.Frames()[0]).To(Equal(frame[wire.FrameHeaderSize:]))
	})

	It("should close on a zero frame length", func() {
		p.Start()

		go remote.Write([]byte{0, 0, 0, 0})

		Eventually(p.State).Should(Equal(Closed))
		Eventually(listener.Shutdowns).Should(Equal(1))
		Expect(listener.Frames()).To(BeEmpty())
	})

	It("should close on a frame length above the ceiling", func() {
		p.Shutdown()

		local, remote = net.Pipe()
		listener = &recordingListener{}
		opts := DefaultOptions()
		opts.MaxFrameSize = 16
		p = NewFromConn(local, opts, listener)
		p.Start()

		go remote.Write(channelFrame(1, "this payload is too long"))

		Eventually(p.State).Should(Equal(Closed))
		Expect(listener.Frames()).To(BeEmpty())
	})

	It("should write frames in send order", func() {
		p.Start()

		rx := &recordingListener{}
		other := NewFromConn(remote, DefaultOptions(), rx)
		other.Start()
		defer other.Shutdown()

		for i := range 10 {
			p.Send(channelFrame(uint16(i), "x"))
		}

		Eventually(rx.Frames).Should(HaveLen(10))
		for i, f := range rx.Frames() {
			Expect(f).To(Equal(channelFrame(uint16(i), "x")[wire.FrameHeaderSize:]))
		}
	})

	It("should be idempotent on shutdown and ignore later sends", func() {
		p.Start()

		p.Shutdown()
		p.Shutdown()
		p.Send(channelFrame(1, "late"))

		Expect(p.State()).To(Equal(Closed))
		Expect(listener.Shutdowns()).To(Equal(1))
		Eventually(p.Done()).Should(BeClosed())
	})

	It("should flush queued frames when draining", func() {
		rx := &recordingListener{}
		other := NewFromConn(remote, DefaultOptions(), rx)
		other.Start()
		defer other.Shutdown()

		for i := range 3 {
			p.Send(channelFrame(uint16(i), "queued"))
		}

		p.Start()
		p.DrainBeforeShutdown()

		Expect(p.State()).To(Equal(Closed))
		Eventually(rx.Frames).Should(HaveLen(3))
	})

	It("should only deliver a prefix of complete frames after shutdown", func() {
		rx := &recordingListener{}
		other := NewFromConn(remote, DefaultOptions(), rx)
		other.Start()

		sent := [][]byte{
			channelFrame(1, "a"),
			channelFrame(2, "b"),
			channelFrame(3, "c"),
		}
		for _, f := range sent {
			p.Send(f)
		}

		p.Start()
		p.Shutdown()

		Eventually(other.State).Should(Equal(Closed))

		received := rx.Frames()
		Expect(len(received)).To(BeNumerically("<=", len(sent)))
		for i, f := range received {
			Expect(f).To(Equal(sent[i][wire.FrameHeaderSize:]))
		}
	})
})

var _ = Describe("Connect", func() {
	var ln net.Listener

	BeforeEach(func() {
		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())

		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}

				defer conn.Close()
			}
		}()
	})

	AfterEach(func() {
		ln.Close()
	})

	It("should fall back from local sockets to TCP", func() {
		p := New(DefaultOptions(), &recordingListener{})

		err := p.Connect(context.Background(), wire.PeerInfo{
			ParticipantName: "Remote",
			AcceptorURIs: []string{
				"local:///nonexistent/simbus-test.sock",
				"tcp://" + ln.Addr().String(),
			},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(p.State()).To(Equal(Connected))
		Expect(p.Name()).To(Equal("Remote"))
		p.Shutdown()
	})

	It("should report every attempted address", func() {
		opts := DefaultOptions()
		opts.ConnectTimeout = time.Second
		p := New(opts, &recordingListener{})

		port := freeTCPPort()
		uris := []string{
			"local:///nonexistent/simbus-test.sock",
			net.JoinHostPort("127.0.0.1", itoa(port)),
		}

		err := p.Connect(context.Background(), wire.PeerInfo{
			ParticipantName: "Gone",
			AcceptorURIs:    uris,
		})

		var ce *ConnectionError
		Expect(errors.As(err, &ce)).To(BeTrue())
		Expect(ce.Participant).To(Equal("Gone"))
		Expect(ce.Attempted).To(Equal([]string{
			"local:///nonexistent/simbus-test.sock",
			"tcp://127.0.0.1:" + itoa(port),
		}))
		Expect(p.State()).To(Equal(Disconnected))
	})

	It("should skip local sockets when they are disabled", func() {
		opts := DefaultOptions()
		opts.EnableDomainSockets = false
		p := New(opts, &recordingListener{})

		err := p.Connect(context.Background(), wire.PeerInfo{
			AcceptorURIs: []string{"local:///nonexistent/simbus-test.sock"},
		})

		var ce *ConnectionError
		Expect(errors.As(err, &ce)).To(BeTrue())
		Expect(ce.Attempted).To(BeEmpty())
	})

	It("should refuse to connect twice", func() {
		p := New(DefaultOptions(), &recordingListener{})
		info := wire.PeerInfo{AcceptorURIs: []string{ln.Addr().String()}}

		Expect(p.Connect(context.Background(), info)).To(Succeed())
		Expect(p.Connect(context.Background(), info)).NotTo(Succeed())
		p.Shutdown()
	})
})
