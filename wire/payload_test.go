package wire

import (
	"encoding/binary"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func body(frame []byte) []byte {
	Expect(len(frame)).To(BeNumerically(">=", FrameHeaderSize))
	Expect(binary.LittleEndian.Uint32(frame)).
		To(Equal(uint32(len(frame) - FrameHeaderSize)))

	return frame[FrameHeaderSize:]
}

func roundTrip(p Payload, v ProtocolVersion) Payload {
	decoded, err := Decode(body(Encode(p, v)), v)
	Expect(err).NotTo(HaveOccurred())

	return decoded
}

var _ = Describe("Codec", func() {
	sub := Subscriber{
		ReceiverIdx: 7,
		NetworkName: "CAN1",
		MsgTypeName: "CanFrame",
		Version:     2,
	}

	info := PeerInfo{
		ParticipantName: "EcuA",
		ParticipantID:   0xdeadbeef,
		ProcessID:       "cn8ad9c2ok1oqsq1mb50",
		AcceptorURIs:    []string{"local:///tmp/a.sock", "tcp://127.0.0.1:4000"},
		Capabilities:    "relay",
	}

	It("should prefix frames with the length of what follows", func() {
		frame := Encode(&ChannelMessage{ReceiverIdx: 1, Data: []byte{1, 2, 3}},
			CurrentProtocolVersion)

		Expect(frame[4]).To(Equal(uint8(KindChannelMessage)))
		Expect(binary.LittleEndian.Uint32(frame)).To(Equal(uint32(1 + 2 + 2 + 4 + 3)))
	})

	It("should round trip subscription frames", func() {
		Expect(roundTrip(&SubscriptionAnnouncement{Subscriber: sub},
			CurrentProtocolVersion)).
			To(Equal(&SubscriptionAnnouncement{Subscriber: sub}))

		ack := &SubscriptionAcknowledge{Status: StatusSuccess, Subscriber: sub}
		Expect(roundTrip(ack, CurrentProtocolVersion)).To(Equal(ack))
	})

	It("should round trip channel messages", func() {
		msg := &ChannelMessage{ReceiverIdx: 3, SenderEndpoint: 9, Data: []byte("hello")}
		Expect(roundTrip(msg, CurrentProtocolVersion)).To(Equal(msg))
	})

	It("should decode empty sequences as nil", func() {
		msg := &ChannelMessage{ReceiverIdx: 3}
		Expect(roundTrip(msg, CurrentProtocolVersion)).To(Equal(msg))

		withEmpty := &ChannelMessage{ReceiverIdx: 3, Data: []byte{}}
		Expect(roundTrip(withEmpty, CurrentProtocolVersion)).To(Equal(msg))

		ann := &ParticipantAnnouncement{
			Header:   NewRegistryMsgHeader(),
			PeerInfo: PeerInfo{ParticipantName: "EcuB", AcceptorURIs: []string{}},
		}
		decoded := roundTrip(ann, CurrentProtocolVersion).(*ParticipantAnnouncement)
		Expect(decoded.PeerInfo.AcceptorURIs).To(BeNil())

		ann.PeerInfo.AcceptorURIs = nil
		Expect(decoded).To(Equal(ann))
	})

	It("should round trip registry messages", func() {
		ann := &ParticipantAnnouncement{Header: NewRegistryMsgHeader(), PeerInfo: info}
		Expect(roundTrip(ann, CurrentProtocolVersion)).To(Equal(ann))

		reply := &ParticipantAnnouncementReply{
			Header:      NewRegistryMsgHeader(),
			Status:      StatusSuccess,
			Subscribers: []Subscriber{sub, {NetworkName: "x", MsgTypeName: "y"}},
		}
		Expect(roundTrip(reply, CurrentProtocolVersion)).To(Equal(reply))

		known := &KnownParticipants{
			Header:    NewRegistryMsgHeader(),
			PeerInfos: []PeerInfo{info, {ParticipantName: "EcuB"}},
		}
		Expect(roundTrip(known, CurrentProtocolVersion)).To(Equal(known))
	})

	It("should drop capabilities for 3.0 peers", func() {
		ann := &ParticipantAnnouncement{
			Header:   HeaderFor(MinimumProtocolVersion),
			PeerInfo: info,
		}

		decoded := roundTrip(ann, CurrentProtocolVersion).(*ParticipantAnnouncement)

		Expect(decoded.PeerInfo.Capabilities).To(BeEmpty())
		Expect(decoded.PeerInfo.AcceptorURIs).To(Equal(info.AcceptorURIs))
		Expect(decoded.Header.Version()).To(Equal(MinimumProtocolVersion))
	})

	It("should reject frames below the minimum size of their kind", func() {
		for kind, size := range minPayloadSize {
			p, err := DecodePayload(kind, make([]byte, size-1), CurrentProtocolVersion)

			Expect(p).To(BeNil())
			Expect(errors.Is(err, ErrMalformedFrame)).To(BeTrue())
		}
	})

	It("should reject every truncation of a valid frame", func() {
		b := body(Encode(&ParticipantAnnouncement{
			Header:   NewRegistryMsgHeader(),
			PeerInfo: info,
		}, CurrentProtocolVersion))

		for n := 0; n < len(b); n++ {
			p, err := Decode(b[:n], CurrentProtocolVersion)

			Expect(p).To(BeNil())
			Expect(err).To(HaveOccurred())
		}
	})

	It("should reject trailing bytes", func() {
		b := body(Encode(&SubscriptionAnnouncement{Subscriber: sub}, CurrentProtocolVersion))
		b = append(b, 0)

		p, err := Decode(b, CurrentProtocolVersion)

		Expect(p).To(BeNil())
		Expect(errors.Is(err, ErrMalformedFrame)).To(BeTrue())
	})

	It("should reject unknown kinds", func() {
		_, err := Decode([]byte{0x7f, 0, 0, 0, 0}, CurrentProtocolVersion)
		Expect(err).To(MatchError(ErrMalformedFrame))

		_, err = Decode(nil, CurrentProtocolVersion)
		Expect(err).To(MatchError(ErrMalformedFrame))
	})

	It("should reject invalid status values", func() {
		b := body(Encode(&SubscriptionAcknowledge{Status: StatusSuccess, Subscriber: sub},
			CurrentProtocolVersion))
		b[1] = 5

		_, err := Decode(b, CurrentProtocolVersion)
		Expect(err).To(MatchError(ErrMalformedFrame))
	})

	It("should reject sequence counts that cannot fit", func() {
		b := body(Encode(&KnownParticipants{Header: NewRegistryMsgHeader()},
			CurrentProtocolVersion))
		binary.LittleEndian.PutUint32(b[len(b)-4:], 1<<30)

		_, err := Decode(b, CurrentProtocolVersion)
		Expect(err).To(MatchError(ErrMalformedFrame))
	})

	It("should report incompatible registry headers", func() {
		header := HeaderFor(ProtocolVersion{Major: 4, Minor: 0})
		b := body(Encode(&ParticipantAnnouncement{Header: header, PeerInfo: info},
			CurrentProtocolVersion))

		p, err := Decode(b, CurrentProtocolVersion)

		Expect(p).To(BeNil())
		Expect(errors.Is(err, ErrProtocolVersionMismatch)).To(BeTrue())

		var vme *VersionMismatchError
		Expect(errors.As(err, &vme)).To(BeTrue())
		Expect(vme.RegistryKind).To(Equal(RegistryParticipantAnnouncement))
		Expect(vme.Header.Equal(header)).To(BeTrue())
	})

	It("should report a wrong preamble as a version mismatch", func() {
		header := NewRegistryMsgHeader()
		header.Preamble = [4]byte{'V', 'I', 'B', '-'}

		_, err := Decode(body(Encode(&KnownParticipants{Header: header},
			CurrentProtocolVersion)), CurrentProtocolVersion)

		Expect(err).To(MatchError(ErrProtocolVersionMismatch))
	})
})
