// Package wire implements the simbus framing and codec.
//
// A frame is a 4-byte little-endian length counting the bytes that follow it,
// one MsgKind byte and the kind-specific payload. All integers are fixed-width
// little-endian.
package wire

import (
	"encoding/binary"
	"fmt"
)

// FrameHeaderSize is the size of the length prefix of every frame.
const FrameHeaderSize = 4

// MsgKind discriminates frame payloads.
type MsgKind uint8

// Message kinds.
const (
	KindInvalid MsgKind = iota
	KindSubscriptionAnnouncement
	KindSubscriptionAcknowledge
	KindChannelMessage
	KindRegistryMessage
)

func (k MsgKind) String() string {
	switch k {
	case KindSubscriptionAnnouncement:
		return "SubscriptionAnnouncement"
	case KindSubscriptionAcknowledge:
		return "SubscriptionAcknowledge"
	case KindChannelMessage:
		return "ChannelMessage"
	case KindRegistryMessage:
		return "RegistryMessage"
	default:
		return fmt.Sprintf("MsgKind(%d)", uint8(k))
	}
}

// RegistryMessageKind discriminates the handshake payloads carried by
// KindRegistryMessage frames.
type RegistryMessageKind uint8

// Registry message kinds. RegistryParticipantAnnouncement is the first frame
// on every connection and its value must never change.
const (
	RegistryInvalid                      RegistryMessageKind = 0
	RegistryParticipantAnnouncement      RegistryMessageKind = 1
	RegistryParticipantAnnouncementReply RegistryMessageKind = 2
	RegistryKnownParticipants            RegistryMessageKind = 3
)

func (k RegistryMessageKind) String() string {
	switch k {
	case RegistryParticipantAnnouncement:
		return "ParticipantAnnouncement"
	case RegistryParticipantAnnouncementReply:
		return "ParticipantAnnouncementReply"
	case RegistryKnownParticipants:
		return "KnownParticipants"
	default:
		return fmt.Sprintf("RegistryMessageKind(%d)", uint8(k))
	}
}

// Status is the outcome carried by acknowledgements and announcement replies.
type Status uint8

// Status values.
const (
	StatusFailed  Status = 0
	StatusSuccess Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "Failed"
	case StatusSuccess:
		return "Success"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// PeerInfo describes how to reach a participant.
type PeerInfo struct {
	ParticipantName string
	ParticipantID   uint64
	ProcessID       string
	AcceptorURIs    []string

	// Capabilities is absent before protocol 3.1.
	Capabilities string
}

// Subscriber declares interest in one message type on one channel.
type Subscriber struct {
	ReceiverIdx uint16
	NetworkName string
	MsgTypeName string
	Version     uint32
}

// Matches compares everything but the type version.
func (s Subscriber) Matches(o Subscriber) bool {
	return s.ReceiverIdx == o.ReceiverIdx &&
		s.NetworkName == o.NetworkName &&
		s.MsgTypeName == o.MsgTypeName
}

func (s Subscriber) String() string {
	return fmt.Sprintf("[%s] %s v%d #%d",
		s.NetworkName, s.MsgTypeName, s.Version, s.ReceiverIdx)
}

// A Payload is the decoded content of a frame.
type Payload interface {
	Kind() MsgKind
	encode(w *Writer, v ProtocolVersion)
}

// A RegistryPayload is a handshake payload.
type RegistryPayload interface {
	Payload
	RegistryKind() RegistryMessageKind
	RegistryHeader() RegistryMsgHeader
}

// SubscriptionAnnouncement tells a peer about a local receiver.
type SubscriptionAnnouncement struct {
	Subscriber Subscriber
}

// SubscriptionAcknowledge answers a SubscriptionAnnouncement.
type SubscriptionAcknowledge struct {
	Status     Status
	Subscriber Subscriber
}

// ChannelMessage carries one marshalled user message to a remote receiver.
type ChannelMessage struct {
	ReceiverIdx    uint16
	SenderEndpoint uint16
	Data           []byte
}

// ParticipantAnnouncement opens a connection.
type ParticipantAnnouncement struct {
	Header   RegistryMsgHeader
	PeerInfo PeerInfo
}

// ParticipantAnnouncementReply answers a ParticipantAnnouncement with the
// replier's subscribers.
type ParticipantAnnouncementReply struct {
	Header      RegistryMsgHeader
	Status      Status
	Subscribers []Subscriber
}

// KnownParticipants lists participants the rendezvous service knows about.
type KnownParticipants struct {
	Header    RegistryMsgHeader
	PeerInfos []PeerInfo
}

// Kind returns KindSubscriptionAnnouncement.
func (*SubscriptionAnnouncement) Kind() MsgKind { return KindSubscriptionAnnouncement }

// Kind returns KindSubscriptionAcknowledge.
func (*SubscriptionAcknowledge) Kind() MsgKind { return KindSubscriptionAcknowledge }

// Kind returns KindChannelMessage.
func (*ChannelMessage) Kind() MsgKind { return KindChannelMessage }

// Kind returns KindRegistryMessage.
func (*ParticipantAnnouncement) Kind() MsgKind { return KindRegistryMessage }

// Kind returns KindRegistryMessage.
func (*ParticipantAnnouncementReply) Kind() MsgKind { return KindRegistryMessage }

// Kind returns KindRegistryMessage.
func (*KnownParticipants) Kind() MsgKind { return KindRegistryMessage }

// RegistryKind returns RegistryParticipantAnnouncement.
func (*ParticipantAnnouncement) RegistryKind() RegistryMessageKind {
	return RegistryParticipantAnnouncement
}

// RegistryKind returns RegistryParticipantAnnouncementReply.
func (*ParticipantAnnouncementReply) RegistryKind() RegistryMessageKind {
	return RegistryParticipantAnnouncementReply
}

// RegistryKind returns RegistryKnownParticipants.
func (*KnownParticipants) RegistryKind() RegistryMessageKind {
	return RegistryKnownParticipants
}

// RegistryHeader returns the handshake header.
func (m *ParticipantAnnouncement) RegistryHeader() RegistryMsgHeader { return m.Header }

// RegistryHeader returns the handshake header.
func (m *ParticipantAnnouncementReply) RegistryHeader() RegistryMsgHeader { return m.Header }

// RegistryHeader returns the handshake header.
func (m *KnownParticipants) RegistryHeader() RegistryMsgHeader { return m.Header }

const (
	subscriberMinSize = 2 + 4 + 4 + 4
	registryMinSize   = 1 + registryMsgHeaderSize
)

var minPayloadSize = map[MsgKind]int{
	KindSubscriptionAnnouncement: subscriberMinSize,
	KindSubscriptionAcknowledge:  1 + subscriberMinSize,
	KindChannelMessage:           2 + 2 + 4,
	KindRegistryMessage:          registryMinSize,
}

func peerInfoMinSize(v ProtocolVersion) int {
	size := 4 + 8 + 4 + 4
	if hasCapabilities(v) {
		size += 4
	}

	return size
}

func hasCapabilities(v ProtocolVersion) bool {
	return !v.Less(ProtocolVersion{Major: 3, Minor: 1})
}

// Encode serializes p into a complete frame, length prefix included.
func Encode(p Payload, v ProtocolVersion) []byte {
	w := NewWriter(64)
	w.PutUint32(0)
	w.PutUint8(uint8(p.Kind()))
	p.encode(w, v)

	binary.LittleEndian.PutUint32(w.buf, uint32(len(w.buf)-FrameHeaderSize))

	return w.buf
}

// Decode parses a frame body, the bytes following the length prefix.
func Decode(body []byte, v ProtocolVersion) (Payload, error) {
	if len(body) == 0 {
		return nil, &MalformedFrameError{Kind: KindInvalid, Reason: "empty frame"}
	}

	return DecodePayload(MsgKind(body[0]), body[1:], v)
}

// DecodePayload parses the payload of a frame of the given kind. Either a
// complete payload or an error is returned, never both.
func DecodePayload(kind MsgKind, data []byte, v ProtocolVersion) (Payload, error) {
	minSize, ok := minPayloadSize[kind]
	if !ok {
		return nil, &MalformedFrameError{Kind: kind, Reason: "unknown message kind"}
	}

	if len(data) < minSize {
		return nil, &MalformedFrameError{
			Kind:   kind,
			Reason: fmt.Sprintf("%d bytes is below the minimum of %d", len(data), minSize),
		}
	}

	r := NewReader(data)

	var p Payload

	switch kind {
	case KindSubscriptionAnnouncement:
		p = &SubscriptionAnnouncement{Subscriber: decodeSubscriber(r)}
	case KindSubscriptionAcknowledge:
		m := &SubscriptionAcknowledge{}
		m.Status = decodeStatus(r)
		m.Subscriber = decodeSubscriber(r)
		p = m
	case KindChannelMessage:
		m := &ChannelMessage{}
		m.ReceiverIdx = r.Uint16()
		m.SenderEndpoint = r.Uint16()
		m.Data = r.ByteSlice()
		p = m
	case KindRegistryMessage:
		var err error

		p, err = decodeRegistry(r)
		if err != nil {
			return nil, malformed(kind, err)
		}
	}

	if err := r.Finish(); err != nil {
		return nil, malformed(kind, err)
	}

	return p, nil
}

func decodeRegistry(r *Reader) (Payload, error) {
	kind := RegistryMessageKind(r.Uint8())
	header := decodeHeader(r)

	if r.Err() != nil {
		return nil, r.Err()
	}

	if !header.Compatible() {
		return nil, &VersionMismatchError{RegistryKind: kind, Header: header}
	}

	v := header.Version()

	switch kind {
	case RegistryParticipantAnnouncement:
		if r.Remaining() < peerInfoMinSize(v) {
			return nil, errShortRead(peerInfoMinSize(v), r.Remaining())
		}

		return &ParticipantAnnouncement{
			Header:   header,
			PeerInfo: decodePeerInfo(r, v),
		}, nil
	case RegistryParticipantAnnouncementReply:
		m := &ParticipantAnnouncementReply{Header: header}
		m.Status = decodeStatus(r)

		n := r.Count(subscriberMinSize)
		for range n {
			m.Subscribers = append(m.Subscribers, decodeSubscriber(r))
		}

		return m, nil
	case RegistryKnownParticipants:
		m := &KnownParticipants{Header: header}

		n := r.Count(peerInfoMinSize(v))
		for range n {
			m.PeerInfos = append(m.PeerInfos, decodePeerInfo(r, v))
		}

		return m, nil
	default:
		return nil, fmt.Errorf("unknown registry message kind %d", uint8(kind))
	}
}

func (m *SubscriptionAnnouncement) encode(w *Writer, _ ProtocolVersion) {
	encodeSubscriber(w, m.Subscriber)
}

func (m *SubscriptionAcknowledge) encode(w *Writer, _ ProtocolVersion) {
	w.PutUint8(uint8(m.Status))
	encodeSubscriber(w, m.Subscriber)
}

func (m *ChannelMessage) encode(w *Writer, _ ProtocolVersion) {
	w.PutUint16(m.ReceiverIdx)
	w.PutUint16(m.SenderEndpoint)
	w.PutBytes(m.Data)
}

// Registry payloads are laid out according to the version in their own
// header so that they can be read before any version has been negotiated.
func (m *ParticipantAnnouncement) encode(w *Writer, _ ProtocolVersion) {
	w.PutUint8(uint8(RegistryParticipantAnnouncement))
	m.Header.encode(w)
	encodePeerInfo(w, m.PeerInfo, m.Header.Version())
}

func (m *ParticipantAnnouncementReply) encode(w *Writer, _ ProtocolVersion) {
	w.PutUint8(uint8(RegistryParticipantAnnouncementReply))
	m.Header.encode(w)
	w.PutUint8(uint8(m.Status))
	w.PutUint32(uint32(len(m.Subscribers)))

	for _, s := range m.Subscribers {
		encodeSubscriber(w, s)
	}
}

func (m *KnownParticipants) encode(w *Writer, _ ProtocolVersion) {
	w.PutUint8(uint8(RegistryKnownParticipants))
	m.Header.encode(w)
	w.PutUint32(uint32(len(m.PeerInfos)))

	for _, info := range m.PeerInfos {
		encodePeerInfo(w, info, m.Header.Version())
	}
}

func encodeSubscriber(w *Writer, s Subscriber) {
	w.PutUint16(s.ReceiverIdx)
	w.PutString(s.NetworkName)
	w.PutString(s.MsgTypeName)
	w.PutUint32(s.Version)
}

func decodeSubscriber(r *Reader) Subscriber {
	var s Subscriber

	s.ReceiverIdx = r.Uint16()
	s.NetworkName = r.Str()
	s.MsgTypeName = r.Str()
	s.Version = r.Uint32()

	return s
}

func decodeStatus(r *Reader) Status {
	s := Status(r.Uint8())
	if s > StatusSuccess {
		r.Fail(errInvalidValue("status", uint64(s)))
	}

	return s
}

func encodePeerInfo(w *Writer, info PeerInfo, v ProtocolVersion) {
	w.PutString(info.ParticipantName)
	w.PutUint64(info.ParticipantID)
	w.PutString(info.ProcessID)
	w.PutStrings(info.AcceptorURIs)

	if hasCapabilities(v) {
		w.PutString(info.Capabilities)
	}
}

func decodePeerInfo(r *Reader, v ProtocolVersion) PeerInfo {
	var info PeerInfo

	info.ParticipantName = r.Str()
	info.ParticipantID = r.Uint64()
	info.ProcessID = r.Str()
	info.AcceptorURIs = r.Strings()

	if hasCapabilities(v) {
		info.Capabilities = r.Str()
	}

	return info
}
