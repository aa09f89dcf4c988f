package wire

import "fmt"

// A Message is a typed value carried on a channel. The type name and version
// identify it across processes; subscribers of a different version are
// refused when the subscription is acknowledged.
type Message interface {
	MsgTypeName() string
	MsgTypeVersion() uint32
	MarshalTo(w *Writer)
	UnmarshalFrom(r *Reader)
}

// Marshal encodes m.
func Marshal(m Message) []byte {
	w := NewWriter(64)
	m.MarshalTo(w)

	return w.Bytes()
}

// Unmarshal decodes data into m. On error m must be discarded.
func Unmarshal(data []byte, m Message) error {
	r := NewReader(data)
	m.UnmarshalFrom(r)

	if err := r.Finish(); err != nil {
		return &MalformedFrameError{
			Kind:   KindChannelMessage,
			Reason: fmt.Sprintf("%s: %v", m.MsgTypeName(), err),
		}
	}

	return nil
}

// EndpointAddress names the sender of a channel message.
type EndpointAddress struct {
	Participant string
	Endpoint    uint16
}

func (a EndpointAddress) String() string {
	return fmt.Sprintf("%s/%d", a.Participant, a.Endpoint)
}
