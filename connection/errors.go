package connection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sarchlab/simbus/wire"
)

var (
	// ErrClosed is returned by operations on a closed Connection.
	ErrClosed = errors.New("connection: closed")

	// ErrAlreadyJoined is returned when JoinDomain is called twice.
	ErrAlreadyJoined = errors.New("connection: already joined a domain")

	// ErrPeerClosed reports that a peer went away during a handshake.
	ErrPeerClosed = errors.New("connection: peer closed")
)

// An AnnouncementError reports a participant that refused our announcement.
type AnnouncementError struct {
	Participant string
	Header      wire.RegistryMsgHeader
}

func (e *AnnouncementError) Error() string {
	return fmt.Sprintf("connection: %q rejected the announcement (remote header %s)",
		e.Participant, e.Header)
}

// A SubscriptionError reports peers that refused a subscription, typically
// because they use another version of the message type.
type SubscriptionError struct {
	Subscriber wire.Subscriber
	Rejected   []string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("connection: subscription %s rejected by [%s]",
		e.Subscriber, strings.Join(e.Rejected, ", "))
}
