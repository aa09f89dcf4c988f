package orchestration

import (
	"context"

	"github.com/sarchlab/simbus/connection"
	"github.com/sarchlab/simbus/wire"
)

// A Messenger publishes and receives messages on behalf of one participant.
// *connection.Connection is a Messenger.
type Messenger interface {
	ParticipantName() string
	NewEndpoint(channel string) connection.Endpoint
	SendMessage(from connection.Endpoint, msg wire.Message)
	Subscribe(
		ctx context.Context,
		channel string,
		factory connection.MessageFactory,
		handler connection.Handler,
	) ([]connection.SubscriptionResult, error)
	RegisterRemoteSubscriptionHandler(h func(peer string, sub wire.Subscriber))
	RegisterPeerShutdownHandler(h func(name string))
}

var _ Messenger = (*connection.Connection)(nil)

func subscribe[M wire.Message](
	ctx context.Context,
	m Messenger,
	newMsg func() M,
	handler func(from wire.EndpointAddress, msg M),
) error {
	_, err := m.Subscribe(ctx, Channel,
		func() wire.Message { return newMsg() },
		func(from wire.EndpointAddress, msg wire.Message) {
			handler(from, msg.(M))
		})

	return err
}
