package connection

import (
	"context"

	"github.com/sarchlab/simbus/wire"
)

// An Endpoint is a local sender bound to one channel.
type Endpoint struct {
	Address wire.EndpointAddress
	Channel string
}

// A MessageFactory creates an empty message to decode into.
type MessageFactory func() wire.Message

// A Handler receives decoded messages.
type Handler func(from wire.EndpointAddress, msg wire.Message)

// SubscriptionResult is one peer's answer to a subscription.
type SubscriptionResult struct {
	Participant string
	Status      wire.Status
}

// RegisterHandler subscribes a typed handler to messages of type M on channel.
func RegisterHandler[M wire.Message](
	ctx context.Context,
	c *Connection,
	channel string,
	newMsg func() M,
	handler func(from wire.EndpointAddress, msg M),
) ([]SubscriptionResult, error) {
	return c.Subscribe(ctx, channel,
		func() wire.Message { return newMsg() },
		func(from wire.EndpointAddress, msg wire.Message) {
			handler(from, msg.(M))
		})
}
