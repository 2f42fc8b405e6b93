package channel

import (
	"context"

	"wegate/pkg/bus"
)

// Handler consumes one accepted, parsed inbound message. The adapter has
// already answered the platform by the time it runs, so errors only affect
// the single message.
type Handler func(context.Context, bus.InboundMessage) error

// Adapter bridges one external transport into the gateway.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
	Send(context.Context, bus.OutboundMessage) error
}
