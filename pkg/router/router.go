// Package router defines the boundary to the external routing collaborator:
// the component that maps an inbound peer to a conversation session and
// ultimately produces the agent's reply. The gateway only calls these
// interfaces; it never implements routing or reply formatting itself.
package router

import (
	"context"

	"wegate/pkg/bus"
)

// Peer identifies the inbound side of one conversation.
type Peer struct {
	Channel  string
	Account  string
	SenderID string
	AgentID  string
}

// Route is the collaborator's answer for where a peer's messages belong.
type Route struct {
	SessionKey string
	AgentID    string
}

// Resolver maps peers to routes and owns pairing decisions for accounts in
// pairing mode.
type Resolver interface {
	ResolveRoute(ctx context.Context, peer Peer) (Route, error)
	Approve(ctx context.Context, peer Peer) (bool, error)
}

// Dispatcher consumes one accepted envelope. Dispatch is fire-and-forget from
// the gateway's view; replies come back asynchronously through the outbound
// side of the bus and the channel adapter's sender.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg bus.InboundMessage) error
}

// StaticResolver is the fallback collaborator when none is wired: it derives
// the session key from the peer identity and denies pairing requests.
type StaticResolver struct{}

func (StaticResolver) ResolveRoute(_ context.Context, peer Peer) (Route, error) {
	return Route{
		SessionKey: peer.Channel + ":" + peer.SenderID,
		AgentID:    peer.AgentID,
	}, nil
}

// Approve denies everyone; pairing mode needs a real collaborator behind it.
func (StaticResolver) Approve(context.Context, Peer) (bool, error) {
	return false, nil
}

// EchoDispatcher loops an envelope straight back to its sender as an outbound
// reply. It exists so the gateway binary runs end to end before a real
// collaborator is attached, and as a test double.
type EchoDispatcher struct {
	Bus *bus.MessageBus
}

func (d *EchoDispatcher) Dispatch(ctx context.Context, msg bus.InboundMessage) error {
	d.Bus.PublishOutbound(ctx, bus.OutboundMessage{
		Channel:   msg.Channel,
		Account:   msg.Account,
		Recipient: msg.SenderID,
		Content:   msg.Content,
	})
	return nil
}
