package bus

import "time"

// InboundMessage is the envelope handed to the routing collaborator for one
// accepted callback message.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	Account    string            `json:"account"`
	SenderID   string            `json:"sender_id"`
	AgentID    string            `json:"agent_id,omitempty"`
	MessageID  string            `json:"message_id"`
	SessionKey string            `json:"session_key"`
	Content    string            `json:"content"`
	Formatted  string            `json:"formatted,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is one reply the routing collaborator wants pushed back out
// through a channel adapter.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	Account   string            `json:"account"`
	Recipient string            `json:"recipient"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
