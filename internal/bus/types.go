package bus

import "context"

// OutboundMessage represents a message to be delivered to a channel surface.
// Task progress reports, meeting summaries, and direct replies all travel
// through this shape.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	TopicID  string            `json:"topic_id,omitempty"` // forum topic / thread
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Outbound is the messaging adapter contract. Implementations live outside
// this core (Telegram, Discord, CLI echo); the core only depends on Send.
type Outbound interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// OutboundFunc adapts a function to the Outbound interface.
type OutboundFunc func(ctx context.Context, msg OutboundMessage) error

func (f OutboundFunc) Send(ctx context.Context, msg OutboundMessage) error {
	return f(ctx, msg)
}

// Discard drops all outbound messages. Used when no adapter is configured.
var Discard Outbound = OutboundFunc(func(context.Context, OutboundMessage) error { return nil })
