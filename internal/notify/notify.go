// Package notify delivers user notifications by channel (push, email, sms,
// in-app). The sync core treats delivery as fire-and-forget.
package notify

import "context"

// Channel is a delivery channel.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

// Notification is one message addressed to a user over a channel.
type Notification struct {
	UserID  string            `json:"user_id"`
	Channel Channel           `json:"channel"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"`
}

// Notifier delivers notifications. Content formatting belongs to the caller.
type Notifier interface {
	Deliver(ctx context.Context, n Notification) error
}

// Nop is a Notifier that discards everything.
type Nop struct{}

func (Nop) Deliver(context.Context, Notification) error { return nil }
