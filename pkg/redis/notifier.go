package redis

import (
	"context"

	"go.uber.org/zap"
)

// Notifier publishes operator messages to a Pub/Sub channel for the bots
// subscribed to it. Every message is also logged, so a nil client still
// leaves a trace.
type Notifier struct {
	client  *Client
	channel string
	logger  *zap.Logger
}

func NewNotifier(client *Client, channel string, logger *zap.Logger) *Notifier {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &Notifier{client: client, channel: channel, logger: logger.With(zap.String("component", "notifier"))}
}

// Notify never blocks on delivery failures.
func (n *Notifier) Notify(ctx context.Context, msg string) {
	n.logger.Info(msg)
	if n.client == nil {
		return
	}
	if err := n.client.Publish(ctx, n.channel, msg); err != nil {
		n.logger.Warn("Notification not published", zap.String("channel", n.channel), zap.Error(err))
	}
}
