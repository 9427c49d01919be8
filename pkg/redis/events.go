package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/faults"
)

const (
	DefaultEventsStream  = "scorekeeper:chain-events"
	DefaultNotifyChannel = "scorekeeper:notifications"
)

// DecodeEvent reads a chain event either from a JSON "data" field or from
// flat "kind", "session" and comma separated "offline" fields.
func DecodeEvent(msg Message) (faults.Event, error) {
	if data := msg.Data(); data != nil {
		var ev faults.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return faults.Event{}, fmt.Errorf("decode event %s: %w", msg.ID, err)
		}
		return ev, nil
	}

	kind := msg.Field("kind")
	if kind == "" {
		return faults.Event{}, fmt.Errorf("event %s has no kind", msg.ID)
	}
	ev := faults.Event{
		Kind:    faults.EventKind(kind),
		Session: msg.Uint32("session"),
	}
	if offline := msg.Field("offline"); offline != "" {
		for _, s := range strings.Split(offline, ",") {
			if s = strings.TrimSpace(s); s != "" {
				ev.Offline = append(ev.Offline, s)
			}
		}
	}
	return ev, nil
}

// EventFeed runs consumer in the background and delivers decoded events on
// the returned channel, which is closed when the consumer stops.
// Undecodable entries are logged and dropped.
func EventFeed(ctx context.Context, consumer *StreamConsumer, buffer int, logger *zap.Logger) <-chan faults.Event {
	out := make(chan faults.Event, buffer)
	go func() {
		defer close(out)
		err := consumer.Run(ctx, func(ctx context.Context, msg Message) error {
			ev, err := DecodeEvent(msg)
			if err != nil {
				logger.Warn("Dropping undecodable chain event", zap.String("id", msg.ID), zap.Error(err))
				return nil
			}
			select {
			case out <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Chain event consumer stopped", zap.Error(err))
		}
	}()
	return out
}
