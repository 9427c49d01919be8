package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ConsumerConfig configures a StreamConsumer. With Group set, entries are
// delivered at least once and acknowledged after the handler succeeds.
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string

	// StartID is where a consumer without a group begins: "0" replays, "$"
	// (default) waits for new entries.
	StartID string

	Count      int64         // default 100
	Block      time.Duration // default 5s
	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 30s
}

func (c *ConsumerConfig) setDefaults() {
	if c.StartID == "" {
		c.StartID = "$"
	}
	if c.Count == 0 {
		c.Count = 100
	}
	if c.Block == 0 {
		c.Block = 5 * time.Second
	}
	if c.MinBackoff == 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Message is one stream entry.
type Message struct {
	ID     string
	Values map[string]interface{}
}

// Handler processes one entry. A non-nil error leaves it unacknowledged.
type Handler func(ctx context.Context, msg Message) error

// StreamConsumer reads one stream until its context ends.
type StreamConsumer struct {
	client *Client
	cfg    ConsumerConfig
	logger *zap.Logger
}

func NewStreamConsumer(client *Client, cfg ConsumerConfig, logger *zap.Logger) (*StreamConsumer, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case cfg.Stream == "":
		return nil, errors.New("stream name is required")
	case cfg.Group != "" && cfg.Consumer == "":
		return nil, errors.New("consumer name is required with a group")
	}
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamConsumer{client: client, cfg: cfg, logger: logger.With(zap.String("stream", cfg.Stream))}, nil
}

// Run calls handle for every entry until ctx is done. Read errors back off
// exponentially; a block timeout with no entries is not an error.
func (sc *StreamConsumer) Run(ctx context.Context, handle Handler) error {
	if sc.cfg.Group != "" {
		if err := sc.client.ensureGroup(ctx, sc.cfg.Stream, sc.cfg.Group); err != nil {
			return err
		}
		sc.logger.Info("Consumer group ready", zap.String("group", sc.cfg.Group), zap.String("consumer", sc.cfg.Consumer))
	}

	cursor := sc.cfg.StartID
	backoff := sc.cfg.MinBackoff
	for ctx.Err() == nil {
		entries, err := sc.client.read(ctx, sc.cfg.Stream, sc.cfg.Group, sc.cfg.Consumer, cursor, sc.cfg.Count, sc.cfg.Block)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			sc.logger.Warn("Stream read failed", zap.Error(err), zap.Duration("retryIn", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = min(backoff*2, sc.cfg.MaxBackoff)
			continue
		}
		backoff = sc.cfg.MinBackoff

		for _, e := range entries {
			cursor = e.ID
			if err := handle(ctx, Message{ID: e.ID, Values: e.Values}); err != nil {
				sc.logger.Error("Stream entry not processed", zap.String("id", e.ID), zap.Error(err))
				continue
			}
			if sc.cfg.Group == "" {
				continue
			}
			if err := sc.client.ack(ctx, sc.cfg.Stream, sc.cfg.Group, e.ID); err != nil {
				sc.logger.Warn("Ack failed", zap.String("id", e.ID), zap.Error(err))
			}
		}
	}
	sc.logger.Info("Stream consumer stopped")
	return ctx.Err()
}

// Data returns the "data" field, nil when absent.
func (m Message) Data() []byte {
	switch v := m.Values["data"].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}

// Field returns field as text, "" when absent.
func (m Message) Field(field string) string {
	switch v := m.Values[field].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

// Uint32 returns a numeric field, 0 when absent or unparsable.
func (m Message) Uint32(field string) uint32 {
	return parseUint32(m.Values[field])
}

func parseUint32(v interface{}) uint32 {
	switch n := v.(type) {
	case int64:
		return uint32(n)
	case int:
		return uint32(n)
	case string:
		// Redis hands numbers back as strings.
		parsed, err := strconv.ParseUint(strings.TrimSpace(n), 10, 32)
		if err != nil {
			return 0
		}
		return uint32(parsed)
	}
	return 0
}
