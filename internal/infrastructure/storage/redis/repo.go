package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"mt5bridge/internal/application/port"
)

// Notifier mirrors committed changes into Redis: a capped stream for
// replay, a pub/sub channel for live consumers, and a hash of open
// positions keyed by ticket.
type Notifier struct {
	rdb          *redis.Client
	prefix       string
	stream       string
	channel      string
	keyPositions string
	maxLen       int64
}

type Config struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	StreamMaxLen int64
}

func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func New(rdb *redis.Client, prefix string, maxLen int64) *Notifier {
	if strings.TrimSpace(prefix) == "" {
		prefix = "mt5bridge"
	}
	return &Notifier{
		rdb:          rdb,
		prefix:       prefix,
		stream:       prefix + ":changes",
		channel:      prefix + ":changes:pub",
		keyPositions: prefix + ":positions",
		maxLen:       maxLen,
	}
}

func (n *Notifier) Ping(ctx context.Context) error {
	return n.rdb.Ping(ctx).Err()
}

func (n *Notifier) Close() error { return n.rdb.Close() }

func (n *Notifier) Publish(ctx context.Context, ch port.Change) error {
	b, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("redis.Publish: %w", err)
	}

	pipe := n.rdb.Pipeline()
	if ch.Table == port.TablePositions {
		switch ch.Op {
		case port.OpDelete:
			pipe.HDel(ctx, n.keyPositions, ch.Key)
		default:
			row, err := json.Marshal(ch.Row)
			if err != nil {
				return fmt.Errorf("redis.Publish: %w", err)
			}
			pipe.HSet(ctx, n.keyPositions, ch.Key, string(row))
		}
	}
	pipe.XAdd(ctx, n.streamArgs(ch, b))
	pipe.Publish(ctx, n.channel, string(b))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.Publish %s/%s: %w", ch.Table, ch.Key, err)
	}
	return nil
}

func (n *Notifier) streamArgs(ch port.Change, payload []byte) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]any{
			"table":   ch.Table,
			"op":      string(ch.Op),
			"key":     ch.Key,
			"ts_ms":   ch.Ts.UnixMilli(),
			"payload": string(payload),
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}
	return args
}

var _ port.Notifier = (*Notifier)(nil)
