// Package notify delivers state-transition events to observers. Delivery is
// best-effort: failures are logged and never reach the caller.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/soaringjerry/Renova/internal/services"
)

type Notifier interface {
	Notify(ctx context.Context, events []services.Event)
}

// LogNotifier writes each event to a zap logger.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, events []services.Event) {
	for _, ev := range events {
		n.log.Info("event",
			zap.String("kind", string(ev.Kind)),
			zap.String("requester", ev.Requester),
			zap.String("request_id", ev.RequestID),
			zap.Time("at", ev.At),
		)
	}
}

// Publisher is the subset of *redis.Client the Redis notifier uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type eventPayload struct {
	Kind      services.EventKind `json:"kind"`
	Requester string             `json:"requester"`
	RequestID string             `json:"request_id,omitempty"`
	At        time.Time          `json:"at"`
}

// DefaultPublishTimeout bounds each PUBLISH so a slow Redis cannot hold up
// the request that produced the event.
const DefaultPublishTimeout = 2 * time.Second

// RedisNotifier publishes every event as JSON on one pub/sub channel.
type RedisNotifier struct {
	pub     Publisher
	channel string
	timeout time.Duration
	log     *zap.Logger
}

func NewRedisNotifier(pub Publisher, channel string, log *zap.Logger) *RedisNotifier {
	return &RedisNotifier{pub: pub, channel: channel, timeout: DefaultPublishTimeout, log: log}
}

func (n *RedisNotifier) WithTimeout(d time.Duration) {
	n.timeout = d
}

// DialRedis connects to addr and checks it answers PING.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (n *RedisNotifier) Notify(ctx context.Context, events []services.Event) {
	for _, ev := range events {
		body, err := json.Marshal(eventPayload{Kind: ev.Kind, Requester: ev.Requester, RequestID: ev.RequestID, At: ev.At})
		if err != nil {
			n.log.Warn("encode event", zap.String("kind", string(ev.Kind)), zap.Error(err))
			continue
		}
		if err := n.publish(ctx, body); err != nil {
			n.log.Warn("publish event",
				zap.String("channel", n.channel),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err),
			)
		}
	}
}

func (n *RedisNotifier) publish(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.pub.Publish(ctx, n.channel, body).Err()
}

// Fanout hands events to every notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, events []services.Event) {
	if len(events) == 0 {
		return
	}
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, events)
		}
	}
}

// Nop drops events.
type Nop struct{}

func (Nop) Notify(context.Context, []services.Event) {}
