package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/stratalabs/strata/pkg/ledger"
)

// DefaultFanoutChannel is the pub/sub channel for cross-node notifications.
const DefaultFanoutChannel = "strata:commits"

// Publisher mirrors local commits to Redis pub/sub so hubs on other nodes
// can serve the same tail. Notifications are the compact
// "container_id:sequence" form; receivers pull the entry body from their
// own store, keeping message size independent of payload size.
type Publisher struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewPublisher(client redis.UniversalClient, channel string, logger *slog.Logger) *Publisher {
	if channel == "" {
		channel = DefaultFanoutChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, channel: channel, logger: logger}
}

// Notify is the ledger.Listener entry point. Publish failures are logged,
// not propagated: remote hubs self-heal through gap fill.
func (p *Publisher) Notify(entry ledger.Entry) {
	msg := fmt.Sprintf("%s:%d", entry.ContainerID, entry.Sequence)
	if err := p.client.Publish(context.Background(), p.channel, msg).Err(); err != nil {
		p.logger.Warn("fanout publish failed",
			"container_id", entry.ContainerID,
			"sequence", entry.Sequence,
			"error", err)
	}
}

// Relay feeds remote commit notifications into a local Hub. Each
// notification is resolved against the local store before delivery, so a
// relay only ever announces entries it can actually serve.
type Relay struct {
	client  redis.UniversalClient
	channel string
	reader  Reader
	hub     *Hub
	logger  *slog.Logger
}

func NewRelay(client redis.UniversalClient, channel string, reader Reader, hub *Hub, logger *slog.Logger) *Relay {
	if channel == "" {
		channel = DefaultFanoutChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{client: client, channel: channel, reader: reader, hub: hub, logger: logger}
}

// Run consumes the fanout channel until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload string) {
	containerID, seq, err := ParseNotification(payload)
	if err != nil {
		r.logger.Warn("malformed fanout notification", "payload", payload, "error", err)
		return
	}
	entries, err := r.reader.Range(ctx, containerID, seq, 1)
	if err != nil || len(entries) == 0 || entries[0].Sequence != seq {
		// Not yet replicated locally; subscribers will gap-fill when the
		// next resolvable notification arrives.
		return
	}
	r.hub.Notify(entries[0])
}

// ParseNotification splits a compact "container_id:sequence" notification.
// Container ids may themselves contain colons; the sequence is everything
// after the last one.
func ParseNotification(payload string) (string, uint64, error) {
	idx := strings.LastIndex(payload, ":")
	if idx <= 0 || idx == len(payload)-1 {
		return "", 0, fmt.Errorf("malformed notification %q", payload)
	}
	seq, err := strconv.ParseUint(payload[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed sequence in %q: %w", payload, err)
	}
	return payload[:idx], seq, nil
}
