package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "post-events:"

// Bridge fans events out across API instances over Redis pub/sub. Each
// instance publishes mutations to Redis and re-emits every inbound message,
// its own included, into the local hub. That keeps per-room ordering tied to
// a single publish stream.
type Bridge struct {
	client *redis.Client
	hub    *Hub
}

func NewBridge(client *redis.Client, hub *Hub) *Bridge {
	return &Bridge{client: client, hub: hub}
}

// Publish sends an event to the post's Redis channel.
func (b *Bridge) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+event.PostID, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run consumes the post channels until the context is cancelled, feeding
// every message into the local hub. Malformed payloads are logged and skipped.
func (b *Bridge) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("realtime: bad event payload on %s: %v", msg.Channel, err)
				continue
			}
			if event.PostID == "" {
				event.PostID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			b.hub.Publish(event.PostID, event)
		}
	}
}

// Broadcaster is what the comment service publishes through. With a bridge
// attached events travel via Redis so every instance's hub sees them; without
// one they go straight to the local hub.
type Broadcaster struct {
	hub    *Hub
	bridge *Bridge
}

func NewBroadcaster(hub *Hub, bridge *Bridge) *Broadcaster {
	return &Broadcaster{hub: hub, bridge: bridge}
}

func (b *Broadcaster) Publish(ctx context.Context, event Event) error {
	if b.bridge != nil {
		return b.bridge.Publish(ctx, event)
	}
	b.hub.Publish(event.PostID, event)
	return nil
}
