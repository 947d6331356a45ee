package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const bridgeChannel = "collab:rooms"

type envelope struct {
	Instance   string `json:"instance"`
	DocumentID string `json:"documentId"`
	Event      Event  `json:"event"`
}

// Bridge relays room events between gateway instances over Redis pub/sub so
// participants connected to different processes still see each other's
// presence. Each instance tags its publications and ignores its own.
type Bridge struct {
	client   *redis.Client
	registry *Registry
	instance string
}

func NewBridge(client *redis.Client, registry *Registry) *Bridge {
	return &Bridge{
		client:   client,
		registry: registry,
		instance: uuid.NewString(),
	}
}

// Publish sends a room event to the other gateway instances.
func (b *Bridge) Publish(ctx context.Context, documentID string, evt Event) error {
	raw, err := json.Marshal(envelope{
		Instance:   b.instance,
		DocumentID: documentID,
		Event:      evt,
	})
	if err != nil {
		return fmt.Errorf("encode bridge envelope: %w", err)
	}
	if err := b.client.Publish(ctx, bridgeChannel, raw).Err(); err != nil {
		return fmt.Errorf("publish bridge envelope: %w", err)
	}
	return nil
}

// Run consumes the bridge channel until ctx is done, delivering foreign
// events to the local registry.
func (b *Bridge) Run(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, bridgeChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("session: bad bridge envelope: %v", err)
				continue
			}
			if env.Instance == b.instance {
				continue
			}
			b.registry.Broadcast(env.DocumentID, env.Event, "")
		}
	}
}
