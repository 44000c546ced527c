// Package broadcast is the per-project fan-out fabric for ephemeral
// collaboration events. Delivery is at-most-once and unordered relative to
// the data store: events are hints for low-latency UI feedback, never ground
// truth. Nothing here is persisted and publish failures are swallowed.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"scenesync/api/internal/scene"
)

type EventType string

const (
	EventUserJoined  EventType = "user-joined"
	EventUserLeft    EventType = "user-left"
	EventUserUpdate  EventType = "user-update"
	EventSceneChange EventType = "scene-change"
	EventSceneSync   EventType = "scene-sync"
	EventRequestSync EventType = "request-sync"
)

// Event is the wire envelope. The ID is a ULID so receivers can recognize
// their own echoes and logs sort by publish time.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	UserID    string          `json:"userId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type JoinedPayload struct {
	DisplayName    string     `json:"displayName"`
	CursorPosition [3]float64 `json:"cursorPosition"`
}

type PresencePayload struct {
	CursorPosition  *[3]float64 `json:"cursorPosition,omitempty"`
	SelectedElement *string     `json:"selectedElement,omitempty"`
}

type SceneChangePayload struct {
	Change scene.Change `json:"change"`
}

type SceneSyncPayload struct {
	Objects []scene.Object `json:"objects"`
}

// Channel relays events between all subscribers of a project over redis
// pub/sub. Any authorized client may publish or subscribe; the channel holds
// no state of its own.
type Channel struct {
	client *redis.Client
}

func NewChannel(redisURL string) (*Channel, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Channel{client: client}, nil
}

func NewChannelWithClient(client *redis.Client) *Channel {
	return &Channel{client: client}
}

func channelName(projectID string) string {
	return "events:" + projectID
}

// Publish fans the event out to current subscribers of the project. Failures
// are logged and swallowed: durability never depends on broadcast delivery,
// and a write must not fail because its notification did.
func (c *Channel) Publish(ctx context.Context, projectID string, event Event) {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	raw, err := json.Marshal(event)
	if err != nil {
		log.Printf("broadcast: drop %s event for project %s: %v", event.Type, projectID, err)
		return
	}
	if err := c.client.Publish(ctx, channelName(projectID), raw).Err(); err != nil {
		log.Printf("broadcast: publish %s to project %s failed: %v", event.Type, projectID, err)
	}
}

// Subscription is one live registration on a project's channel.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// Subscribe registers a handler invoked once per event published to the
// project for the lifetime of the subscription. Events that fail to decode
// are dropped.
func (c *Channel) Subscribe(ctx context.Context, projectID string, handler func(Event)) (*Subscription, error) {
	pubsub := c.client.Subscribe(ctx, channelName(projectID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to project %s: %w", projectID, err)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("broadcast: drop undecodable event on project %s: %v", projectID, err)
				continue
			}
			handler(event)
		}
	}()
	return sub, nil
}

// Close tears down the subscription and waits for the pump to drain.
func (s *Subscription) Close() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}

func (c *Channel) Close() error {
	return c.client.Close()
}

func (c *Channel) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
