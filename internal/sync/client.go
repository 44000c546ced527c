// Package sync drives one editor's collaborative session: joining, leaving,
// advisory presence updates, optimistic scene edits, and catch-up after
// missed broadcasts.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"scenesync/api/internal/broadcast"
	"scenesync/api/internal/presence"
	"scenesync/api/internal/scene"
	"scenesync/api/internal/store"
)

// The authoritative scene rides the data store under this key.
const (
	SceneDataType = "scene"
	SceneDataKey  = "main"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateJoining      State = "joining"
	StateActive       State = "active"
)

var ErrNotActive = errors.New("session is not active")

type DataStore interface {
	ReadEntries(ctx context.Context, projectID, dataType, dataKey string) ([]store.DataEntry, error)
	WriteEntry(ctx context.Context, projectID, dataType, dataKey string, payload json.RawMessage, expectedVersion *int64, updatedBy string) (store.WriteResult, error)
}

type Presence interface {
	Join(ctx context.Context, userID, projectID, displayName string, opts presence.UpdateOptions) error
	Update(ctx context.Context, userID, projectID string, opts presence.UpdateOptions) (bool, error)
	Leave(ctx context.Context, userID, projectID string) error
}

type Broadcaster interface {
	Publish(ctx context.Context, projectID string, event broadcast.Event)
	Subscribe(ctx context.Context, projectID string, handler func(broadcast.Event)) (*broadcast.Subscription, error)
}

// Peer is another collaborator as last seen over the broadcast channel,
// kept for rendering avatars. Advisory only; the presence registry is the
// queryable record.
type Peer struct {
	UserID          string     `json:"userId"`
	DisplayName     string     `json:"displayName"`
	CursorPosition  [3]float64 `json:"cursorPosition"`
	SelectedElement string     `json:"selectedElement,omitempty"`
}

// Client is the per-editor session state machine:
// Disconnected -> Joining -> Active -> Disconnected.
type Client struct {
	userID      string
	projectID   string
	displayName string

	store    DataStore
	presence Presence
	channel  Broadcaster
	scene    *scene.Scene

	mu      sync.Mutex
	state   State
	sub     *broadcast.Subscription
	version int64
	peers   map[string]Peer
}

func NewClient(userID, projectID, displayName string, dataStore DataStore, reg Presence, channel Broadcaster) *Client {
	return &Client{
		userID:      userID,
		projectID:   projectID,
		displayName: displayName,
		store:       dataStore,
		presence:    reg,
		channel:     channel,
		scene:       scene.New(),
		state:       StateDisconnected,
		peers:       make(map[string]Peer),
	}
}

func (c *Client) Scene() *scene.Scene { return c.scene }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Version is the last scene-entry version this client observed or wrote.
func (c *Client) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Client) Peers() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]Peer, 0, len(c.peers))
	for _, peer := range c.peers {
		peers = append(peers, peer)
	}
	return peers
}

// Join opens the session: register presence, subscribe to the project's
// broadcast channel, seed the local scene from the persisted entry, and
// announce ourselves. Re-entrant; a second Join on an active session only
// refreshes presence. Presence failures degrade gracefully (editing must
// continue without presence tracking), but a failed subscription is a
// transport failure and leaves the session disconnected.
func (c *Client) Join(ctx context.Context, opts presence.UpdateOptions) error {
	c.mu.Lock()
	if c.state == StateActive {
		c.mu.Unlock()
		if err := c.presence.Join(ctx, c.userID, c.projectID, c.displayName, opts); err != nil {
			log.Printf("sync: presence re-join for %s failed: %v", c.userID, err)
		}
		return nil
	}
	c.state = StateJoining
	c.mu.Unlock()

	if err := c.presence.Join(ctx, c.userID, c.projectID, c.displayName, opts); err != nil {
		log.Printf("sync: presence join for %s failed, continuing without presence: %v", c.userID, err)
	}

	sub, err := c.channel.Subscribe(ctx, c.projectID, c.handleEvent)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("join project %s: %w", c.projectID, err)
	}

	version, objects, err := c.loadPersistedScene(ctx)
	if err != nil {
		_ = sub.Close()
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}
	if objects != nil {
		c.scene.ReplaceAll(objects)
	}

	c.mu.Lock()
	c.sub = sub
	c.version = version
	c.state = StateActive
	c.mu.Unlock()

	joined := broadcast.JoinedPayload{DisplayName: c.displayName}
	if opts.CursorPosition != nil {
		joined.CursorPosition = *opts.CursorPosition
	}
	c.publish(ctx, broadcast.EventUserJoined, joined)
	return nil
}

// Leave closes the session. The presence record is demoted, not deleted.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return nil
	}
	sub := c.sub
	c.sub = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if err := c.presence.Leave(ctx, c.userID, c.projectID); err != nil {
		log.Printf("sync: presence leave for %s failed: %v", c.userID, err)
	}
	c.publish(ctx, broadcast.EventUserLeft, nil)
	if sub != nil {
		return sub.Close()
	}
	return nil
}

// UpdatePresence pushes a cursor/selection change. Advisory only; it never
// touches the data store. An update against a session that silently expired
// is treated as an implicit re-join.
func (c *Client) UpdatePresence(ctx context.Context, opts presence.UpdateOptions) error {
	existed, err := c.presence.Update(ctx, c.userID, c.projectID, opts)
	if err != nil {
		log.Printf("sync: presence update for %s failed: %v", c.userID, err)
	} else if !existed {
		if err := c.presence.Join(ctx, c.userID, c.projectID, c.displayName, opts); err != nil {
			log.Printf("sync: implicit re-join for %s failed: %v", c.userID, err)
		}
	}

	c.publish(ctx, broadcast.EventUserUpdate, broadcast.PresencePayload{
		CursorPosition:  opts.CursorPosition,
		SelectedElement: opts.SelectedElement,
	})
	return nil
}

// CommitSceneChange applies the change locally first, broadcasts the delta
// for low-latency feedback, and then persists the full object list with the
// version this client last observed. A conflict is returned to the caller
// untouched; whether to re-read and retry is the caller's decision, and the
// broadcast is deliberately not rolled back (peers recover via scene-sync).
func (c *Client) CommitSceneChange(ctx context.Context, change scene.Change) (store.WriteResult, error) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return store.WriteResult{}, ErrNotActive
	}
	expected := c.version
	c.mu.Unlock()

	c.scene.ApplyChange(change)
	c.publish(ctx, broadcast.EventSceneChange, broadcast.SceneChangePayload{Change: change})

	payload, err := json.Marshal(broadcast.SceneSyncPayload{Objects: c.scene.Objects()})
	if err != nil {
		return store.WriteResult{}, fmt.Errorf("marshal scene: %w", err)
	}

	var expectedVersion *int64
	if expected > 0 {
		expectedVersion = &expected
	}
	result, err := c.store.WriteEntry(ctx, c.projectID, SceneDataType, SceneDataKey, payload, expectedVersion, c.userID)
	if err != nil {
		return store.WriteResult{}, err
	}

	c.mu.Lock()
	c.version = result.Version
	c.mu.Unlock()
	return result, nil
}

// Refresh re-reads the persisted scene entry and replaces the local copy.
// This is the re-read half of conflict recovery.
func (c *Client) Refresh(ctx context.Context) error {
	version, objects, err := c.loadPersistedScene(ctx)
	if err != nil {
		return err
	}
	if objects != nil {
		c.scene.ReplaceAll(objects)
	}
	c.mu.Lock()
	c.version = version
	c.mu.Unlock()
	return nil
}

// RequestSync asks all peers to broadcast their full object list. Used after
// reconnecting or whenever missed deltas are suspected.
func (c *Client) RequestSync(ctx context.Context) {
	c.publish(ctx, broadcast.EventRequestSync, nil)
}

func (c *Client) loadPersistedScene(ctx context.Context) (int64, []scene.Object, error) {
	entries, err := c.store.ReadEntries(ctx, c.projectID, SceneDataType, SceneDataKey)
	if err != nil {
		return 0, nil, fmt.Errorf("load scene entry: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil, nil
	}

	var payload broadcast.SceneSyncPayload
	if err := json.Unmarshal(entries[0].Payload, &payload); err != nil {
		return 0, nil, fmt.Errorf("decode scene entry: %w", err)
	}
	objects := payload.Objects
	if objects == nil {
		objects = []scene.Object{}
	}
	return entries[0].Version, objects, nil
}

func (c *Client) publish(ctx context.Context, eventType broadcast.EventType, payload any) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			log.Printf("sync: drop %s publish for %s: %v", eventType, c.userID, err)
			return
		}
		raw = encoded
	}
	c.channel.Publish(ctx, c.projectID, broadcast.Event{
		Type:    eventType,
		UserID:  c.userID,
		Payload: raw,
	})
}

// handleEvent routes remote broadcasts into the local scene and peer roster.
// Broadcasts are hints: decode failures and unknown objects are ignored, and
// anything important is recoverable through Refresh or RequestSync.
func (c *Client) handleEvent(event broadcast.Event) {
	if event.UserID == c.userID {
		return
	}

	switch event.Type {
	case broadcast.EventSceneChange:
		var payload broadcast.SceneChangePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return
		}
		c.scene.ApplyChange(payload.Change)

	case broadcast.EventSceneSync:
		var payload broadcast.SceneSyncPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return
		}
		c.scene.ReplaceAll(payload.Objects)

	case broadcast.EventRequestSync:
		// Answer with our full object list so the requester can catch up.
		c.publish(context.Background(), broadcast.EventSceneSync, broadcast.SceneSyncPayload{
			Objects: c.scene.Objects(),
		})

	case broadcast.EventUserJoined:
		var payload broadcast.JoinedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return
		}
		c.mu.Lock()
		c.peers[event.UserID] = Peer{
			UserID:         event.UserID,
			DisplayName:    payload.DisplayName,
			CursorPosition: payload.CursorPosition,
		}
		c.mu.Unlock()

	case broadcast.EventUserLeft:
		c.mu.Lock()
		delete(c.peers, event.UserID)
		c.mu.Unlock()

	case broadcast.EventUserUpdate:
		var payload broadcast.PresencePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return
		}
		c.mu.Lock()
		peer := c.peers[event.UserID]
		peer.UserID = event.UserID
		if payload.CursorPosition != nil {
			peer.CursorPosition = *payload.CursorPosition
		}
		if payload.SelectedElement != nil {
			peer.SelectedElement = *payload.SelectedElement
		}
		c.peers[event.UserID] = peer
		c.mu.Unlock()
	}
}
