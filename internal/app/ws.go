package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"scenesync/api/internal/broadcast"
	"scenesync/api/internal/presence"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	// Events beyond this buffer are dropped rather than blocking the relay;
	// a slow client recovers via request-sync.
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientIntent is what an editor sends over the websocket. The server stamps
// the verified user identity before relaying; clients cannot spoof userId.
type clientIntent struct {
	Type    broadcast.EventType `json:"type"`
	Payload json.RawMessage     `json:"payload,omitempty"`
}

func (s *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request, session Session, projectID string) {
	if err := s.service.requireProjectAccess(r.Context(), session, projectID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed for %s: %v", session.UserID, err)
		return
	}

	client := &wsClient{
		service:   s.service,
		session:   session,
		projectID: projectID,
		conn:      conn,
		send:      make(chan broadcast.Event, wsSendBuffer),
	}
	client.run()
}

type wsClient struct {
	service   *Service
	session   Session
	projectID string
	conn      *websocket.Conn
	send      chan broadcast.Event
}

func (c *wsClient) run() {
	// The subscription outlives the request context; it is torn down when the
	// read loop exits.
	ctx := context.Background()

	if err := c.service.presence.Join(ctx, c.session.UserID, c.projectID, c.session.UserName, presence.UpdateOptions{}); err != nil {
		log.Printf("ws: presence join for %s failed, continuing: %v", c.session.UserID, err)
	}

	sub, err := c.service.channel.Subscribe(ctx, c.projectID, func(event broadcast.Event) {
		select {
		case c.send <- event:
		default:
		}
	})
	if err != nil {
		log.Printf("ws: subscribe for %s failed: %v", c.session.UserID, err)
		_ = c.conn.Close()
		return
	}

	c.publish(ctx, broadcast.EventUserJoined, broadcast.JoinedPayload{DisplayName: c.session.UserName})

	done := make(chan struct{})
	go c.writeLoop(done)
	c.readLoop(ctx)

	_ = sub.Close()
	close(c.send)
	<-done

	if err := c.service.presence.Leave(ctx, c.session.UserID, c.projectID); err != nil {
		log.Printf("ws: presence leave for %s failed: %v", c.session.UserID, err)
	}
	c.publish(ctx, broadcast.EventUserLeft, nil)
	_ = c.conn.Close()
}

func (c *wsClient) writeLoop(done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readLoop(ctx context.Context) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var intent clientIntent
		if err := json.Unmarshal(raw, &intent); err != nil {
			continue
		}

		switch intent.Type {
		case broadcast.EventUserUpdate:
			var payload broadcast.PresencePayload
			if err := json.Unmarshal(intent.Payload, &payload); err != nil {
				continue
			}
			opts := presence.UpdateOptions{
				CursorPosition:  payload.CursorPosition,
				SelectedElement: payload.SelectedElement,
			}
			existed, err := c.service.presence.Update(ctx, c.session.UserID, c.projectID, opts)
			if err != nil {
				log.Printf("ws: presence update for %s failed: %v", c.session.UserID, err)
			} else if !existed {
				// Session expired underneath us; treat the ping as a re-join.
				if err := c.service.presence.Join(ctx, c.session.UserID, c.projectID, c.session.UserName, opts); err != nil {
					log.Printf("ws: implicit re-join for %s failed: %v", c.session.UserID, err)
				}
			}
			c.publishRaw(ctx, broadcast.EventUserUpdate, intent.Payload)

		case broadcast.EventSceneChange, broadcast.EventSceneSync, broadcast.EventRequestSync:
			c.publishRaw(ctx, intent.Type, intent.Payload)
		}
	}
}

func (c *wsClient) publish(ctx context.Context, eventType broadcast.EventType, payload any) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			log.Printf("ws: drop %s for %s: %v", eventType, c.session.UserID, err)
			return
		}
		raw = encoded
	}
	c.publishRaw(ctx, eventType, raw)
}

func (c *wsClient) publishRaw(ctx context.Context, eventType broadcast.EventType, payload json.RawMessage) {
	c.service.channel.Publish(ctx, c.projectID, broadcast.Event{
		Type:    eventType,
		UserID:  c.session.UserID,
		Payload: payload,
	})
}
