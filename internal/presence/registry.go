// Package presence tracks which users are actively editing which project.
// Presence is advisory: last write wins, and liveness is decided lazily at
// read time from the session's last ping rather than by a background sweep.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWindow is how long a session may go without a ping before it is
// treated as expired.
const DefaultWindow = 5 * time.Minute

// Session is the live activity record for one (userId, projectId) pair.
// Sessions are upserted on join, refreshed on every update, and retained
// after leave or expiry with isActive=false.
type Session struct {
	UserID          string     `json:"userId"`
	ProjectID       string     `json:"projectId"`
	DisplayName     string     `json:"displayName"`
	CursorPosition  [3]float64 `json:"cursorPosition"`
	SelectedElement string     `json:"selectedElement,omitempty"`
	IsActive        bool       `json:"isActive"`
	LastPing        time.Time  `json:"lastPing"`
}

// UpdateOptions carries the optional mutable fields; nil fields are left
// unchanged.
type UpdateOptions struct {
	CursorPosition  *[3]float64
	SelectedElement *string
}

// RedisRegistry stores sessions as JSON values in redis, with a per-project
// set indexing which users have sessions. No TTL is set on session keys so
// stale sessions stay queryable until a presence read demotes them.
type RedisRegistry struct {
	client *redis.Client
	window time.Duration
}

func NewRedisRegistry(redisURL string, window time.Duration) (*RedisRegistry, error) {
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

	return NewRedisRegistryWithClient(client, window), nil
}

func NewRedisRegistryWithClient(client *redis.Client, window time.Duration) *RedisRegistry {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisRegistry{client: client, window: window}
}

func sessionKey(projectID, userID string) string {
	return "presence:" + projectID + ":" + userID
}

func indexKey(projectID string) string {
	return "presence:" + projectID
}

// Join upserts the session, marking it active and refreshing lastPing.
func (r *RedisRegistry) Join(ctx context.Context, userID, projectID, displayName string, opts UpdateOptions) error {
	session := Session{
		UserID:      userID,
		ProjectID:   projectID,
		DisplayName: displayName,
		IsActive:    true,
		LastPing:    time.Now().UTC(),
	}
	if opts.CursorPosition != nil {
		session.CursorPosition = *opts.CursorPosition
	}
	if opts.SelectedElement != nil {
		session.SelectedElement = *opts.SelectedElement
	}

	if err := r.save(ctx, session); err != nil {
		return err
	}
	if err := r.client.SAdd(ctx, indexKey(projectID), userID).Err(); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

// Update refreshes an existing session's mutable fields and lastPing. A
// missing session is a no-op; callers are expected to Join first. The
// returned bool reports whether a session existed, so the caller can treat an
// update against a vanished session as an implicit re-join.
func (r *RedisRegistry) Update(ctx context.Context, userID, projectID string, opts UpdateOptions) (bool, error) {
	session, err := r.get(ctx, projectID, userID)
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if opts.CursorPosition != nil {
		session.CursorPosition = *opts.CursorPosition
	}
	if opts.SelectedElement != nil {
		session.SelectedElement = *opts.SelectedElement
	}
	session.IsActive = true
	session.LastPing = time.Now().UTC()

	if err := r.save(ctx, session); err != nil {
		return false, err
	}
	return true, nil
}

// Leave marks the session inactive. The record is retained for debugging.
func (r *RedisRegistry) Leave(ctx context.Context, userID, projectID string) error {
	session, err := r.get(ctx, projectID, userID)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	session.IsActive = false
	return r.save(ctx, session)
}

// ListActive returns the sessions that are active and have pinged within the
// liveness window, demoting any that have gone stale along the way.
func (r *RedisRegistry) ListActive(ctx context.Context, projectID string, now time.Time) ([]Session, error) {
	userIDs, err := r.client.SMembers(ctx, indexKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	active := make([]Session, 0, len(userIDs))
	for _, userID := range userIDs {
		session, err := r.get(ctx, projectID, userID)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !session.IsActive {
			continue
		}
		if now.Sub(session.LastPing) > r.window {
			session.IsActive = false
			if err := r.save(ctx, session); err != nil {
				return nil, err
			}
			continue
		}
		active = append(active, session)
	}
	return active, nil
}

func (r *RedisRegistry) get(ctx context.Context, projectID, userID string) (Session, error) {
	raw, err := r.client.Get(ctx, sessionKey(projectID, userID)).Result()
	if err == redis.Nil {
		return Session{}, redis.Nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}

func (r *RedisRegistry) save(ctx context.Context, session Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(session.ProjectID, session.UserID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
