package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRegistryTTL is how long a session stays resolvable after its
// last start or heartbeat.
const DefaultRegistryTTL = 24 * time.Hour

// SessionContext is the hot-path state cached per open session. It lets
// follow-up events resolve their network without touching the analytics
// store.
type SessionContext struct {
	NetworkID     string    `json:"network_id"`
	PlayerUUID    string    `json:"player_uuid"`
	PlayerName    string    `json:"player_name"`
	GamemodeID    string    `json:"gamemode_id,omitempty"`
	Platform      string    `json:"platform"`
	BedrockDevice string    `json:"bedrock_device,omitempty"`
	Country       string    `json:"country"`
	StartTime     time.Time `json:"start_time"`
}

// SessionRegistry caches open-session context in redis with a sliding TTL.
type SessionRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionRegistry creates a registry over the given redis client.
// A non-positive ttl falls back to DefaultRegistryTTL.
func NewSessionRegistry(client *redis.Client, ttl time.Duration) *SessionRegistry {
	if ttl <= 0 {
		ttl = DefaultRegistryTTL
	}
	return &SessionRegistry{client: client, ttl: ttl}
}

func sessionKey(sessionUUID string) string {
	return fmt.Sprintf("session:%s", sessionUUID)
}

// Put stores the session context, resetting the TTL.
func (r *SessionRegistry) Put(ctx context.Context, sessionUUID string, sc SessionContext) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to marshal session context: %w", err)
	}

	if err := r.client.Set(ctx, sessionKey(sessionUUID), data, r.ttl).Err(); err != nil {
		return &TransientStoreError{Op: "registry put", Err: err}
	}
	return nil
}

// Get retrieves the session context. A miss returns a NotFoundError.
func (r *SessionRegistry) Get(ctx context.Context, sessionUUID string) (*SessionContext, error) {
	key := sessionKey(sessionUUID)

	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, &NotFoundError{SessionUUID: sessionUUID}
	} else if err != nil {
		return nil, &TransientStoreError{Op: "registry get", Err: err}
	}

	var sc SessionContext
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		// If unmarshal fails, delete corrupt data
		r.client.Del(ctx, key)
		return nil, &NotFoundError{SessionUUID: sessionUUID}
	}

	return &sc, nil
}

// Refresh slides the TTL forward without rewriting the value. A miss
// returns a NotFoundError.
func (r *SessionRegistry) Refresh(ctx context.Context, sessionUUID string) error {
	ok, err := r.client.Expire(ctx, sessionKey(sessionUUID), r.ttl).Result()
	if err != nil {
		return &TransientStoreError{Op: "registry refresh", Err: err}
	}
	if !ok {
		return &NotFoundError{SessionUUID: sessionUUID}
	}
	return nil
}

// Delete removes the session context. Deleting an absent key is not an error.
func (r *SessionRegistry) Delete(ctx context.Context, sessionUUID string) error {
	if err := r.client.Del(ctx, sessionKey(sessionUUID)).Err(); err != nil {
		return &TransientStoreError{Op: "registry delete", Err: err}
	}
	return nil
}
