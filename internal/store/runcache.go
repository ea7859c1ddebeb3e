package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunStatus mirrors the lead loop's lifecycle for API consumers that
// poll instead of holding the SSE stream open.
type RunStatus struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	State          string    `json:"state"`
	Detail         string    `json:"detail,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ErrRunNotFound is returned when a session has no cached status,
// either because it never existed or its TTL expired.
var ErrRunNotFound = errors.New("run not found")

// RunCache keeps live run status in Redis with a TTL, so finished runs
// age out on their own.
type RunCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRunCache(client *redis.Client, ttl time.Duration) *RunCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RunCache{client: client, ttl: ttl}
}

func runKey(sessionID string) string { return "run:" + sessionID }

// SetStatus records the current state of a run.
func (c *RunCache) SetStatus(ctx context.Context, status RunStatus) error {
	status.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding run status: %w", err)
	}
	if err := c.client.Set(ctx, runKey(status.SessionID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing run status: %w", err)
	}
	return nil
}

// GetStatus loads a run's latest state.
func (c *RunCache) GetStatus(ctx context.Context, sessionID string) (RunStatus, error) {
	payload, err := c.client.Get(ctx, runKey(sessionID)).Bytes()
	if err == redis.Nil {
		return RunStatus{}, ErrRunNotFound
	}
	if err != nil {
		return RunStatus{}, fmt.Errorf("reading run status: %w", err)
	}
	var status RunStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return RunStatus{}, fmt.Errorf("decoding run status: %w", err)
	}
	return status, nil
}
