package models

import (
	"encoding/json"
	"time"
)

// Event is an immutable domain event published by a collaborator. Its ID is
// the idempotency key for deliveries: publishing the same event ID twice
// never creates a second in-flight delivery for the same webhook.
type Event struct {
	ID        string          `json:"id"`
	AppID     string          `json:"app_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
