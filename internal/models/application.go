package models

import "time"

// Application is the collaborating system that owns webhooks and publishes
// events, identified on the API by its key.
type Application struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"api_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
