package models

import "time"

type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthAPIKey AuthMode = "api_key"
	AuthBearer AuthMode = "bearer"
	AuthHMAC   AuthMode = "hmac"
	AuthOAuth2 AuthMode = "oauth2"
)

func (m AuthMode) Valid() bool {
	switch m {
	case AuthNone, AuthAPIKey, AuthBearer, AuthHMAC, AuthOAuth2:
		return true
	}
	return false
}

// RetryPolicy controls exponential backoff between failed delivery attempts.
// The delay before retry N is InitialDelay * BackoffMultiplier^(N-1), capped
// at MaxDelay. A delivery is abandoned after MaxRetries retries, i.e. after
// MaxRetries+1 total attempts.
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries"`
	InitialDelay      time.Duration `json:"initial_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	MaxDelay          time.Duration `json:"max_delay"`
}

// RateLimit caps delivery volume per webhook. Zero means unlimited for
// that window.
type RateLimit struct {
	PerHour int `json:"per_hour"`
	PerDay  int `json:"per_day"`
}

// OAuthConfig holds client-credentials settings for the oauth2 auth mode.
type OAuthConfig struct {
	TokenURL     string   `json:"token_url,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

type Webhook struct {
	ID          string            `json:"id"`
	AppID       string            `json:"app_id"`
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Description string            `json:"description"`
	Events      []string          `json:"events"`
	Active      bool              `json:"active"`
	AuthMode    AuthMode          `json:"auth_mode"`
	Secret      string            `json:"secret,omitempty"`
	AuthToken   string            `json:"auth_token,omitempty"`
	OAuth       OAuthConfig       `json:"oauth,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Retry       RetryPolicy       `json:"retry"`
	RateLimit   RateLimit         `json:"rate_limit"`
	Priority    int               `json:"priority"`
	FilterExpr  string            `json:"filter_expr,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:        5,
	InitialDelay:      30 * time.Second,
	BackoffMultiplier: 2,
	MaxDelay:          2 * time.Hour,
}
