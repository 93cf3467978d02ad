package models

import "time"

type AlertKind string

const (
	AlertResponseTimeHigh    AlertKind = "response_time_high"
	AlertSuccessRateLow      AlertKind = "success_rate_low"
	AlertConsecutiveFailures AlertKind = "consecutive_failures"
)

type EscalationLevel string

const (
	EscalationWarning   EscalationLevel = "warning"
	EscalationImmediate EscalationLevel = "immediate"
)

// Alert is raised by the monitoring service when a webhook's recent
// deliveries cross a configured threshold.
type Alert struct {
	ID         string          `json:"id"`
	WebhookID  string          `json:"webhook_id"`
	Kind       AlertKind       `json:"kind"`
	Escalation EscalationLevel `json:"escalation"`
	Message    string          `json:"message"`
	Value      float64         `json:"value"`
	Threshold  float64         `json:"threshold"`
	CreatedAt  time.Time       `json:"created_at"`
}
