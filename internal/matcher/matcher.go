package matcher

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hookbridge/hookbridge/internal/models"
)

// Store is the slice of storage the matcher needs.
type Store interface {
	ListActiveWebhooks(ctx context.Context, appID string) ([]models.Webhook, error)
}

// Matcher selects the webhooks an event should be delivered to. Pure
// selection: no network I/O, no writes.
type Matcher struct {
	store   Store
	filters *filterCache
	log     zerolog.Logger
}

func New(store Store, log zerolog.Logger) *Matcher {
	return &Matcher{
		store:   store,
		filters: newFilterCache(),
		log:     log,
	}
}

// Match returns the active webhooks subscribed to eventType, ordered by
// priority descending then creation time ascending. Webhooks whose filter
// predicate evaluates false (or fails to evaluate) are excluded.
func (m *Matcher) Match(ctx context.Context, appID, eventType string, payload json.RawMessage) ([]models.Webhook, error) {
	webhooks, err := m.store.ListActiveWebhooks(ctx, appID)
	if err != nil {
		return nil, err
	}

	matched := make([]models.Webhook, 0, len(webhooks))
	for _, wh := range webhooks {
		if !SubscribedTo(wh.Events, eventType) {
			continue
		}
		if wh.FilterExpr != "" {
			ok, err := m.filters.eval(wh.FilterExpr, eventType, payload)
			if err != nil {
				m.log.Warn().
					Str("webhook_id", wh.ID).
					Str("event_type", eventType).
					Err(err).
					Msg("payload filter failed, excluding webhook")
				continue
			}
			if !ok {
				continue
			}
		}
		matched = append(matched, wh)
	}
	return matched, nil
}

// SubscribedTo reports whether a subscription set covers an event type.
// Supports exact matches, "*", and "prefix.*" wildcards.
func SubscribedTo(subscribed []string, eventType string) bool {
	for _, sub := range subscribed {
		if sub == eventType || sub == "*" {
			return true
		}
		if strings.HasSuffix(sub, ".*") {
			prefix := strings.TrimSuffix(sub, ".*")
			if strings.HasPrefix(eventType, prefix+".") {
				return true
			}
		}
	}
	return false
}
