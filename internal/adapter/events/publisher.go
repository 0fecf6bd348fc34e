// Package events implements domain-event fan-out over the topic and
// fanout exchanges, with pattern-based subscriptions on transient
// queues.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/workspace-broker/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-broker/internal/config"
	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

// ResolveExchange picks the target exchange by event-type convention:
// system events broadcast over the fanout, everything else rides the
// topic exchange.
func ResolveExchange(eventType string) string {
	if strings.HasPrefix(eventType, "system.") {
		return config.ExchangeBroadcast
	}
	return config.ExchangeEvents
}

// PriorityFor maps an event type to its envelope priority class.
func PriorityFor(eventType string) uint8 {
	switch {
	case strings.HasPrefix(eventType, "system."):
		return 8
	case strings.HasPrefix(eventType, "ai."):
		return 7
	default:
		return 5
	}
}

// Category extracts the leading segment of an event type for metrics.
func Category(eventType string) string {
	if i := strings.Index(eventType, "."); i > 0 {
		return eventType[:i]
	}
	return "other"
}

// PublishOptions tunes a single event publication.
type PublishOptions struct {
	Source        string
	CorrelationID string
}

// Publisher posts domain events. The event type doubles as the routing
// key.
type Publisher struct {
	broker domain.Broker
	source string
}

// NewPublisher constructs a Publisher; source identifies this process
// in event envelopes.
func NewPublisher(broker domain.Broker, source string) *Publisher {
	return &Publisher{broker: broker, source: source}
}

// Publish wraps payload in an event envelope and publishes it with the
// event type as routing key. Returns the generated event id.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any, opts PublishOptions) (string, error) {
	source := opts.Source
	if source == "" {
		source = p.source
	}
	event := domain.Event{
		EventID:       uuid.NewString(),
		Type:          eventType,
		Source:        source,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
		CorrelationID: opts.CorrelationID,
	}
	if err := domain.ValidateEvent(event); err != nil {
		return "", err
	}

	pubOpts := domain.PublishOptions{
		Persistent:    true,
		Priority:      PriorityFor(eventType),
		CorrelationID: opts.CorrelationID,
		MessageID:     event.EventID,
		Type:          eventType,
	}
	if err := p.broker.Publish(ctx, ResolveExchange(eventType), eventType, event, pubOpts); err != nil {
		return "", fmt.Errorf("publish event %q: %w", eventType, err)
	}

	observability.EventsPublishedTotal.WithLabelValues(Category(eventType)).Inc()
	slog.Debug("event published",
		slog.String("event_id", event.EventID),
		slog.String("type", eventType))
	return event.EventID, nil
}

// PublishBatch publishes several events of the same type, returning the
// ids of those that succeeded and the first error encountered.
func (p *Publisher) PublishBatch(ctx context.Context, eventType string, payloads []any, opts PublishOptions) ([]string, error) {
	ids := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		id, err := p.Publish(ctx, eventType, payload, opts)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Category-specific helpers.

// NodeEvent publishes a node.<action> event.
func (p *Publisher) NodeEvent(ctx context.Context, action string, payload any) (string, error) {
	return p.Publish(ctx, "node."+action, payload, PublishOptions{})
}

// ProjectEvent publishes a project.<action> event.
func (p *Publisher) ProjectEvent(ctx context.Context, action string, payload any) (string, error) {
	return p.Publish(ctx, "project."+action, payload, PublishOptions{})
}

// UserEvent publishes a user.<action> event.
func (p *Publisher) UserEvent(ctx context.Context, action string, payload any) (string, error) {
	return p.Publish(ctx, "user."+action, payload, PublishOptions{})
}

// AIEvent publishes an ai.<action> event.
func (p *Publisher) AIEvent(ctx context.Context, action string, payload any) (string, error) {
	return p.Publish(ctx, "ai."+action, payload, PublishOptions{})
}

// SystemEvent publishes a system.<action> broadcast.
func (p *Publisher) SystemEvent(ctx context.Context, action string, payload any) (string, error) {
	return p.Publish(ctx, "system."+action, payload, PublishOptions{})
}
