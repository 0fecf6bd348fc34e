package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

// Handler processes one decoded domain event. Returning an error nacks
// the delivery without requeue.
type Handler func(ctx context.Context, event domain.Event) error

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	// Queue overrides the generated temp.<random> queue name.
	Queue string
	// Exchange overrides convention-based exchange resolution.
	Exchange string
}

// subscription tracks one live pattern binding.
type subscription struct {
	id       string
	pattern  string
	exchange string
	queue    string
	tag      string
	handler  Handler
}

// Subscriber binds transient queues to topic patterns and dispatches
// decoded events to handlers. Subscriptions are re-bound after a
// reconnect because auto-delete queues do not survive channel loss.
type Subscriber struct {
	broker domain.Broker

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewSubscriber constructs a Subscriber and hooks reconnect recovery.
func NewSubscriber(broker domain.Broker) *Subscriber {
	s := &Subscriber{broker: broker, subs: make(map[string]*subscription)}
	broker.OnReconnect(s.rebindAll)
	return s
}

// Subscribe binds a transient queue to pattern on the resolved exchange
// and starts a consumer. Returns the subscription id.
func (s *Subscriber) Subscribe(ctx context.Context, pattern string, handler Handler, opts SubscribeOptions) (string, error) {
	exchange := opts.Exchange
	if exchange == "" {
		exchange = ResolveExchange(pattern)
	}
	queue := opts.Queue
	if queue == "" {
		queue = "temp." + uuid.NewString()
	}

	sub := &subscription{
		id:       uuid.NewString(),
		pattern:  pattern,
		exchange: exchange,
		queue:    queue,
		handler:  handler,
	}
	if err := s.bind(ctx, sub); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()

	slog.Info("event subscription created",
		slog.String("subscription_id", sub.id),
		slog.String("pattern", pattern),
		slog.String("queue", queue))
	return sub.id, nil
}

// bind declares the queue, binds the pattern, and starts the consumer.
func (s *Subscriber) bind(ctx context.Context, sub *subscription) error {
	queue, err := s.broker.DeclareTransientQueue(ctx, sub.queue)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", sub.pattern, err)
	}
	sub.queue = queue

	if err := s.broker.BindQueue(ctx, queue, sub.exchange, sub.pattern); err != nil {
		return fmt.Errorf("subscribe %q: %w", sub.pattern, err)
	}

	tag, err := s.broker.Consume(ctx, queue, func(ctx context.Context, d domain.Delivery) error {
		var event domain.Event
		if err := json.Unmarshal(d.Body, &event); err != nil {
			return fmt.Errorf("%w: decode event: %v", domain.ErrSchemaInvalid, err)
		}
		return sub.handler(ctx, event)
	}, domain.ConsumeOptions{})
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", sub.pattern, err)
	}
	sub.tag = tag
	return nil
}

// rebindAll re-establishes every subscription after a reconnect.
func (s *Subscriber) rebindAll() {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if err := s.bind(context.Background(), sub); err != nil {
			slog.Error("subscription rebind failed",
				slog.String("subscription_id", sub.id),
				slog.String("pattern", sub.pattern),
				slog.Any("error", err))
		}
	}
	if len(subs) > 0 {
		slog.Info("event subscriptions rebound", slog.Int("count", len(subs)))
	}
}

// Unsubscribe cancels the consumer and deletes the queue when it is
// empty and unused.
func (s *Subscriber) Unsubscribe(ctx context.Context, subscriptionID string) error {
	s.mu.Lock()
	sub, ok := s.subs[subscriptionID]
	if ok {
		delete(s.subs, subscriptionID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("subscription %q: %w", subscriptionID, domain.ErrNotFound)
	}

	if err := s.broker.CancelConsumer(sub.tag); err != nil {
		return err
	}
	if err := s.broker.DeleteQueue(ctx, sub.queue, true, true); err != nil {
		// The queue may already be gone (auto-delete); log and move on.
		slog.Debug("subscription queue delete skipped",
			slog.String("queue", sub.queue),
			slog.Any("error", err))
	}
	return nil
}

// UnsubscribeAll tears down every subscription, used at shutdown.
func (s *Subscriber) UnsubscribeAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Unsubscribe(ctx, id); err != nil {
			slog.Debug("unsubscribe failed", slog.String("subscription_id", id), slog.Any("error", err))
		}
	}
}

// Active returns the number of live subscriptions.
func (s *Subscriber) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
