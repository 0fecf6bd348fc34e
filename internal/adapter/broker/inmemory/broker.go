// Package inmemory provides an in-memory broker implementation for
// tests and development. Routing follows AMQP semantics: direct
// exchanges match the routing key exactly, topic exchanges honor * and
// # wildcards, fanout exchanges deliver to every bound queue.
package inmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/workspace-broker/internal/config"
	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

// Published records one outbound message for test inspection.
type Published struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Options    domain.PublishOptions
	Confirmed  bool
}

type binding struct {
	exchange string
	pattern  string
}

type consumer struct {
	tag     string
	queue   string
	handler domain.DeliveryHandler
	autoAck bool
	ctx     context.Context
}

// Broker is an in-memory implementation of domain.Broker.
type Broker struct {
	mu        sync.Mutex
	ready     bool
	exchanges map[string]string // name -> type
	bindings  map[string][]binding
	consumers map[string]*consumer // tag -> consumer

	published []Published
	nacked    []Published

	// ConfirmErr, when set, fails the next PublishWithConfirm.
	ConfirmErr error
	// PublishErr, when set, fails the next Publish.
	PublishErr error

	onReconnect []func()
	rpcHandlers map[string]func(body []byte) []byte
}

// NewBroker returns a ready in-memory broker with the given topology's
// exchanges pre-declared.
func NewBroker(topology config.Topology) *Broker {
	b := &Broker{
		ready:       true,
		exchanges:   make(map[string]string),
		bindings:    make(map[string][]binding),
		consumers:   make(map[string]*consumer),
		rpcHandlers: make(map[string]func([]byte) []byte),
	}
	for name, ex := range topology.Exchanges {
		b.exchanges[name] = ex.Type
	}
	for queue, q := range topology.Queues {
		for _, key := range q.RoutingKeys {
			b.bindings[queue] = append(b.bindings[queue], binding{exchange: q.Exchange, pattern: key})
		}
	}
	return b
}

// MatchTopic reports whether a topic routing key matches a binding
// pattern, where * matches exactly one segment and # matches zero or
// more.
func MatchTopic(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		if matchSegments(pattern[1:], key) {
			return true
		}
		if len(key) == 0 {
			return false
		}
		return matchSegments(pattern, key[1:])
	case "*":
		if len(key) == 0 {
			return false
		}
		return matchSegments(pattern[1:], key[1:])
	default:
		if len(key) == 0 || pattern[0] != key[0] {
			return false
		}
		return matchSegments(pattern[1:], key[1:])
	}
}

func (b *Broker) matches(exType, pattern, key string) bool {
	switch exType {
	case config.ExchangeFanout:
		return true
	case config.ExchangeTopic:
		return MatchTopic(pattern, key)
	default:
		return pattern == key
	}
}

// targets snapshots the consumers whose queue binding matches. Callers
// must hold b.mu. Handlers run after the lock is released so they may
// publish back into the broker.
func (b *Broker) targets(exchange, key string) []*consumer {
	exType := b.exchanges[exchange]
	var out []*consumer
	for queue, binds := range b.bindings {
		for _, bind := range binds {
			if bind.exchange != exchange || !b.matches(exType, bind.pattern, key) {
				continue
			}
			for _, c := range b.consumers {
				if c.queue == queue {
					out = append(out, c)
				}
			}
			break
		}
	}
	return out
}

func (b *Broker) deliver(consumers []*consumer, exchange, key string, body []byte, opts domain.PublishOptions) {
	for _, c := range consumers {
		d := domain.Delivery{
			Body:          body,
			RoutingKey:    key,
			CorrelationID: opts.CorrelationID,
			Type:          opts.Type,
			MessageID:     opts.MessageID,
			Headers:       opts.Headers,
		}
		if err := c.handler(c.ctx, d); err != nil && !c.autoAck {
			b.mu.Lock()
			b.nacked = append(b.nacked, Published{Exchange: exchange, RoutingKey: key, Body: body, Options: opts})
			b.mu.Unlock()
		}
	}
}

func (b *Broker) publish(exchange, routingKey string, payload any, opts domain.PublishOptions, confirmed bool) error {
	b.mu.Lock()
	var injected *error
	if confirmed {
		injected = &b.ConfirmErr
	} else {
		injected = &b.PublishErr
	}
	if err := *injected; err != nil {
		*injected = nil
		b.mu.Unlock()
		return err
	}
	if !b.ready {
		b.mu.Unlock()
		return domain.ErrNotReady
	}
	body, err := json.Marshal(payload)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("marshal payload: %w", err)
	}
	b.published = append(b.published, Published{Exchange: exchange, RoutingKey: routingKey, Body: body, Options: opts, Confirmed: confirmed})
	consumers := b.targets(exchange, routingKey)
	b.mu.Unlock()

	b.deliver(consumers, exchange, routingKey, body, opts)
	return nil
}

// Publish implements domain.Broker.
func (b *Broker) Publish(_ context.Context, exchange, routingKey string, payload any, opts domain.PublishOptions) error {
	return b.publish(exchange, routingKey, payload, opts, false)
}

// PublishWithConfirm implements domain.Broker.
func (b *Broker) PublishWithConfirm(_ context.Context, exchange, routingKey string, payload any, opts domain.PublishOptions) error {
	return b.publish(exchange, routingKey, payload, opts, true)
}

// Consume implements domain.Broker.
func (b *Broker) Consume(ctx context.Context, queue string, handler domain.DeliveryHandler, opts domain.ConsumeOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return "", domain.ErrNotReady
	}
	tag := opts.ConsumerTag
	if tag == "" {
		tag = "consumer-" + uuid.NewString()
	}
	b.consumers[tag] = &consumer{tag: tag, queue: queue, handler: handler, autoAck: opts.AutoAck, ctx: ctx}
	return tag, nil
}

// CancelConsumer implements domain.Broker.
func (b *Broker) CancelConsumer(tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.consumers[tag]; !ok {
		return domain.ErrNotFound
	}
	delete(b.consumers, tag)
	return nil
}

// Request implements domain.Broker using registered RPC handlers.
func (b *Broker) Request(_ context.Context, exchange, routingKey string, payload any, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	h, ok := b.rpcHandlers[exchange+"/"+routingKey]
	b.mu.Unlock()
	if !ok {
		return nil, domain.ErrRPCTimeout
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return h(body), nil
}

// SetRPCHandler registers a responder for Request calls.
func (b *Broker) SetRPCHandler(exchange, routingKey string, h func(body []byte) []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rpcHandlers[exchange+"/"+routingKey] = h
}

// DeclareTransientQueue implements domain.Broker.
func (b *Broker) DeclareTransientQueue(_ context.Context, name string) (string, error) {
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bindings[name]; !ok {
		b.bindings[name] = nil
	}
	return name, nil
}

// BindQueue implements domain.Broker.
func (b *Broker) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("unknown exchange %q: %w", exchange, domain.ErrNotFound)
	}
	b.bindings[queue] = append(b.bindings[queue], binding{exchange: exchange, pattern: routingKey})
	return nil
}

// DeleteQueue implements domain.Broker.
func (b *Broker) DeleteQueue(_ context.Context, queue string, _, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bindings, queue)
	return nil
}

// QueueInfo implements domain.Broker.
func (b *Broker) QueueInfo(_ context.Context, queue string) (domain.QueueInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bindings[queue]; !ok {
		return domain.QueueInfo{}, domain.ErrNotFound
	}
	consumers := 0
	for _, c := range b.consumers {
		if c.queue == queue {
			consumers++
		}
	}
	return domain.QueueInfo{Name: queue, Consumers: consumers}, nil
}

// PurgeQueue implements domain.Broker.
func (b *Broker) PurgeQueue(_ context.Context, _ string) (int, error) { return 0, nil }

// IsReady implements domain.Broker.
func (b *Broker) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// SetReady flips readiness, used to exercise setup retry paths.
func (b *Broker) SetReady(ready bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = ready
}

// OnReconnect implements domain.Broker.
func (b *Broker) OnReconnect(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReconnect = append(b.onReconnect, fn)
}

// TriggerReconnect simulates a connection recovery, invoking every
// registered reconnect callback.
func (b *Broker) TriggerReconnect() {
	b.mu.Lock()
	callbacks := append([]func(){}, b.onReconnect...)
	b.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// PublishedTo returns the messages published to exchange.
func (b *Broker) PublishedTo(exchange string) []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Published
	for _, p := range b.published {
		if p.Exchange == exchange {
			out = append(out, p)
		}
	}
	return out
}

// AllPublished returns every recorded publish.
func (b *Broker) AllPublished() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published{}, b.published...)
}

// Nacked returns deliveries whose handler returned an error.
func (b *Broker) Nacked() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published{}, b.nacked...)
}
