package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/workspace-broker/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-broker/internal/config"
	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

// appID is stamped on every outbound envelope unless overridden.
const appID = "broker"

// Broker implements domain.Broker over two channels on one managed
// connection: a normal channel for plain publishing and consumption,
// and a confirm channel for confirmed publishing. Both apply the
// configured prefetch.
type Broker struct {
	cfg  config.Config
	conn *Connection
	topo *TopologyManager

	mu        sync.RWMutex
	started   bool
	channel   *amqp.Channel
	confirmCh *amqp.Channel

	confirms   *confirmTracker
	publishSeq sync.Mutex
	flowPaused atomic.Bool

	onReturn    []func(amqp.Return)
	onReconnect []func()
}

// NewBroker wires a broker onto an existing connection manager and
// topology manager. Start must be called before any operation.
func NewBroker(cfg config.Config, conn *Connection, topo *TopologyManager) *Broker {
	b := &Broker{
		cfg:      cfg,
		conn:     conn,
		topo:     topo,
		confirms: newConfirmTracker(),
	}
	conn.OnReconnect(b.handleReconnect)
	return b
}

// Start opens both channels, applies prefetch, enables confirm mode,
// and declares the topology on the normal channel.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	if !b.conn.IsConnected() {
		if err := b.conn.Connect(ctx); err != nil {
			return err
		}
	}
	if err := b.openChannels(); err != nil {
		return err
	}
	if err := b.topo.Initialize(b.channel); err != nil {
		return err
	}
	b.started = true
	slog.Info("broker started", slog.Int("prefetch", b.cfg.PrefetchCount))
	return nil
}

// openChannels establishes the normal and confirm channels and wires
// their listeners. Caller holds b.mu.
func (b *Broker) openChannels() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(b.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	cch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	if err := cch.Qos(b.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("set confirm qos: %w", err)
	}
	if err := cch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirm mode: %w", err)
	}

	b.channel = ch
	b.confirmCh = cch

	go b.confirms.listen(cch.NotifyPublish(make(chan amqp.Confirmation, 64)))
	go b.listenReturns(ch.NotifyReturn(make(chan amqp.Return, 16)))
	go b.listenReturns(cch.NotifyReturn(make(chan amqp.Return, 16)))
	go b.listenFlow(ch.NotifyFlow(make(chan bool, 1)))
	return nil
}

// handleReconnect rebuilds the channels first and only then notifies
// dependents, so their consumers re-register on the fresh channel and
// not the stale closed one.
func (b *Broker) handleReconnect() {
	b.rebuildChannels()
	b.mu.RLock()
	callbacks := append([]func(){}, b.onReconnect...)
	b.mu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
}

// rebuildChannels runs after a successful reconnect: outstanding
// confirmations are rejected, channels reopened, and the topology
// re-declared. Consumers are re-registered by their owners.
func (b *Broker) rebuildChannels() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	b.confirms.rejectAll(domain.ErrBrokerStopping)
	b.flowPaused.Store(false)
	b.topo.Reset()
	if err := b.openChannels(); err != nil {
		slog.Error("channel rebuild failed", slog.Any("error", err))
		b.channel = nil
		b.confirmCh = nil
		return
	}
	if err := b.topo.Initialize(b.channel); err != nil {
		slog.Error("topology redeclare failed", slog.Any("error", err))
	}
	slog.Info("broker channels rebuilt")
}

// Stop rejects pending confirmations, closes channels, then leaves the
// connection to its owner.
func (b *Broker) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	b.started = false
	b.confirms.stop()
	if b.confirmCh != nil {
		_ = b.confirmCh.Close()
		b.confirmCh = nil
	}
	if b.channel != nil {
		_ = b.channel.Close()
		b.channel = nil
	}
	slog.Info("broker stopped")
	return nil
}

// IsReady reports started AND connected AND both channels open.
func (b *Broker) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started && b.conn.IsConnected() && b.channel != nil && b.confirmCh != nil
}

// OnReconnect registers a callback invoked after channels have been
// rebuilt following connection recovery.
func (b *Broker) OnReconnect(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReconnect = append(b.onReconnect, fn)
}

// OnMessageReturned registers a callback for mandatory-but-unroutable
// messages returned by the server. Informational; not an ack.
func (b *Broker) OnMessageReturned(fn func(exchange, routingKey string, body []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReturn = append(b.onReturn, func(r amqp.Return) {
		fn(r.Exchange, r.RoutingKey, r.Body)
	})
}

func (b *Broker) listenReturns(returns <-chan amqp.Return) {
	for r := range returns {
		observability.MessagesReturnedTotal.Inc()
		slog.Warn("message returned unroutable",
			slog.String("exchange", r.Exchange),
			slog.String("routing_key", r.RoutingKey),
			slog.String("reply", r.ReplyText))
		b.mu.RLock()
		callbacks := b.onReturn
		b.mu.RUnlock()
		for _, cb := range callbacks {
			cb(r)
		}
	}
}

func (b *Broker) listenFlow(flow <-chan bool) {
	for active := range flow {
		b.flowPaused.Store(!active)
		slog.Warn("broker flow control", slog.Bool("active", active))
	}
}

// envelope serializes payload and builds the AMQP publishing record.
// A correlation id is generated when absent; persistence defaults to
// the caller's option.
func envelope(payload any, opts domain.PublishOptions) (amqp.Publishing, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal payload: %w", err)
	}

	deliveryMode := amqp.Transient
	if opts.Persistent {
		deliveryMode = amqp.Persistent
	}
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	app := opts.AppID
	if app == "" {
		app = appID
	}

	pub := amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  deliveryMode,
		Priority:      opts.Priority,
		Expiration:    opts.Expiration,
		CorrelationId: correlationID,
		ReplyTo:       opts.ReplyTo,
		MessageId:     opts.MessageID,
		Timestamp:     time.Now().UTC(),
		Type:          opts.Type,
		UserId:        opts.UserID,
		AppId:         app,
	}
	if len(opts.Headers) > 0 {
		pub.Headers = amqp.Table(opts.Headers)
	}
	return pub, nil
}

// mandatoryFor applies the configured mandatory-publish default; the
// per-publish option can only turn it on, not off.
func (b *Broker) mandatoryFor(opts domain.PublishOptions) bool {
	return opts.Mandatory || b.cfg.MandatoryPublish
}

// Publish serializes payload as JSON and publishes on the normal
// channel without waiting for broker acknowledgement. Fails fast with
// ErrBackpressure while the server has paused the channel.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, payload any, opts domain.PublishOptions) error {
	err := b.publish(ctx, exchange, routingKey, payload, opts)
	observability.RecordPublish(exchange, "plain", err)
	return err
}

func (b *Broker) publish(ctx context.Context, exchange, routingKey string, payload any, opts domain.PublishOptions) error {
	b.mu.RLock()
	ch := b.channel
	ready := b.started && ch != nil
	b.mu.RUnlock()
	if !ready {
		return domain.ErrNotReady
	}
	if b.flowPaused.Load() {
		return domain.ErrBackpressure
	}

	pub, err := envelope(payload, opts)
	if err != nil {
		return err
	}

	pubCtx := ctx
	if b.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, b.cfg.PublishTimeout)
		defer cancel()
	}
	if err := ch.PublishWithContext(pubCtx, exchange, routingKey, b.mandatoryFor(opts), false, pub); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

// PublishWithConfirm publishes on the confirm channel and blocks until
// the server acks, nacks, or the confirm window elapses. The pending
// confirmation is keyed by the server-assigned delivery tag read before
// the publish.
func (b *Broker) PublishWithConfirm(ctx context.Context, exchange, routingKey string, payload any, opts domain.PublishOptions) error {
	err := b.publishConfirm(ctx, exchange, routingKey, payload, opts)
	observability.RecordPublish(exchange, "confirm", err)
	return err
}

func (b *Broker) publishConfirm(ctx context.Context, exchange, routingKey string, payload any, opts domain.PublishOptions) error {
	b.mu.RLock()
	cch := b.confirmCh
	ready := b.started && cch != nil
	b.mu.RUnlock()
	if !ready {
		return domain.ErrNotReady
	}
	if b.flowPaused.Load() {
		return domain.ErrBackpressure
	}

	pub, err := envelope(payload, opts)
	if err != nil {
		return err
	}

	start := time.Now()

	// The sequence read and the publish must not interleave across
	// goroutines, otherwise tags mismatch and acks are missed.
	b.publishSeq.Lock()
	tag := cch.GetNextPublishSeqNo()
	done, err := b.confirms.register(tag, b.cfg.ConfirmTimeout)
	if err != nil {
		b.publishSeq.Unlock()
		return err
	}
	if err := cch.PublishWithContext(ctx, exchange, routingKey, b.mandatoryFor(opts), false, pub); err != nil {
		b.publishSeq.Unlock()
		b.confirms.reject(tag, err)
		<-done
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	b.publishSeq.Unlock()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("confirm publish to %s/%s: %w", exchange, routingKey, err)
		}
		observability.ConfirmLatency.Observe(time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		b.confirms.reject(tag, ctx.Err())
		return ctx.Err()
	}
}

// Consume registers a consumer on queue. The handler is invoked for
// every delivery; handler errors and panics are logged and the message
// is nacked without requeue so it dead-letters when a DLX is bound.
func (b *Broker) Consume(ctx context.Context, queue string, handler domain.DeliveryHandler, opts domain.ConsumeOptions) (string, error) {
	b.mu.RLock()
	ch := b.channel
	ready := b.started && ch != nil
	b.mu.RUnlock()
	if !ready {
		return "", domain.ErrNotReady
	}

	tag := opts.ConsumerTag
	if tag == "" {
		tag = "consumer-" + uuid.NewString()
	}
	args := amqp.Table(opts.Args)
	if opts.Priority != 0 {
		if args == nil {
			args = amqp.Table{}
		}
		args["x-priority"] = opts.Priority
	}

	deliveries, err := ch.Consume(queue, tag, opts.AutoAck, opts.Exclusive, opts.NoLocal, false, args)
	if err != nil {
		return "", fmt.Errorf("consume %q: %w", queue, err)
	}

	go b.runConsumer(ctx, queue, deliveries, handler, opts.AutoAck)
	slog.Info("consumer registered", slog.String("queue", queue), slog.String("tag", tag))
	return tag, nil
}

// runConsumer drains deliveries until the channel closes or ctx ends.
func (b *Broker) runConsumer(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler domain.DeliveryHandler, autoAck bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				slog.Debug("consumer stream closed", slog.String("queue", queue))
				return
			}
			b.dispatch(ctx, queue, d, handler, autoAck)
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, queue string, d amqp.Delivery, handler domain.DeliveryHandler, autoAck bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("consumer handler panic",
				slog.String("queue", queue),
				slog.Any("panic", r))
			observability.ConsumerErrorsTotal.WithLabelValues(queue).Inc()
			if !autoAck {
				_ = d.Nack(false, false)
			}
		}
	}()

	delivery := domain.Delivery{
		Body:          d.Body,
		RoutingKey:    d.RoutingKey,
		CorrelationID: d.CorrelationId,
		Type:          d.Type,
		MessageID:     d.MessageId,
		Redelivered:   d.Redelivered,
		Headers:       d.Headers,
	}
	if err := handler(ctx, delivery); err != nil {
		slog.Error("message processing error",
			slog.String("queue", queue),
			slog.String("routing_key", d.RoutingKey),
			slog.Any("error", err))
		observability.ConsumerErrorsTotal.WithLabelValues(queue).Inc()
		if !autoAck {
			_ = d.Nack(false, false)
		}
		return
	}
	if !autoAck {
		_ = d.Ack(false)
	}
}

// CancelConsumer stops the consumer with the given tag.
func (b *Broker) CancelConsumer(tag string) error {
	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()
	if ch == nil {
		return domain.ErrNotReady
	}
	if err := ch.Cancel(tag, false); err != nil {
		return fmt.Errorf("cancel consumer %q: %w", tag, err)
	}
	return nil
}

// DeclareTransientQueue declares a non-durable, auto-delete, exclusive
// queue. An empty name yields a server-generated one.
func (b *Broker) DeclareTransientQueue(_ context.Context, name string) (string, error) {
	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()
	if ch == nil {
		return "", domain.ErrNotReady
	}
	q, err := ch.QueueDeclare(name, false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare transient queue %q: %w", name, err)
	}
	return q.Name, nil
}

// BindQueue binds queue to exchange with routingKey.
func (b *Broker) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()
	if ch == nil {
		return domain.ErrNotReady
	}
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bind %q to %s/%s: %w", queue, exchange, routingKey, err)
	}
	return nil
}

// DeleteQueue deletes queue, optionally only when unused or empty.
func (b *Broker) DeleteQueue(_ context.Context, queue string, ifUnused, ifEmpty bool) error {
	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()
	if ch == nil {
		return domain.ErrNotReady
	}
	if _, err := ch.QueueDelete(queue, ifUnused, ifEmpty, false); err != nil {
		return fmt.Errorf("delete queue %q: %w", queue, err)
	}
	return nil
}

// QueueInfo returns a snapshot of queue depth and consumer count.
func (b *Broker) QueueInfo(_ context.Context, queue string) (domain.QueueInfo, error) {
	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()
	if ch == nil {
		return domain.QueueInfo{}, domain.ErrNotReady
	}
	q, err := ch.QueueInspect(queue)
	if err != nil {
		return domain.QueueInfo{}, fmt.Errorf("inspect queue %q: %w", queue, err)
	}
	return domain.QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// PurgeQueue drops all ready messages from queue and returns the count.
func (b *Broker) PurgeQueue(_ context.Context, queue string) (int, error) {
	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()
	if ch == nil {
		return 0, domain.ErrNotReady
	}
	n, err := ch.QueuePurge(queue, false)
	if err != nil {
		return 0, fmt.Errorf("purge queue %q: %w", queue, err)
	}
	return n, nil
}

// PendingConfirms returns the number of unresolved publish
// confirmations, exposed for shutdown diagnostics.
func (b *Broker) PendingConfirms() int {
	return b.confirms.outstanding()
}
