package rabbitmq

import (
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/workspace-broker/internal/config"
)

// TopologyManager declares exchanges, queues, bindings, and the
// optional dead-letter target from a declarative topology. It holds no
// runtime state beyond the initialized flag.
type TopologyManager struct {
	topology config.Topology
	cfg      config.Config

	mu          sync.Mutex
	initialized bool
}

// NewTopologyManager validates the topology and returns a manager.
func NewTopologyManager(cfg config.Config, topology config.Topology) (*TopologyManager, error) {
	if err := topology.Validate(); err != nil {
		return nil, err
	}
	return &TopologyManager{topology: topology, cfg: cfg}, nil
}

// Initialize declares the full topology on the given channel. Declares
// are idempotent on the broker side; repeated calls on the same manager
// are no-ops.
func (t *TopologyManager) Initialize(ch *amqp.Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return nil
	}

	if t.cfg.EffectiveDLXEnabled() {
		if err := t.declareDLX(ch); err != nil {
			return err
		}
	}

	for name, ex := range t.topology.Exchanges {
		if err := ch.ExchangeDeclare(name, ex.Type, ex.Durable, ex.AutoDelete, ex.Internal, false, amqp.Table(ex.Arguments)); err != nil {
			return fmt.Errorf("declare exchange %q: %w", name, err)
		}
	}

	for name, q := range t.topology.Queues {
		args := queueArguments(q)
		if _, err := ch.QueueDeclare(name, q.Durable, q.AutoDelete, q.Exclusive, false, args); err != nil {
			return fmt.Errorf("declare queue %q: %w", name, err)
		}
		for _, key := range q.RoutingKeys {
			if err := ch.QueueBind(name, key, q.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind queue %q to %q with key %q: %w", name, q.Exchange, key, err)
			}
		}
	}

	t.initialized = true
	slog.Info("topology declared",
		slog.Int("exchanges", len(t.topology.Exchanges)),
		slog.Int("queues", len(t.topology.Queues)),
		slog.Bool("dlx", t.cfg.EffectiveDLXEnabled()))
	return nil
}

// Initialized reports whether Initialize has completed.
func (t *TopologyManager) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

// Reset clears the initialized flag so the topology is re-declared on
// the next Initialize, used after channel rebuild.
func (t *TopologyManager) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = false
}

// declareDLX sets up the dead-letter exchange (direct, durable) and its
// paired <dlx>.dlq queue bound with the configured routing key. When a
// TTL is configured the DLQ expires stale entries.
func (t *TopologyManager) declareDLX(ch *amqp.Channel) error {
	name := t.cfg.DLXExchange
	if err := ch.ExchangeDeclare(name, config.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare DLX %q: %w", name, err)
	}

	dlq := name + ".dlq"
	args := amqp.Table{}
	if t.cfg.DLXMessageTTL > 0 {
		args["x-message-ttl"] = t.cfg.DLXMessageTTL.Milliseconds()
	}
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare DLQ %q: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, t.cfg.DLXRoutingKey, name, false, nil); err != nil {
		return fmt.Errorf("bind DLQ %q: %w", dlq, err)
	}
	return nil
}

// queueArguments derives the x-arguments table from a queue spec.
func queueArguments(q config.QueueSpec) amqp.Table {
	args := amqp.Table{}
	for k, v := range q.Arguments {
		args[k] = v
	}
	if q.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = q.DeadLetterExchange
	}
	if q.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = q.DeadLetterRoutingKey
	}
	if q.MaxLength > 0 {
		args["x-max-length"] = int32(q.MaxLength)
	}
	if q.MaxPriority > 0 {
		args["x-max-priority"] = uint8(q.MaxPriority)
	}
	if q.MessageTTL > 0 {
		args["x-message-ttl"] = q.MessageTTL.Std().Milliseconds()
	}
	if len(args) == 0 {
		return nil
	}
	return args
}
