package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Exchange types accepted by the topology descriptor.
const (
	ExchangeDirect  = "direct"
	ExchangeTopic   = "topic"
	ExchangeFanout  = "fanout"
	ExchangeHeaders = "headers"
)

// Canonical exchange and queue names.
const (
	ExchangeTasks     = "llm.direct"
	ExchangeResults   = "ai.results"
	ExchangeEvents    = "events.topic"
	ExchangeBroadcast = "realtime.fanout"

	QueueTasks             = "ai.tasks"
	QueueResults           = "ai.results"
	QueueEventsWebsocket   = "events.websocket"
	QueueEventsStorage     = "events.storage"
	QueueRealtimeBroadcast = "realtime.broadcast"

	KeySubmit      = "ai.process"
	KeyBatchSubmit = "ai.batch"
	KeyCancel      = "task.cancel"
	KeyResults     = "ai.result.#"
)

// Duration is a time.Duration that also unmarshals from YAML strings
// such as "30s" or "1h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ExchangeSpec describes one exchange to declare.
type ExchangeSpec struct {
	Type       string         `yaml:"type"`
	Durable    bool           `yaml:"durable"`
	AutoDelete bool           `yaml:"auto_delete"`
	Internal   bool           `yaml:"internal"`
	Arguments  map[string]any `yaml:"arguments"`
}

// QueueSpec describes one queue, its binding, and its arguments.
// RoutingKeys may hold one or several keys; each is bound separately.
type QueueSpec struct {
	Durable              bool           `yaml:"durable"`
	Exclusive            bool           `yaml:"exclusive"`
	AutoDelete           bool           `yaml:"auto_delete"`
	Exchange             string         `yaml:"exchange"`
	RoutingKeys          []string       `yaml:"routing_keys"`
	MaxLength            int            `yaml:"max_length"`
	MaxPriority          int            `yaml:"max_priority"`
	MessageTTL           Duration       `yaml:"message_ttl"`
	DeadLetterExchange   string         `yaml:"dead_letter_exchange"`
	DeadLetterRoutingKey string         `yaml:"dead_letter_routing_key"`
	Arguments            map[string]any `yaml:"arguments"`
}

// Topology is the declarative exchange/queue/binding configuration
// consumed by the topology manager.
type Topology struct {
	Exchanges map[string]ExchangeSpec `yaml:"exchanges"`
	Queues    map[string]QueueSpec    `yaml:"queues"`
}

// DefaultTopology returns the canonical workspace topology: the direct
// task exchange, topic results and events exchanges, the broadcast
// fanout, and their standing queues. When dlx names a dead-letter
// exchange, durable queues point their dead-letter arguments at it.
func DefaultTopology(dlxExchange, dlxRoutingKey string) Topology {
	t := Topology{
		Exchanges: map[string]ExchangeSpec{
			ExchangeTasks:     {Type: ExchangeDirect, Durable: true},
			ExchangeResults:   {Type: ExchangeTopic, Durable: true},
			ExchangeEvents:    {Type: ExchangeTopic, Durable: true},
			ExchangeBroadcast: {Type: ExchangeFanout, Durable: true},
		},
		Queues: map[string]QueueSpec{
			QueueTasks: {
				Durable:     true,
				Exchange:    ExchangeTasks,
				RoutingKeys: []string{KeySubmit, KeyBatchSubmit, KeyCancel},
				MaxPriority: 10,
			},
			QueueResults: {
				Durable:     true,
				Exchange:    ExchangeResults,
				RoutingKeys: []string{KeyResults},
			},
			QueueEventsWebsocket: {
				Durable:     true,
				Exchange:    ExchangeEvents,
				RoutingKeys: []string{"#"},
			},
			QueueEventsStorage: {
				Durable:     true,
				Exchange:    ExchangeEvents,
				RoutingKeys: []string{"#"},
			},
			QueueRealtimeBroadcast: {
				Durable:     true,
				Exchange:    ExchangeBroadcast,
				RoutingKeys: []string{""},
			},
		},
	}
	if dlxExchange != "" {
		for name, q := range t.Queues {
			q.DeadLetterExchange = dlxExchange
			q.DeadLetterRoutingKey = dlxRoutingKey
			t.Queues[name] = q
		}
	}
	return t
}

// LoadTopology reads a YAML topology descriptor from path and validates it.
func LoadTopology(path string) (Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("op=config.LoadTopology: %w", err)
	}
	var t Topology
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Topology{}, fmt.Errorf("op=config.LoadTopology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Topology{}, err
	}
	return t, nil
}

// Validate rejects queues bound to undeclared exchanges and arguments
// outside protocol bounds.
func (t Topology) Validate() error {
	for name, ex := range t.Exchanges {
		switch ex.Type {
		case ExchangeDirect, ExchangeTopic, ExchangeFanout, ExchangeHeaders:
		default:
			return fmt.Errorf("op=topology.Validate: exchange %q has unknown type %q", name, ex.Type)
		}
	}
	for name, q := range t.Queues {
		if q.Exchange == "" {
			return fmt.Errorf("op=topology.Validate: queue %q has no bound exchange", name)
		}
		if _, ok := t.Exchanges[q.Exchange]; !ok {
			return fmt.Errorf("op=topology.Validate: queue %q references unknown exchange %q", name, q.Exchange)
		}
		// 0 means unset for both arguments.
		if q.MaxLength < 0 {
			return fmt.Errorf("op=topology.Validate: queue %q max_length %d must not be negative", name, q.MaxLength)
		}
		if q.MaxPriority < 0 || q.MaxPriority > 255 {
			return fmt.Errorf("op=topology.Validate: queue %q max_priority %d outside [0,255]", name, q.MaxPriority)
		}
	}
	return nil
}
