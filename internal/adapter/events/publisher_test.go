package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workspace-broker/internal/adapter/broker/inmemory"
	"github.com/fairyhunter13/workspace-broker/internal/config"
	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

func TestResolveExchange(t *testing.T) {
	t.Parallel()
	assert.Equal(t, config.ExchangeBroadcast, ResolveExchange("system.shutdown"))
	assert.Equal(t, config.ExchangeEvents, ResolveExchange("node.created"))
	assert.Equal(t, config.ExchangeEvents, ResolveExchange("ai.completed"))
}

func TestPriorityFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint8(8), PriorityFor("system.alert"))
	assert.Equal(t, uint8(7), PriorityFor("ai.completed"))
	assert.Equal(t, uint8(5), PriorityFor("node.created"))
}

func TestCategory(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "node", Category("node.created"))
	assert.Equal(t, "other", Category("heartbeat"))
}

func TestPublisher_Publish(t *testing.T) {
	t.Parallel()
	b := inmemory.NewBroker(config.DefaultTopology("", ""))
	p := NewPublisher(b, "broker-test")

	id, err := p.Publish(t.Context(), "node.created", map[string]string{"node_id": "n1"}, PublishOptions{CorrelationID: "corr-9"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := b.PublishedTo(config.ExchangeEvents)
	require.Len(t, msgs, 1)
	assert.Equal(t, "node.created", msgs[0].RoutingKey)
	assert.Equal(t, uint8(5), msgs[0].Options.Priority)
	assert.Equal(t, id, msgs[0].Options.MessageID)
	assert.Equal(t, "corr-9", msgs[0].Options.CorrelationID)
	assert.True(t, msgs[0].Options.Persistent)

	var event domain.Event
	require.NoError(t, json.Unmarshal(msgs[0].Body, &event))
	assert.Equal(t, id, event.EventID)
	assert.Equal(t, "broker-test", event.Source)
	assert.False(t, event.Timestamp.IsZero())
}

func TestPublisher_SystemEventUsesFanout(t *testing.T) {
	t.Parallel()
	b := inmemory.NewBroker(config.DefaultTopology("", ""))
	p := NewPublisher(b, "broker-test")

	_, err := p.SystemEvent(t.Context(), "maintenance", nil)
	require.NoError(t, err)

	assert.Empty(t, b.PublishedTo(config.ExchangeEvents))
	msgs := b.PublishedTo(config.ExchangeBroadcast)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint8(8), msgs[0].Options.Priority)
}

func TestPublisher_RejectsEmptyType(t *testing.T) {
	t.Parallel()
	b := inmemory.NewBroker(config.DefaultTopology("", ""))
	p := NewPublisher(b, "broker-test")

	_, err := p.Publish(t.Context(), "", "x", PublishOptions{})
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
	assert.Empty(t, b.AllPublished())
}

func TestPublisher_PublishBatchStopsOnError(t *testing.T) {
	t.Parallel()
	b := inmemory.NewBroker(config.DefaultTopology("", ""))
	p := NewPublisher(b, "broker-test")
	b.PublishErr = domain.ErrBackpressure

	ids, err := p.PublishBatch(t.Context(), "node.updated", []any{"a", "b"}, PublishOptions{})
	require.ErrorIs(t, err, domain.ErrBackpressure)
	assert.Empty(t, ids)

	// The injected failure is one-shot, so a retry drains the rest.
	ids, err = p.PublishBatch(t.Context(), "node.updated", []any{"a", "b"}, PublishOptions{})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}
