package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workspace-broker/internal/adapter/broker/inmemory"
	"github.com/fairyhunter13/workspace-broker/internal/config"
	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

func testIntegratorConfig() config.Config {
	return config.Config{
		AppEnv:              "test",
		HealthCheckInterval: 10 * time.Millisecond,
		HealthCheckTimeout:  50 * time.Millisecond,
	}
}

// inbox collects directed messages and broadcasts for one fake service.
type inbox struct {
	mu       sync.Mutex
	messages []ServiceMessage
	events   []domain.Event
}

func (in *inbox) onMessage(_ context.Context, msg ServiceMessage) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.messages = append(in.messages, msg)
	return nil
}

func (in *inbox) onBroadcast(_ context.Context, e domain.Event) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.events = append(in.events, e)
	return nil
}

func (in *inbox) messageCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.messages)
}

func (in *inbox) eventCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.events)
}

func newTestIntegrator(t *testing.T) (*Integrator, *inmemory.Broker) {
	t.Helper()
	b := inmemory.NewBroker(config.DefaultTopology("", ""))
	i := NewIntegrator(testIntegratorConfig(), b, "broker")
	t.Cleanup(i.Stop)
	return i, b
}

func TestIntegrator_DirectedMessage(t *testing.T) {
	t.Parallel()
	i, _ := newTestIntegrator(t)

	var in inbox
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{
		Name:      "store",
		OnMessage: in.onMessage,
	}))

	_, err := i.SendMessage(t.Context(), "store", "sync", map[string]string{"node_id": "n1"}, SendOptions{})
	require.NoError(t, err)

	in.mu.Lock()
	defer in.mu.Unlock()
	require.Len(t, in.messages, 1)
	assert.Equal(t, "sync", in.messages[0].Action)
	assert.Equal(t, "broker", in.messages[0].Source)
	assert.Equal(t, "store", in.messages[0].Target)
	assert.NotEmpty(t, in.messages[0].MessageID)
}

func TestIntegrator_MessageToOtherServiceNotDelivered(t *testing.T) {
	t.Parallel()
	i, _ := newTestIntegrator(t)

	var storeIn, realtimeIn inbox
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{Name: "store", OnMessage: storeIn.onMessage}))
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{Name: "realtime", OnMessage: realtimeIn.onMessage}))

	_, err := i.SendMessage(t.Context(), "store", "sync", nil, SendOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, storeIn.messageCount())
	assert.Zero(t, realtimeIn.messageCount())
}

func TestIntegrator_DuplicateRegistrationRejected(t *testing.T) {
	t.Parallel()
	i, _ := newTestIntegrator(t)

	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{Name: "store"}))
	err := i.RegisterService(t.Context(), ServiceRegistration{Name: "store"})
	require.Error(t, err)
}

func TestIntegrator_Unregister(t *testing.T) {
	t.Parallel()
	i, _ := newTestIntegrator(t)

	var in inbox
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{Name: "store", OnMessage: in.onMessage}))
	require.NoError(t, i.UnregisterService(t.Context(), "store"))
	assert.ErrorIs(t, i.UnregisterService(t.Context(), "store"), domain.ErrNotFound)

	_, err := i.SendMessage(t.Context(), "store", "sync", nil, SendOptions{})
	require.NoError(t, err)
	assert.Zero(t, in.messageCount(), "no delivery after unregister")
}

func TestIntegrator_RPC(t *testing.T) {
	t.Parallel()
	i, b := newTestIntegrator(t)

	b.SetRPCHandler(config.ExchangeTasks, "svc.store", func(body []byte) []byte {
		var msg ServiceMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return []byte(`{"error":"bad request"}`)
		}
		return []byte(`{"status":"synced"}`)
	})

	reply, err := i.SendMessage(t.Context(), "store", "sync", nil, SendOptions{Wait: true, Timeout: time.Second})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"synced"}`, string(reply))

	_, err = i.SendMessage(t.Context(), "absent", "ping", nil, SendOptions{Wait: true, Timeout: 10 * time.Millisecond})
	assert.ErrorIs(t, err, domain.ErrRPCTimeout)
}

func TestIntegrator_BroadcastWithExclusions(t *testing.T) {
	t.Parallel()
	i, _ := newTestIntegrator(t)

	var storeIn, realtimeIn inbox
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{Name: "store", OnBroadcast: storeIn.onBroadcast}))
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{Name: "realtime", OnBroadcast: realtimeIn.onBroadcast}))

	require.NoError(t, i.Broadcast(t.Context(), "system.maintenance", map[string]string{"window": "30m"}, "store"))

	assert.Zero(t, storeIn.eventCount(), "excluded service skips the broadcast")
	require.Equal(t, 1, realtimeIn.eventCount())
	realtimeIn.mu.Lock()
	assert.Equal(t, "system.maintenance", realtimeIn.events[0].Type)
	realtimeIn.mu.Unlock()
}

func TestIntegrator_BroadcastExclusionHeaderWireFormat(t *testing.T) {
	t.Parallel()
	i, b := newTestIntegrator(t)

	var in inbox
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{Name: "store", OnBroadcast: in.onBroadcast}))
	require.NoError(t, i.Broadcast(t.Context(), "system.maintenance", nil, "store", "realtime"))

	msgs := b.PublishedTo(config.ExchangeBroadcast)
	require.Len(t, msgs, 1)
	headers := msgs[0].Options.Headers
	require.NoError(t, amqp.Table(headers).Validate(), "exclusion header must be a legal amqp table value")
	assert.Equal(t, []any{"store", "realtime"}, headers["x-exclude"])
}

func TestIntegrator_BroadcastRejectsEmptyType(t *testing.T) {
	t.Parallel()
	i, _ := newTestIntegrator(t)
	assert.ErrorIs(t, i.Broadcast(t.Context(), "", nil), domain.ErrSchemaInvalid)
}

func TestIntegrator_RouteForwarding(t *testing.T) {
	t.Parallel()
	i, b := newTestIntegrator(t)

	var brokerIn, realtimeIn inbox
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{Name: "broker", OnMessage: brokerIn.onMessage}))
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{Name: "realtime", OnMessage: realtimeIn.onMessage}))

	// Inbound message from the engine to this process trips the
	// built-in engine-results-to-realtime route.
	msg := ServiceMessage{
		MessageID: "m1",
		Source:    "ai-engine",
		Target:    "broker",
		Action:    "result_ready",
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, b.Publish(t.Context(), config.ExchangeTasks, "svc.broker", msg, domain.PublishOptions{}))

	assert.Equal(t, 1, brokerIn.messageCount())
	require.Equal(t, 1, realtimeIn.messageCount())
	realtimeIn.mu.Lock()
	assert.Equal(t, "result_ready", realtimeIn.messages[0].Action)
	assert.Equal(t, "realtime", realtimeIn.messages[0].Target)
	realtimeIn.mu.Unlock()
}

func TestIntegrator_RouteConditionAndDisable(t *testing.T) {
	t.Parallel()
	i, b := newTestIntegrator(t)

	var realtimeIn inbox
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{Name: "broker"}))
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{Name: "realtime", OnMessage: realtimeIn.onMessage}))

	send := func(source, action string) {
		msg := ServiceMessage{MessageID: "m", Source: source, Target: "broker", Action: action, Timestamp: time.Now().UTC()}
		require.NoError(t, b.Publish(t.Context(), config.ExchangeTasks, "svc.broker", msg, domain.PublishOptions{}))
	}

	// store-notifications-to-realtime only forwards "notify" actions.
	send("store", "sync")
	assert.Zero(t, realtimeIn.messageCount())
	send("store", "notify")
	assert.Equal(t, 1, realtimeIn.messageCount())

	require.NoError(t, i.SetRouteEnabled("store-notifications-to-realtime", false))
	send("store", "notify")
	assert.Equal(t, 1, realtimeIn.messageCount(), "disabled route stops forwarding")

	assert.ErrorIs(t, i.SetRouteEnabled("missing", true), domain.ErrNotFound)
}

func TestIntegrator_RouteManagement(t *testing.T) {
	t.Parallel()
	i, _ := newTestIntegrator(t)

	require.Len(t, i.Routes(), 2, "built-in routes installed")

	err := i.AddRoute(Route{Name: "custom", Target: "store", Enabled: true})
	require.NoError(t, err)
	assert.Len(t, i.Routes(), 3)

	assert.ErrorIs(t, i.AddRoute(Route{Name: "", Target: "x"}), domain.ErrInvalidArgument)
	require.NoError(t, i.RemoveRoute("custom"))
	assert.ErrorIs(t, i.RemoveRoute("custom"), domain.ErrNotFound)
}

func TestIntegrator_ControlDiscoverAndHealth(t *testing.T) {
	t.Parallel()
	i, b := newTestIntegrator(t)

	require.NoError(t, i.RegisterSelf(t.Context()))
	var storeIn inbox
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{Name: "store", OnMessage: storeIn.onMessage}))

	ask := func(action string, payload any) {
		msg := ServiceMessage{
			MessageID: "m",
			Source:    "store",
			Target:    "broker",
			Action:    action,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		}
		require.NoError(t, b.Publish(t.Context(), config.ExchangeTasks, "svc.broker", msg, domain.PublishOptions{}))
	}

	ask(ActionDiscover, nil)
	require.Equal(t, 1, storeIn.messageCount())
	storeIn.mu.Lock()
	discover := storeIn.messages[0]
	storeIn.mu.Unlock()
	assert.Equal(t, ActionDiscover+".response", discover.Action)
	payload, ok := discover.Payload.(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"broker", "store"}, payload["services"])

	ask(ActionHealth, nil)
	require.Equal(t, 2, storeIn.messageCount())
	storeIn.mu.Lock()
	health := storeIn.messages[1]
	storeIn.mu.Unlock()
	assert.Equal(t, ActionHealth+".response", health.Action)
	statuses, ok := health.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(StatusUnknown), statuses["store"])
}

func TestIntegrator_ControlErrorSeverity(t *testing.T) {
	t.Parallel()
	i, b := newTestIntegrator(t)

	require.NoError(t, i.RegisterSelf(t.Context()))
	var storeIn inbox
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{Name: "store", OnMessage: storeIn.onMessage}))

	report := func(payload map[string]any) map[string]any {
		before := storeIn.messageCount()
		msg := ServiceMessage{
			MessageID: "m",
			Source:    "store",
			Target:    "broker",
			Action:    ActionError,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		}
		require.NoError(t, b.Publish(t.Context(), config.ExchangeTasks, "svc.broker", msg, domain.PublishOptions{}))
		require.Equal(t, before+1, storeIn.messageCount())
		storeIn.mu.Lock()
		defer storeIn.mu.Unlock()
		got, ok := storeIn.messages[before].Payload.(map[string]any)
		require.True(t, ok)
		return got
	}

	fatal := report(map[string]any{"code": "ENGINE_DOWN", "message": "boom", "fatal": true})
	assert.Equal(t, string(domain.SeverityHigh), fatal["severity"])

	transient := report(map[string]any{"code": "TIMEOUT", "message": "slow", "retryable": true})
	assert.Equal(t, string(domain.SeverityLow), transient["severity"])

	plain := report(map[string]any{"code": "BAD_INPUT", "message": "nope"})
	assert.Equal(t, string(domain.SeverityMedium), plain["severity"])
	assert.Equal(t, "BAD_INPUT", plain["code"])
}

func TestIntegrator_HealthTransitions(t *testing.T) {
	t.Parallel()
	i, b := newTestIntegrator(t)

	var probeErr error
	var probeMu sync.Mutex
	setProbe := func(err error) {
		probeMu.Lock()
		probeErr = err
		probeMu.Unlock()
	}

	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{
		Name: "store",
		Probe: func(context.Context) error {
			probeMu.Lock()
			defer probeMu.Unlock()
			return probeErr
		},
	}))
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{Name: "unprobed"}))

	type transition struct{ from, to ServiceStatus }
	var mu sync.Mutex
	var seen []transition
	i.OnStatusChange(func(_ string, from, to ServiceStatus) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, transition{from, to})
	})

	i.CheckHealth(t.Context())
	assert.Equal(t, StatusHealthy, i.ServiceStatuses()["store"])
	assert.Equal(t, StatusUnknown, i.ServiceStatuses()["unprobed"], "no probe leaves status unknown")

	setProbe(errors.New("connection refused"))
	i.CheckHealth(t.Context())
	assert.Equal(t, StatusDegraded, i.ServiceStatuses()["store"])
	i.CheckHealth(t.Context())
	i.CheckHealth(t.Context())
	assert.Equal(t, StatusUnhealthy, i.ServiceStatuses()["store"])

	setProbe(nil)
	i.CheckHealth(t.Context())
	assert.Equal(t, StatusHealthy, i.ServiceStatuses()["store"])

	mu.Lock()
	got := append([]transition{}, seen...)
	mu.Unlock()
	want := []transition{
		{StatusUnknown, StatusHealthy},
		{StatusHealthy, StatusDegraded},
		{StatusDegraded, StatusUnhealthy},
		{StatusUnhealthy, StatusHealthy},
	}
	assert.Equal(t, want, got)

	// Each transition also lands on the events exchange.
	assert.Len(t, b.PublishedTo(config.ExchangeEvents), len(want))
}

func TestIntegrator_HealthLoop(t *testing.T) {
	t.Parallel()
	i, _ := newTestIntegrator(t)

	var calls sync.WaitGroup
	calls.Add(1)
	var once sync.Once
	require.NoError(t, i.RegisterService(t.Context(), ServiceRegistration{
		Name: "store",
		Probe: func(context.Context) error {
			once.Do(calls.Done)
			return nil
		},
	}))

	i.StartHealthLoop(t.Context())
	calls.Wait()
	i.Stop()
	assert.Equal(t, StatusHealthy, i.ServiceStatuses()["store"])
}
