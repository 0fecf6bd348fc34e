package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/workspace-broker/internal/config"
	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

// ServiceStatus is the integrator's health classification of a service.
type ServiceStatus string

const (
	StatusHealthy   ServiceStatus = "healthy"
	StatusDegraded  ServiceStatus = "degraded"
	StatusUnhealthy ServiceStatus = "unhealthy"
	StatusUnknown   ServiceStatus = "unknown"
)

// Consecutive probe failures at which a service degrades and then
// becomes unhealthy.
const (
	degradedAfter  = 1
	unhealthyAfter = 3
)

// ServiceMessage is the envelope for directed service-to-service
// messages routed through the task exchange.
type ServiceMessage struct {
	MessageID     string    `json:"message_id"`
	Source        string    `json:"source"`
	Target        string    `json:"target"`
	Action        string    `json:"action"`
	Payload       any       `json:"payload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// MessageHandler processes a directed message for a registered service.
type MessageHandler func(ctx context.Context, msg ServiceMessage) error

// BroadcastHandler processes a broadcast event for a registered service.
type BroadcastHandler func(ctx context.Context, event domain.Event) error

// HealthProbe checks one service; a nil probe leaves its status unknown.
type HealthProbe func(ctx context.Context) error

// ServiceRegistration describes a service joining the integrator.
type ServiceRegistration struct {
	Name        string
	OnMessage   MessageHandler
	OnBroadcast BroadcastHandler
	Probe       HealthProbe
}

// Route forwards matching inbound messages to another service.
// Transform and Condition are optional; a nil Condition always matches.
type Route struct {
	Name      string
	Source    string // source service name, "*" matches any
	Target    string
	Transform func(msg ServiceMessage) ServiceMessage
	Condition func(msg ServiceMessage) bool
	Enabled   bool
}

// StatusListener observes service health transitions.
type StatusListener func(service string, from, to ServiceStatus)

// SendOptions tunes one directed message.
type SendOptions struct {
	// Wait turns the send into an RPC and waits for the reply.
	Wait    bool
	Timeout time.Duration
}

// serviceEntry is the integrator's view of one registered service.
type serviceEntry struct {
	reg          ServiceRegistration
	queue        string
	msgTag       string
	bcastQueue   string
	bcastTag     string
	status       ServiceStatus
	failureCount int
}

// serviceKey routes directed messages: each service queue binds
// "svc.<name>" on the direct task exchange.
func serviceKey(name string) string { return "svc." + name }

// Integrator connects workspace services over the broker: directed
// messaging, broadcasts with exclusions, declarative message routes,
// and a periodic health check loop.
type Integrator struct {
	cfg    config.Config
	broker domain.Broker
	source string

	mu        sync.Mutex
	services  map[string]*serviceEntry
	routes    map[string]*Route
	listeners []StatusListener

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewIntegrator constructs an Integrator with the built-in routes
// installed. source names this process in outbound messages.
func NewIntegrator(cfg config.Config, broker domain.Broker, source string) *Integrator {
	i := &Integrator{
		cfg:      cfg,
		broker:   broker,
		source:   source,
		services: make(map[string]*serviceEntry),
		routes:   make(map[string]*Route),
	}
	for _, r := range builtinRoutes() {
		route := r
		i.routes[route.Name] = &route
	}
	return i
}

// builtinRoutes are the standing forwarding rules every deployment
// carries. They can be disabled at runtime but not removed.
func builtinRoutes() []Route {
	return []Route{
		{
			Name:    "engine-results-to-realtime",
			Source:  "ai-engine",
			Target:  "realtime",
			Enabled: true,
		},
		{
			Name:    "store-notifications-to-realtime",
			Source:  "store",
			Target:  "realtime",
			Enabled: true,
			Condition: func(msg ServiceMessage) bool {
				return msg.Action == "notify"
			},
		},
	}
}

// RegisterService declares the service's message queue, starts its
// consumers, and begins tracking its health.
func (i *Integrator) RegisterService(ctx context.Context, reg ServiceRegistration) error {
	if reg.Name == "" {
		return fmt.Errorf("op=integrator.RegisterService: %w: name required", domain.ErrInvalidArgument)
	}
	i.mu.Lock()
	if _, exists := i.services[reg.Name]; exists {
		i.mu.Unlock()
		return fmt.Errorf("op=integrator.RegisterService: service %q already registered", reg.Name)
	}
	i.mu.Unlock()

	entry := &serviceEntry{reg: reg, status: StatusUnknown}

	queue, err := i.broker.DeclareTransientQueue(ctx, serviceKey(reg.Name))
	if err != nil {
		return fmt.Errorf("op=integrator.RegisterService: %w", err)
	}
	entry.queue = queue
	if err := i.broker.BindQueue(ctx, queue, config.ExchangeTasks, serviceKey(reg.Name)); err != nil {
		return fmt.Errorf("op=integrator.RegisterService: %w", err)
	}
	tag, err := i.broker.Consume(ctx, queue, i.messageHandler(reg), domain.ConsumeOptions{})
	if err != nil {
		return fmt.Errorf("op=integrator.RegisterService: %w", err)
	}
	entry.msgTag = tag

	if reg.OnBroadcast != nil {
		bq, err := i.broker.DeclareTransientQueue(ctx, "bcast."+reg.Name)
		if err != nil {
			return fmt.Errorf("op=integrator.RegisterService: %w", err)
		}
		entry.bcastQueue = bq
		if err := i.broker.BindQueue(ctx, bq, config.ExchangeBroadcast, ""); err != nil {
			return fmt.Errorf("op=integrator.RegisterService: %w", err)
		}
		btag, err := i.broker.Consume(ctx, bq, i.broadcastHandler(reg), domain.ConsumeOptions{AutoAck: true})
		if err != nil {
			return fmt.Errorf("op=integrator.RegisterService: %w", err)
		}
		entry.bcastTag = btag
	}

	i.mu.Lock()
	i.services[reg.Name] = entry
	i.mu.Unlock()

	slog.Info("service registered",
		slog.String("service", reg.Name),
		slog.String("queue", queue),
		slog.Bool("broadcasts", reg.OnBroadcast != nil))
	return nil
}

// UnregisterService tears down the service's consumers and queues.
func (i *Integrator) UnregisterService(ctx context.Context, name string) error {
	i.mu.Lock()
	entry, ok := i.services[name]
	if ok {
		delete(i.services, name)
	}
	i.mu.Unlock()
	if !ok {
		return fmt.Errorf("service %q: %w", name, domain.ErrNotFound)
	}

	if err := i.broker.CancelConsumer(entry.msgTag); err != nil {
		slog.Debug("service consumer cancel failed", slog.String("service", name), slog.Any("error", err))
	}
	if err := i.broker.DeleteQueue(ctx, entry.queue, false, false); err != nil {
		slog.Debug("service queue delete failed", slog.String("service", name), slog.Any("error", err))
	}
	if entry.bcastTag != "" {
		if err := i.broker.CancelConsumer(entry.bcastTag); err != nil {
			slog.Debug("broadcast consumer cancel failed", slog.String("service", name), slog.Any("error", err))
		}
		if err := i.broker.DeleteQueue(ctx, entry.bcastQueue, false, false); err != nil {
			slog.Debug("broadcast queue delete failed", slog.String("service", name), slog.Any("error", err))
		}
	}
	slog.Info("service unregistered", slog.String("service", name))
	return nil
}

func (i *Integrator) messageHandler(reg ServiceRegistration) domain.DeliveryHandler {
	return func(ctx context.Context, d domain.Delivery) error {
		var msg ServiceMessage
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return fmt.Errorf("%w: decode service message: %v", domain.ErrSchemaInvalid, err)
		}
		i.applyRoutes(ctx, msg)
		if reg.OnMessage == nil {
			return nil
		}
		return reg.OnMessage(ctx, msg)
	}
}

func (i *Integrator) broadcastHandler(reg ServiceRegistration) domain.DeliveryHandler {
	return func(ctx context.Context, d domain.Delivery) error {
		if excluded(d.Headers, reg.Name) {
			return nil
		}
		var event domain.Event
		if err := json.Unmarshal(d.Body, &event); err != nil {
			slog.Debug("broadcast decode failed", slog.String("service", reg.Name), slog.Any("error", err))
			return nil
		}
		return reg.OnBroadcast(ctx, event)
	}
}

func excluded(headers map[string]any, name string) bool {
	raw, ok := headers["x-exclude"]
	if !ok {
		return false
	}
	switch v := raw.(type) {
	case []string:
		for _, n := range v {
			if n == name {
				return true
			}
		}
	case []any:
		for _, n := range v {
			if s, ok := n.(string); ok && s == name {
				return true
			}
		}
	}
	return false
}

// applyRoutes forwards msg along every enabled route whose source and
// condition match. Forwarding failures are logged, not propagated, so
// one broken route cannot poison delivery to the service itself.
func (i *Integrator) applyRoutes(ctx context.Context, msg ServiceMessage) {
	i.mu.Lock()
	matched := make([]*Route, 0)
	for _, r := range i.routes {
		if !r.Enabled || r.Target == msg.Target {
			continue
		}
		if r.Source != "*" && r.Source != msg.Source {
			continue
		}
		matched = append(matched, r)
	}
	i.mu.Unlock()

	for _, r := range matched {
		if r.Condition != nil && !r.Condition(msg) {
			continue
		}
		forwarded := msg
		if r.Transform != nil {
			forwarded = r.Transform(msg)
		}
		forwarded.Target = r.Target
		if _, err := i.SendMessage(ctx, r.Target, forwarded.Action, forwarded.Payload, SendOptions{}); err != nil {
			slog.Warn("route forward failed",
				slog.String("route", r.Name),
				slog.String("target", r.Target),
				slog.Any("error", err))
		}
	}
}

// SendMessage sends a directed message to a service. With Wait set it
// blocks for the service's RPC reply and returns the raw response body.
func (i *Integrator) SendMessage(ctx context.Context, target, action string, payload any, opts SendOptions) ([]byte, error) {
	msg := ServiceMessage{
		MessageID: uuid.NewString(),
		Source:    i.source,
		Target:    target,
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	if opts.Wait {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = i.cfg.HealthCheckTimeout
		}
		reply, err := i.broker.Request(ctx, config.ExchangeTasks, serviceKey(target), msg, timeout)
		if err != nil {
			return nil, fmt.Errorf("op=integrator.SendMessage: rpc to %q: %w", target, err)
		}
		return reply, nil
	}

	err := i.broker.Publish(ctx, config.ExchangeTasks, serviceKey(target), msg, domain.PublishOptions{
		Persistent: true,
		MessageID:  msg.MessageID,
		Type:       "service_message",
		AppID:      i.source,
	})
	if err != nil {
		return nil, fmt.Errorf("op=integrator.SendMessage: %w", err)
	}
	return nil, nil
}

// Broadcast fans an event out to every service except those excluded.
func (i *Integrator) Broadcast(ctx context.Context, eventType string, payload any, exclude ...string) error {
	event := domain.Event{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Source:    i.source,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := domain.ValidateEvent(event); err != nil {
		return err
	}
	opts := domain.PublishOptions{
		MessageID: event.EventID,
		Type:      eventType,
		AppID:     i.source,
	}
	if len(exclude) > 0 {
		// amqp tables reject []string values; field arrays must be []any.
		names := make([]any, len(exclude))
		for n, name := range exclude {
			names[n] = name
		}
		opts.Headers = map[string]any{"x-exclude": names}
	}
	if err := i.broker.Publish(ctx, config.ExchangeBroadcast, "", event, opts); err != nil {
		return fmt.Errorf("op=integrator.Broadcast: %w", err)
	}
	return nil
}

// Built-in control actions. RegisterSelf installs them as this
// process's own message handler.

const (
	ActionDiscover = "service.discover"
	ActionHealth   = "service.health"
	ActionError    = "service.error"
)

// errorReport is the payload of a service.error control message.
type errorReport struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Fatal     bool   `json:"fatal,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// RegisterSelf registers the integrator's own service entry so peers
// can address discovery, health, and error-report actions to it.
func (i *Integrator) RegisterSelf(ctx context.Context) error {
	return i.RegisterService(ctx, ServiceRegistration{
		Name:      i.source,
		OnMessage: i.handleControl,
	})
}

// handleControl answers the built-in control actions with a directed
// response back to the sender.
func (i *Integrator) handleControl(ctx context.Context, msg ServiceMessage) error {
	switch msg.Action {
	case ActionDiscover:
		i.mu.Lock()
		names := make([]string, 0, len(i.services))
		for name := range i.services {
			names = append(names, name)
		}
		i.mu.Unlock()
		_, err := i.SendMessage(ctx, msg.Source, ActionDiscover+".response", map[string]any{"services": names}, SendOptions{})
		return err
	case ActionHealth:
		_, err := i.SendMessage(ctx, msg.Source, ActionHealth+".response", i.ServiceStatuses(), SendOptions{})
		return err
	case ActionError:
		report, err := decodeErrorReport(msg.Payload)
		if err != nil {
			return err
		}
		_, err = i.SendMessage(ctx, msg.Source, ActionError+".response", map[string]any{
			"code":     report.Code,
			"message":  report.Message,
			"severity": severityFor(report),
		}, SendOptions{})
		return err
	default:
		slog.Debug("unhandled control action",
			slog.String("action", msg.Action),
			slog.String("source", msg.Source))
		return nil
	}
}

func decodeErrorReport(payload any) (errorReport, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errorReport{}, fmt.Errorf("%w: error report: %v", domain.ErrSchemaInvalid, err)
	}
	var report errorReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return errorReport{}, fmt.Errorf("%w: error report: %v", domain.ErrSchemaInvalid, err)
	}
	return report, nil
}

// severityFor classifies a reported failure: fatal errors are high,
// retryable ones low, everything else medium.
func severityFor(report errorReport) domain.ErrorSeverity {
	switch {
	case report.Fatal:
		return domain.SeverityHigh
	case report.Retryable:
		return domain.SeverityLow
	default:
		return domain.SeverityMedium
	}
}

// Route management.

// AddRoute installs or replaces a named route.
func (i *Integrator) AddRoute(r Route) error {
	if r.Name == "" || r.Target == "" {
		return fmt.Errorf("op=integrator.AddRoute: %w: name and target required", domain.ErrInvalidArgument)
	}
	if r.Source == "" {
		r.Source = "*"
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.routes[r.Name] = &r
	return nil
}

// RemoveRoute deletes a route by name.
func (i *Integrator) RemoveRoute(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.routes[name]; !ok {
		return fmt.Errorf("route %q: %w", name, domain.ErrNotFound)
	}
	delete(i.routes, name)
	return nil
}

// SetRouteEnabled toggles a route without removing it.
func (i *Integrator) SetRouteEnabled(name string, enabled bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	r, ok := i.routes[name]
	if !ok {
		return fmt.Errorf("route %q: %w", name, domain.ErrNotFound)
	}
	r.Enabled = enabled
	return nil
}

// Routes returns a snapshot of the installed routes.
func (i *Integrator) Routes() []Route {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Route, 0, len(i.routes))
	for _, r := range i.routes {
		out = append(out, *r)
	}
	return out
}

// Health checking.

// OnStatusChange registers a health transition listener.
func (i *Integrator) OnStatusChange(fn StatusListener) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.listeners = append(i.listeners, fn)
}

// ServiceStatuses returns the current status per registered service.
func (i *Integrator) ServiceStatuses() map[string]ServiceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]ServiceStatus, len(i.services))
	for name, entry := range i.services {
		out[name] = entry.status
	}
	return out
}

// StartHealthLoop begins the periodic health check loop. Stop ends it.
func (i *Integrator) StartHealthLoop(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.loopCancel = cancel
	i.loopDone = make(chan struct{})
	done := i.loopDone
	i.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(i.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				i.CheckHealth(loopCtx)
			}
		}
	}()
}

// Stop ends the health loop and waits for it to exit.
func (i *Integrator) Stop() {
	i.mu.Lock()
	cancel := i.loopCancel
	done := i.loopDone
	i.loopCancel = nil
	i.loopDone = nil
	i.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// CheckHealth probes every registered service once and applies status
// transitions. Services without a probe stay unknown.
func (i *Integrator) CheckHealth(ctx context.Context) {
	i.mu.Lock()
	probes := make(map[string]HealthProbe, len(i.services))
	for name, entry := range i.services {
		if entry.reg.Probe != nil {
			probes[name] = entry.reg.Probe
		}
	}
	i.mu.Unlock()

	for name, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, i.cfg.HealthCheckTimeout)
		err := probe(probeCtx)
		cancel()
		i.recordProbe(ctx, name, err)
	}
}

func (i *Integrator) recordProbe(ctx context.Context, name string, probeErr error) {
	i.mu.Lock()
	entry, ok := i.services[name]
	if !ok {
		i.mu.Unlock()
		return
	}
	from := entry.status
	if probeErr == nil {
		entry.failureCount = 0
	} else {
		entry.failureCount++
	}
	to := statusFor(entry.failureCount)
	entry.status = to
	listeners := append([]StatusListener{}, i.listeners...)
	i.mu.Unlock()

	if from == to {
		return
	}
	slog.Info("service status changed",
		slog.String("service", name),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	for _, fn := range listeners {
		fn(name, from, to)
	}

	event := domain.Event{
		EventID:   uuid.NewString(),
		Type:      "service.status_changed",
		Source:    i.source,
		Timestamp: time.Now().UTC(),
		Payload: map[string]string{
			"service": name,
			"from":    string(from),
			"to":      string(to),
		},
	}
	if err := i.broker.Publish(ctx, config.ExchangeEvents, event.Type, event, domain.PublishOptions{
		Persistent: true,
		MessageID:  event.EventID,
		Type:       event.Type,
		AppID:      i.source,
	}); err != nil {
		slog.Warn("status event publish failed", slog.String("service", name), slog.Any("error", err))
	}
}

func statusFor(failures int) ServiceStatus {
	switch {
	case failures < degradedAfter:
		return StatusHealthy
	case failures < unhealthyAfter:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}
