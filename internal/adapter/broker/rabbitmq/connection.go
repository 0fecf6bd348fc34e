// Package rabbitmq implements the broker port over AMQP 0-9-1.
//
// It manages a single supervised connection with exponential-backoff
// reconnection, declares the configured topology, and exposes publish,
// publish-confirm, consume, and RPC operations on two channels.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/workspace-broker/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-broker/internal/config"
	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

// ConnectionState represents the state of the managed connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns the connection state as a string.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection manages a single AMQP connection with automatic
// reconnection. Dependent components register OnReconnect callbacks to
// rebuild channels and consumers after recovery.
type Connection struct {
	cfg   config.Config
	conn  *amqp.Connection
	mu    sync.RWMutex
	state atomic.Int32

	closeCh  chan struct{}
	closed   sync.Once
	notifyCh chan *amqp.Error

	onConnect    []func()
	onDisconnect []func(error)
	onReconnect  []func()
	onError      []func(error)
}

// NewConnection creates a connection manager; Connect must be called
// before channels can be opened.
func NewConnection(cfg config.Config) *Connection {
	c := &Connection{cfg: cfg, closeCh: make(chan struct{})}
	c.state.Store(int32(StateDisconnected))
	return c
}

// Connect dials the broker with the configured heartbeat and starts the
// reconnection monitor. Calling Connect on an established connection is
// a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ConnectionState(c.state.Load()) == StateConnected {
		return nil
	}
	c.state.Store(int32(StateConnecting))

	conn, err := c.dial(ctx)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.state.Store(int32(StateConnected))
	c.notifyCh = make(chan *amqp.Error, 1)
	c.conn.NotifyClose(c.notifyCh)

	go c.supervise()

	for _, cb := range c.onConnect {
		go cb()
	}

	slog.Info("connected to broker", slog.String("url", redactURL(c.cfg.AMQPURL)))
	return nil
}

func (c *Connection) dial(ctx context.Context) (*amqp.Connection, error) {
	amqpCfg := amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Locale:    "en_US",
	}

	abandoned := make(chan struct{})
	connCh := make(chan *amqp.Connection)
	errCh := make(chan error, 1)
	go func() {
		conn, err := amqp.DialConfig(c.cfg.AMQPURL, amqpCfg)
		if err != nil {
			errCh <- err
			return
		}
		select {
		case connCh <- conn:
		case <-abandoned:
			// The caller timed out; a connection landing late would
			// otherwise leak.
			_ = conn.Close()
		}
	}()

	select {
	case conn := <-connCh:
		return conn, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		close(abandoned)
		return nil, ctx.Err()
	case <-time.After(c.cfg.ConnectTimeout):
		close(abandoned)
		return nil, fmt.Errorf("dial timeout after %v", c.cfg.ConnectTimeout)
	}
}

// supervise waits for an unexpected close and drives the reconnect loop.
func (c *Connection) supervise() {
	select {
	case <-c.closeCh:
		return
	case amqpErr := <-c.notifyCh:
		if amqpErr == nil {
			// Clean shutdown.
			return
		}
		slog.Warn("broker connection lost", slog.Any("error", amqpErr))
		for _, cb := range c.onDisconnect {
			go cb(amqpErr)
		}
		c.state.Store(int32(StateReconnecting))
		if err := c.reconnect(amqpErr); err != nil {
			slog.Error("reconnect abandoned", slog.Any("error", err))
			c.state.Store(int32(StateDisconnected))
			for _, cb := range c.onError {
				go cb(err)
			}
		}
	}
}

// reconnect retries with exponential backoff: delay_n is
// min(initial*multiplier^n, max). It gives up after the configured
// retry budget or when the triggering error is not retryable.
func (c *Connection) reconnect(cause *amqp.Error) error {
	if !c.Retryable(cause) {
		return fmt.Errorf("non-retryable connection error: %w", cause)
	}

	maxRetries := c.cfg.EffectiveMaxRetries()
	for attempt := 0; attempt < maxRetries; attempt++ {
		delay := c.backoffDelay(attempt)
		slog.Info("reconnecting to broker",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay))

		select {
		case <-c.closeCh:
			return domain.ErrBrokerStopping
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			slog.Warn("reconnect attempt failed",
				slog.Int("attempt", attempt+1),
				slog.Any("error", err))
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.notifyCh = make(chan *amqp.Error, 1)
		c.conn.NotifyClose(c.notifyCh)
		c.state.Store(int32(StateConnected))
		c.mu.Unlock()

		go c.supervise()

		observability.ReconnectsTotal.Inc()
		slog.Info("reconnected to broker", slog.Int("attempts", attempt+1))
		for _, cb := range c.onReconnect {
			go cb()
		}
		return nil
	}
	return fmt.Errorf("max reconnect attempts (%d) exceeded", maxRetries)
}

// backoffDelay computes the delay before attempt n (zero-based).
func (c *Connection) backoffDelay(attempt int) time.Duration {
	d := float64(c.cfg.RetryInitialDelay) * math.Pow(c.cfg.RetryMultiplier, float64(attempt))
	if d > float64(c.cfg.RetryMaxDelay) {
		return c.cfg.RetryMaxDelay
	}
	return time.Duration(d)
}

// errorIdentifiers maps substrings of transport errors to the
// identifiers used in the configured retryable-errors set.
var errorIdentifiers = map[string]string{
	"connection reset":    "ECONNRESET",
	"no such host":        "ENOTFOUND",
	"timeout":             "ETIMEDOUT",
	"timed out":           "ETIMEDOUT",
	"connection refused":  "ECONNREFUSED",
	"no route to host":    "EHOSTUNREACH",
	"host is unreachable": "EHOSTUNREACH",
}

// classify reduces a transport error to a stable identifier, or "" when
// it matches no known network condition.
func classify(err error) string {
	if err == nil {
		return ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT"
	}
	msg := strings.ToLower(err.Error())
	for sub, id := range errorIdentifiers {
		if strings.Contains(msg, sub) {
			return id
		}
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.ConnectionForced {
		return "ECONNRESET"
	}
	return ""
}

// Retryable reports whether err is a network condition listed in the
// configured retryable-errors set.
func (c *Connection) Retryable(err error) bool {
	id := classify(err)
	if id == "" {
		return false
	}
	for _, allowed := range c.cfg.RetryableErrors {
		if allowed == id {
			return true
		}
	}
	return false
}

// Disconnect closes the connection and stops the supervisor.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ConnectionState(c.state.Load()) == StateClosed {
		return nil
	}
	c.state.Store(int32(StateClosed))
	c.closed.Do(func() { close(c.closeCh) })

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}
	slog.Info("broker connection closed")
	return nil
}

// IsConnected reports whether the connection is currently established.
func (c *Connection) IsConnected() bool {
	return ConnectionState(c.state.Load()) == StateConnected
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Channel opens a new channel on the managed connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil, domain.ErrNotConnected
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// OnConnect registers a callback invoked after the first connect.
func (c *Connection) OnConnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, cb)
}

// OnDisconnect registers a callback invoked on unexpected loss.
func (c *Connection) OnDisconnect(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, cb)
}

// OnReconnect registers a callback invoked after successful recovery.
func (c *Connection) OnReconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, cb)
}

// OnError registers a callback invoked when reconnection is abandoned.
func (c *Connection) OnError(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, cb)
}

// redactURL strips credentials from an AMQP URI for logging.
func redactURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at == -1 {
		return url
	}
	scheme := strings.Index(url, "://")
	if scheme == -1 {
		return url[at+1:]
	}
	return url[:scheme+3] + "***" + url[at:]
}
