package rabbitmq

import (
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

// pendingConfirm is a one-shot future awaiting ack, nack, or timeout.
// Exactly one outcome is ever delivered.
type pendingConfirm struct {
	tag   uint64
	done  chan error
	timer *time.Timer
}

// confirmTracker keys pending confirmations by the server-assigned
// delivery tag of the confirm channel. Entries are short-lived and
// removed on ack, nack, or timeout.
type confirmTracker struct {
	mu      sync.Mutex
	pending map[uint64]*pendingConfirm
	stopped bool
}

func newConfirmTracker() *confirmTracker {
	return &confirmTracker{pending: make(map[uint64]*pendingConfirm)}
}

// register creates a pending confirmation for tag with a timeout timer.
// The returned channel yields nil on ack, ErrPublishNacked on nack, and
// ErrConfirmTimeout when the window elapses.
func (t *confirmTracker) register(tag uint64, timeout time.Duration) (<-chan error, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil, domain.ErrBrokerStopping
	}

	p := &pendingConfirm{tag: tag, done: make(chan error, 1)}
	p.timer = time.AfterFunc(timeout, func() {
		t.reject(tag, domain.ErrConfirmTimeout)
	})
	t.pending[tag] = p
	return p.done, nil
}

// resolve completes the pending confirmation for tag.
func (t *confirmTracker) resolve(tag uint64, ack bool) {
	t.mu.Lock()
	p, ok := t.pending[tag]
	if ok {
		delete(t.pending, tag)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	if ack {
		p.done <- nil
	} else {
		p.done <- domain.ErrPublishNacked
	}
}

// reject fails the pending confirmation for tag with err.
func (t *confirmTracker) reject(tag uint64, err error) {
	t.mu.Lock()
	p, ok := t.pending[tag]
	if ok {
		delete(t.pending, tag)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	p.done <- err
}

// rejectAll fails every outstanding confirmation, used on shutdown and
// channel rebuild so no future leaks.
func (t *confirmTracker) rejectAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]*pendingConfirm)
	t.mu.Unlock()
	for _, p := range pending {
		p.timer.Stop()
		p.done <- err
	}
}

// stop rejects everything outstanding and refuses new registrations.
func (t *confirmTracker) stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.rejectAll(domain.ErrBrokerStopping)
}

// outstanding returns the number of unresolved confirmations.
func (t *confirmTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// listen consumes the confirm channel's NotifyPublish stream and
// resolves futures by delivery tag until the channel closes.
func (t *confirmTracker) listen(confirms <-chan amqp.Confirmation) {
	for c := range confirms {
		t.resolve(c.DeliveryTag, c.Ack)
	}
}
