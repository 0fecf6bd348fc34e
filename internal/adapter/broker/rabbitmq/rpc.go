package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

// Request performs request/response over a temporary reply queue: an
// exclusive auto-delete queue is asserted, the request is published
// with reply-to and an expiration equal to the overall timeout, and the
// first reply matching the correlation id resolves the call.
func (b *Broker) Request(ctx context.Context, exchange, routingKey string, payload any, timeout time.Duration) ([]byte, error) {
	if !b.IsReady() {
		return nil, domain.ErrNotReady
	}

	replyQueue, err := b.DeclareTransientQueue(ctx, "")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = b.DeleteQueue(context.Background(), replyQueue, false, false)
	}()

	correlationID := uuid.NewString()
	replyCh := make(chan []byte, 1)

	consumerCtx, cancelConsumer := context.WithCancel(ctx)
	defer cancelConsumer()

	tag, err := b.Consume(consumerCtx, replyQueue, func(_ context.Context, d domain.Delivery) error {
		if d.CorrelationID != correlationID {
			// A stale reply on a fresh queue; drop it.
			return nil
		}
		select {
		case replyCh <- d.Body:
		default:
		}
		return nil
	}, domain.ConsumeOptions{AutoAck: true, Exclusive: true})
	if err != nil {
		return nil, fmt.Errorf("rpc consume: %w", err)
	}
	defer func() { _ = b.CancelConsumer(tag) }()

	opts := domain.PublishOptions{
		CorrelationID: correlationID,
		ReplyTo:       replyQueue,
		Expiration:    strconv.FormatInt(timeout.Milliseconds(), 10),
		Type:          "rpc_request",
	}
	if err := b.Publish(ctx, exchange, routingKey, payload, opts); err != nil {
		return nil, err
	}

	select {
	case body := <-replyCh:
		return body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("rpc to %s/%s: %w", exchange, routingKey, domain.ErrRPCTimeout)
	}
}
