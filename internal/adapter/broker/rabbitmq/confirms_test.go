package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

func TestConfirmTracker_Ack(t *testing.T) {
	t.Parallel()
	tr := newConfirmTracker()
	done, err := tr.register(1, time.Minute)
	require.NoError(t, err)

	tr.resolve(1, true)
	assert.NoError(t, <-done)
	assert.Zero(t, tr.outstanding())
}

func TestConfirmTracker_Nack(t *testing.T) {
	t.Parallel()
	tr := newConfirmTracker()
	done, err := tr.register(2, time.Minute)
	require.NoError(t, err)

	tr.resolve(2, false)
	assert.ErrorIs(t, <-done, domain.ErrPublishNacked)
}

func TestConfirmTracker_Timeout(t *testing.T) {
	t.Parallel()
	tr := newConfirmTracker()
	done, err := tr.register(3, 10*time.Millisecond)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrConfirmTimeout)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	assert.Zero(t, tr.outstanding())
}

func TestConfirmTracker_SingleOutcome(t *testing.T) {
	t.Parallel()
	tr := newConfirmTracker()
	done, err := tr.register(4, 20*time.Millisecond)
	require.NoError(t, err)

	tr.resolve(4, true)
	// A late timeout or duplicate resolve must not deliver a second outcome.
	tr.resolve(4, false)
	tr.reject(4, domain.ErrConfirmTimeout)
	time.Sleep(50 * time.Millisecond)

	assert.NoError(t, <-done)
	select {
	case extra := <-done:
		t.Fatalf("second outcome delivered: %v", extra)
	default:
	}
}

func TestConfirmTracker_StopRejectsAll(t *testing.T) {
	t.Parallel()
	tr := newConfirmTracker()
	a, err := tr.register(5, time.Minute)
	require.NoError(t, err)
	b, err := tr.register(6, time.Minute)
	require.NoError(t, err)

	tr.stop()
	assert.ErrorIs(t, <-a, domain.ErrBrokerStopping)
	assert.ErrorIs(t, <-b, domain.ErrBrokerStopping)

	_, err = tr.register(7, time.Minute)
	assert.ErrorIs(t, err, domain.ErrBrokerStopping)
}

func TestConfirmTracker_Listen(t *testing.T) {
	t.Parallel()
	tr := newConfirmTracker()
	done, err := tr.register(8, time.Minute)
	require.NoError(t, err)

	confirms := make(chan amqp.Confirmation, 1)
	go tr.listen(confirms)
	confirms <- amqp.Confirmation{DeliveryTag: 8, Ack: true}
	close(confirms)

	assert.NoError(t, <-done)
}
