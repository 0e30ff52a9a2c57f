package solana

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sisu-network/dvault/types"
)

func TestSubscriptionRealtimeDelivery(t *testing.T) {
	eventCh := make(chan Event)
	mock := &MockClient{
		SubscribeEventsFunc: func(ctx context.Context) (<-chan Event, func(), error) {
			return eventCh, func() {}, nil
		},
	}

	listener := NewListener(mock, nil)
	listener.Start()
	defer listener.Stop()

	requestID := types.RequestID{0x11}
	sub := listener.Subscribe(requestID)
	defer sub.Cancel()

	go func() {
		eventCh <- &SignatureProduced{RequestID: requestID, Signature: testSignature()}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()

	ev, err := sub.AwaitSignature(ctx)
	require.Nil(t, err)
	require.Equal(t, requestID, ev.RequestID)
}

func TestSubscriptionBackfillDelivery(t *testing.T) {
	requestID := types.RequestID{0x22}
	event := &ResultReported{
		RequestID:        requestID,
		SerializedOutput: []byte{0x01},
		Signature:        testSignature(),
	}

	mock := &MockClient{
		RecentEventsFunc: func(ctx context.Context, limit int) ([]Event, error) {
			return []Event{event}, nil
		},
	}

	// No realtime stream running: only the backfill timers can resolve
	// the subscription.
	listener := NewListener(mock, []time.Duration{time.Millisecond * 20})

	sub := listener.Subscribe(requestID)
	defer sub.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()

	ev, err := sub.AwaitResult(ctx)
	require.Nil(t, err)
	require.Equal(t, event, ev)
}

func TestSubscriptionBackfillIdempotent(t *testing.T) {
	requestID := types.RequestID{0x33}
	event := &SignatureProduced{RequestID: requestID, Signature: testSignature()}

	mock := &MockClient{
		RecentEventsFunc: func(ctx context.Context, limit int) ([]Event, error) {
			return []Event{event}, nil
		},
	}

	listener := NewListener(mock, nil)
	sub := listener.Subscribe(requestID)
	defer sub.Cancel()

	// The same historical event replayed three times must resolve the
	// subscription exactly once.
	for i := 0; i < 3; i++ {
		listener.TriggerBackfill(context.Background())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sub.AwaitSignature(ctx)
	require.Nil(t, err)

	select {
	case <-sub.sigCh:
		t.Fatal("duplicate signature event delivered")
	case <-time.After(time.Millisecond * 50):
	}
}

func TestSubscriptionTimeout(t *testing.T) {
	listener := NewListener(&MockClient{}, nil)
	sub := listener.Subscribe(types.RequestID{0x44})
	defer sub.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*30)
	defer cancel()

	_, err := sub.AwaitSignature(ctx)
	require.NotNil(t, err)
	require.Equal(t, types.ErrEventTimeout, types.KindOf(err))
	require.True(t, types.IsRetryable(err))
}

func TestSubscriptionCancelIdempotent(t *testing.T) {
	listener := NewListener(&MockClient{}, []time.Duration{time.Hour})

	requestID := types.RequestID{0x55}
	sub := listener.Subscribe(requestID)

	sub.Cancel()
	sub.Cancel()

	listener.lock.RLock()
	_, registered := listener.subs[requestID]
	listener.lock.RUnlock()
	require.False(t, registered)
}

func TestSubscriptionDropsAfterCancel(t *testing.T) {
	listener := NewListener(&MockClient{}, nil)
	sub := listener.Subscribe(types.RequestID{0x66})
	sub.Cancel()

	sub.deliver(&SignatureProduced{RequestID: types.RequestID{0x66}})

	select {
	case <-sub.sigCh:
		t.Fatal("event delivered after cancel")
	default:
	}
}
