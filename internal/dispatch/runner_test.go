package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
)

type handlerFunc func(ctx context.Context, msg domain.InboundMessage)

func (f handlerFunc) Handle(ctx context.Context, msg domain.InboundMessage) { f(ctx, msg) }

func TestRunner_PanicDoesNotStopLaterMessages(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	var mu sync.Mutex
	var handled []string
	r := NewRunner(handlerFunc(func(_ context.Context, m domain.InboundMessage) {
		if m.Content == "explode" {
			panic("boom")
		}
		mu.Lock()
		handled = append(handled, m.ID)
		mu.Unlock()
	}), 1, events, testLogger())

	in := make(chan domain.InboundMessage, 3)
	in <- domain.InboundMessage{ID: "a", Content: "fine"}
	in <- domain.InboundMessage{ID: "b", Content: "explode"}
	in <- domain.InboundMessage{ID: "c", Content: "fine"}
	close(in)

	r.Run(context.Background(), in)

	require.ElementsMatch(t, []string{"a", "c"}, handled)
	panics := events.Replay(bus.EventDispatchPanic, time.Time{})
	require.Len(t, panics, 1)
	require.Equal(t, "b", panics[0].String(bus.KeyMessageID))
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	r := NewRunner(handlerFunc(func(context.Context, domain.InboundMessage) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
	}), 2, nil, testLogger())

	in := make(chan domain.InboundMessage, 8)
	for range 8 {
		in <- domain.InboundMessage{Content: "x"}
	}
	close(in)

	r.Run(context.Background(), in)

	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Zero(t, inFlight.Load())
}

func TestRunner_StopsOnCancel(t *testing.T) {
	r := NewRunner(handlerFunc(func(context.Context, domain.InboundMessage) {}), 1, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx, make(chan domain.InboundMessage))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}
