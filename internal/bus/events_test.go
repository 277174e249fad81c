package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/domain"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var received int32
	eb.On(EventCompletionOK, func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: EventCompletionOK, Payload: map[string]any{KeyTotalTokens: 10}})
	eb.Emit(Event{Type: EventCompletionFailed})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: "event.a"})
	eb.Emit(Event{Type: "event.b"})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var first, second int32
	id := eb.On("test.event", func(e Event) { atomic.AddInt32(&first, 1) })
	eb.On("test.event", func(e Event) { atomic.AddInt32(&second, 1) })

	eb.Emit(Event{Type: "test.event"})
	eb.Off("test.event", id)
	eb.Emit(Event{Type: "test.event"})

	if atomic.LoadInt32(&first) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", first)
	}
	if atomic.LoadInt32(&second) != 2 {
		t.Errorf("remaining handler should still fire, got %d", second)
	}
}

func TestEventBus_HandlerIDsStayUniqueAfterOff(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	a := eb.On("x", func(Event) {})
	eb.Off("x", a)
	b := eb.On("x", func(Event) {})
	if a == b {
		t.Fatalf("handler id reused: %s", a)
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: "a"})
	eb.Emit(Event{Type: "b"})
	eb.Emit(Event{Type: "a"})

	if got := len(eb.Replay("a", time.Time{})); got != 2 {
		t.Errorf("expected 2 'a' events, got %d", got)
	}
	if got := len(eb.Replay("*", time.Time{})); got != 3 {
		t.Errorf("expected 3 total events, got %d", got)
	}
	if got := len(eb.Replay("*", time.Now().Add(time.Hour))); got != 0 {
		t.Errorf("expected no future events, got %d", got)
	}
}

func TestEventBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	eb := NewEventBus(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1})))

	var after int32
	eb.On("x", func(Event) { panic("boom") })
	eb.On("x", func(Event) { atomic.AddInt32(&after, 1) })

	eb.Emit(Event{Type: "x"})
	if atomic.LoadInt32(&after) != 1 {
		t.Fatal("second handler should run after a panic")
	}
}

func TestEvent_Accessors(t *testing.T) {
	e := Event{Payload: map[string]any{
		"a": 3, "b": int64(4), "c": 5.0, "s": "txt", "d": time.Second,
	}}
	if e.Int("a") != 3 || e.Int("b") != 4 || e.Int("c") != 5 || e.Int("missing") != 0 {
		t.Fatal("Int accessor mismatch")
	}
	if e.String("s") != "txt" || e.String("a") != "" {
		t.Fatal("String accessor mismatch")
	}
	if e.Duration("d") != time.Second {
		t.Fatal("Duration accessor mismatch")
	}
}

// --- InMemoryBus ---

func TestInMemoryBus_RoutesOutboundByChannel(t *testing.T) {
	b := New(4, testEBLogger())

	var slack, cli []domain.OutboundMessage
	b.OnOutbound("slack", func(m domain.OutboundMessage) { slack = append(slack, m) })
	b.OnOutbound("cli", func(m domain.OutboundMessage) { cli = append(cli, m) })

	b.SendOutbound(domain.OutboundMessage{Channel: "slack", ChatID: "C1", Content: "hi"})
	b.SendOutbound(domain.OutboundMessage{Channel: "nowhere", Content: "lost"})

	if len(slack) != 1 || slack[0].ChatID != "C1" || len(cli) != 0 {
		t.Fatalf("unexpected routing: slack=%v cli=%v", slack, cli)
	}
}

func TestInMemoryBus_PublishSubscribeAndEvents(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	b := New(2, testEBLogger()).WithEvents(eb)
	b.OnOutbound("cli", func(domain.OutboundMessage) {})

	b.Publish(domain.InboundMessage{ID: "m1", Channel: "cli", Content: "hello"})
	if b.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", b.Pending())
	}
	msg := <-b.Subscribe()
	if msg.ID != "m1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	b.SendOutbound(domain.OutboundMessage{Channel: "cli", Content: "reply"})

	if n := len(eb.Replay(EventMessageReceived, time.Time{})); n != 1 {
		t.Fatalf("expected 1 received event, got %d", n)
	}
	if n := len(eb.Replay(EventMessageSent, time.Time{})); n != 1 {
		t.Fatalf("expected 1 sent event, got %d", n)
	}
}

func TestInMemoryBus_CloseEndsSubscription(t *testing.T) {
	b := New(1, testEBLogger())
	b.Close()
	b.Close()
	b.Publish(domain.InboundMessage{ID: "late"})

	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("expected closed channel")
	}
}
