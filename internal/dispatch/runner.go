package dispatch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
)

const defaultConcurrency = 4

// Handler processes one inbound message.
type Handler interface {
	Handle(ctx context.Context, msg domain.InboundMessage)
}

// Runner feeds inbound messages to a Handler with bounded concurrency.
type Runner struct {
	handler     Handler
	events      *bus.EventBus
	logger      *slog.Logger
	concurrency int
}

func NewRunner(handler Handler, concurrency int, events *bus.EventBus, logger *slog.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{handler: handler, events: events, logger: logger, concurrency: concurrency}
}

// Run consumes inbound until ctx is done or the channel closes, then waits
// for in-flight messages to finish.
func (r *Runner) Run(ctx context.Context, inbound <-chan domain.InboundMessage) {
	r.logger.Info("dispatch runner started", "concurrency", r.concurrency)

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("dispatch runner stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound channel closed, dispatch runner stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(m domain.InboundMessage) {
				defer wg.Done()
				defer func() { <-sem }()
				r.handle(ctx, m)
			}(msg)
		}
	}
}

func (r *Runner) handle(ctx context.Context, msg domain.InboundMessage) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("message handler panic", "id", msg.ID, "panic", p, "stack", string(debug.Stack()))
			if r.events != nil {
				r.events.Emit(bus.Event{
					Type:    bus.EventDispatchPanic,
					Source:  "dispatch",
					Payload: map[string]any{bus.KeyMessageID: msg.ID},
				})
			}
		}
	}()
	r.handler.Handle(ctx, msg)
}
