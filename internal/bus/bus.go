package bus

import (
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
)

const (
	defaultBufferSize = 100
	publishTimeout    = 10 * time.Second
)

// InMemoryBus carries inbound messages from channel adapters to the runner
// and routes replies back to the adapter registered for the transport.
type InMemoryBus struct {
	inbound  chan domain.InboundMessage
	handlers map[string]func(domain.OutboundMessage)
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
	events   *EventBus
}

func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &InMemoryBus{
		inbound:  make(chan domain.InboundMessage, bufferSize),
		handlers: make(map[string]func(domain.OutboundMessage)),
		logger:   logger,
	}
}

// WithEvents makes the bus emit message.received and message.sent.
func (b *InMemoryBus) WithEvents(events *EventBus) *InMemoryBus {
	b.events = events
	return b
}

// Publish blocks up to publishTimeout when the buffer is full, then drops.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "id", msg.ID)
		return
	}

	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("inbound bus full, waiting", "channel", msg.Channel, "id", msg.ID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- msg:
		case <-timer.C:
			b.logger.Error("message dropped: bus full", "channel", msg.Channel, "id", msg.ID, "waited", publishTimeout)
			return
		}
	}

	if b.events != nil {
		b.events.Emit(Event{
			Type:   EventMessageReceived,
			Source: msg.Channel,
			Payload: map[string]any{
				"id":      msg.ID,
				"chat_id": msg.ChatID,
				"length":  len(msg.Content),
			},
		})
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// Pending reports how many inbound messages are waiting for the runner.
func (b *InMemoryBus) Pending() int {
	return len(b.inbound)
}

func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no handler registered for channel", "channel", msg.Channel)
		return
	}

	handler(msg)

	if b.events != nil {
		b.events.Emit(Event{
			Type:   EventMessageSent,
			Source: msg.Channel,
			Payload: map[string]any{
				"chat_id": msg.ChatID,
				"length":  len(msg.Content),
			},
		})
	}
}

func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
