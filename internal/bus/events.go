package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one observation published on the EventBus.
type Event struct {
	Type      string
	Source    string
	Payload   map[string]any
	Timestamp time.Time
}

type EventHandler func(Event)

// EventBus is the in-process observability sink. The dispatcher reports
// completions, failures and posts here; metrics and the usage ledger listen.
// Handlers run synchronously in registration order, and a panicking handler
// is logged and skipped.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
	seq        atomic.Int64
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
	}
}

// On registers handler for eventType ("*" for every event) and returns an id
// for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	id := eventType + "-" + strconv.FormatInt(eb.seq.Add(1), 10)
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(nh namedHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
		}
	}()
	nh.Handler(event)
}

// Replay returns buffered events of eventType ("*" for all) at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

const (
	EventMessageReceived   = "message.received"
	EventMessageSent       = "message.sent"
	EventMessageIgnored    = "message.ignored"
	EventFetchFinished     = "fetch.finished"
	EventFetchFailed       = "fetch.failed"
	EventCompletionOK      = "completion.finished"
	EventCompletionFailed  = "completion.failed"
	EventSummaryFinished   = "summary.finished"
	EventDispatchPanic     = "dispatch.panic"
	EventDispatchCompleted = "dispatch.completed"
)

// Payload keys shared by emitters and listeners.
const (
	KeyMessageID        = "id"
	KeyRule             = "rule"
	KeyChunk            = "chunk"
	KeyErrorClass       = "error_class"
	KeyError            = "error"
	KeyAttempts         = "attempts"
	KeyPromptTokens     = "prompt_tokens"
	KeyCompletionTokens = "completion_tokens"
	KeyTotalTokens      = "total_tokens"
	KeyModel            = "model"
	KeyFinishReason     = "finish_reason"
	KeyDuration         = "duration"
	KeyURI              = "uri"
	KeyPosted           = "posted"
	KeyChunks           = "chunks"
)

// Int reads an integer payload value, tolerating the int widths emitters use.
func (e Event) Int(key string) int {
	switch v := e.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (e Event) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

func (e Event) Duration(key string) time.Duration {
	d, _ := e.Payload[key].(time.Duration)
	return d
}
