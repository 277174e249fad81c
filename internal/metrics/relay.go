package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"relaybot/internal/bus"
)

var latencyBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Relay derives relay metrics from EventBus events.
type Relay struct {
	c *MetricsCollector
}

func NewRelay(c *MetricsCollector) *Relay {
	return &Relay{c: c}
}

func (r *Relay) Collector() *MetricsCollector { return r.c }

// Attach subscribes to every event on eb.
func (r *Relay) Attach(eb *bus.EventBus) string {
	return eb.On("*", r.observe)
}

func (r *Relay) observe(e bus.Event) {
	c := r.c
	rule := e.String(bus.KeyRule)

	switch e.Type {
	case bus.EventMessageReceived:
		c.Counter("relaybot_messages_received_total", "Inbound messages published by channels", label("channel", e.Source)).Inc()
	case bus.EventMessageSent:
		c.Counter("relaybot_messages_posted_total", "Outbound messages delivered to channels", label("channel", e.Source)).Inc()
	case bus.EventMessageIgnored:
		c.Counter("relaybot_messages_ignored_total", "Inbound messages no trigger matched", "").Inc()
	case bus.EventDispatchCompleted:
		c.Counter("relaybot_dispatch_total", "Messages handled per trigger rule", label("rule", rule)).Inc()
		c.Histogram("relaybot_dispatch_seconds", "Time to handle one message", label("rule", rule), latencyBuckets).
			Observe(e.Duration(bus.KeyDuration).Seconds())
	case bus.EventDispatchPanic:
		c.Counter("relaybot_dispatch_panics_total", "Handlers that panicked", "").Inc()
	case bus.EventFetchFinished:
		c.Histogram("relaybot_fetch_seconds", "Page fetch latency", "", latencyBuckets).
			Observe(e.Duration(bus.KeyDuration).Seconds())
	case bus.EventFetchFailed:
		c.Counter("relaybot_failures_total", "Suppressed failures by class", label("class", e.String(bus.KeyErrorClass))).Inc()
	case bus.EventCompletionOK:
		c.Counter("relaybot_completions_total", "Successful completion calls", label("rule", rule)).Inc()
		c.Counter("relaybot_tokens_total", "Tokens used by completions", label("kind", "prompt")).Add(int64(e.Int(bus.KeyPromptTokens)))
		c.Counter("relaybot_tokens_total", "Tokens used by completions", label("kind", "completion")).Add(int64(e.Int(bus.KeyCompletionTokens)))
		c.Histogram("relaybot_completion_seconds", "Completion call latency including retries", label("rule", rule), latencyBuckets).
			Observe(e.Duration(bus.KeyDuration).Seconds())
	case bus.EventCompletionFailed:
		c.Counter("relaybot_failures_total", "Suppressed failures by class", label("class", e.String(bus.KeyErrorClass))).Inc()
	case bus.EventSummaryFinished:
		c.Counter("relaybot_summary_chunks_total", "Chunks sent for summarization", "").Add(int64(e.Int(bus.KeyChunks)))
	}
}

func label(key, value string) string {
	if value == "" {
		value = "unknown"
	}
	return fmt.Sprintf("%s=%q", key, value)
}

// Serve exposes the collector at endpoint on listen until ctx is done.
func Serve(ctx context.Context, listen, endpoint string, c *MetricsCollector, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(endpoint, c.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", listen, "path", endpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
