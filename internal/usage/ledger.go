package usage

import (
	"context"
	"log/slog"
	"time"

	"relaybot/internal/bus"
)

const recordTimeout = 5 * time.Second

// Ledger writes completion and fetch events into a Store.
type Ledger struct {
	store  *Store
	logger *slog.Logger
}

func NewLedger(store *Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// Attach subscribes the ledger to the events it records. The returned func
// unsubscribes it; call it before closing the store.
func (l *Ledger) Attach(eb *bus.EventBus) (detach func()) {
	types := []string{bus.EventCompletionOK, bus.EventCompletionFailed, bus.EventFetchFailed}
	ids := make([]string, len(types))
	for i, t := range types {
		ids[i] = eb.On(t, l.record)
	}
	return func() {
		for i, t := range types {
			eb.Off(t, ids[i])
		}
	}
}

func (l *Ledger) record(e bus.Event) {
	entry := EntryFromEvent(e)
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := l.store.Record(ctx, entry); err != nil {
		l.logger.Warn("usage ledger write failed", "event", e.Type, "error", err)
	}
}

// EntryFromEvent maps an EventBus event onto a ledger row.
func EntryFromEvent(e bus.Event) Entry {
	entry := Entry{
		MessageID:        e.String(bus.KeyMessageID),
		Rule:             e.String(bus.KeyRule),
		Chunk:            e.Int(bus.KeyChunk),
		Model:            e.String(bus.KeyModel),
		Outcome:          OutcomeOK,
		Attempts:         e.Int(bus.KeyAttempts),
		PromptTokens:     e.Int(bus.KeyPromptTokens),
		CompletionTokens: e.Int(bus.KeyCompletionTokens),
		TotalTokens:      e.Int(bus.KeyTotalTokens),
		FinishReason:     e.String(bus.KeyFinishReason),
		Latency:          e.Duration(bus.KeyDuration),
		CreatedAt:        e.Timestamp,
	}
	if e.Type != bus.EventCompletionOK {
		entry.Outcome = OutcomeFailed
		entry.ErrorClass = e.String(bus.KeyErrorClass)
	}
	if entry.Rule == "" {
		entry.Rule = "unknown"
	}
	return entry
}
