package usage

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaybot/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "usage.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunMigrations_FreshAndIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	v, err := GetSchemaVersion(db)
	require.NoError(t, err)
	require.Zero(t, v)

	require.NoError(t, RunMigrations(db, testLogger()))
	require.NoError(t, RunMigrations(db, testLogger()))

	v, err = GetSchemaVersion(db)
	require.NoError(t, err)
	require.Equal(t, schemaVersion, v)
}

func TestStore_RecordAndSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, Entry{Rule: "url", Outcome: OutcomeOK, PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120, Latency: 200 * time.Millisecond}))
	require.NoError(t, s.Record(ctx, Entry{Rule: "url", Outcome: OutcomeOK, PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60, Latency: 400 * time.Millisecond}))
	require.NoError(t, s.Record(ctx, Entry{Rule: "url", Outcome: OutcomeFailed, ErrorClass: "transport", Attempts: 3}))
	require.NoError(t, s.Record(ctx, Entry{Rule: "prefix", Outcome: OutcomeOK, TotalTokens: 7}))

	totals, err := s.Summary(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, totals, 2)

	require.Equal(t, "prefix", totals[0].Rule)
	require.Equal(t, 1, totals[0].Calls)

	url := totals[1]
	require.Equal(t, "url", url.Rule)
	require.Equal(t, 3, url.Calls)
	require.Equal(t, 1, url.Failures)
	require.Equal(t, 150, url.PromptTokens)
	require.Equal(t, 30, url.CompletionTokens)
	require.Equal(t, 180, url.TotalTokens)
	require.Equal(t, 200*time.Millisecond, url.AvgLatency)

	failures, err := s.RecentFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, "transport", failures[0].ErrorClass)
	require.Equal(t, 3, failures[0].Attempts)
}

func TestStore_Prune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, Entry{Rule: "url", Outcome: OutcomeOK, CreatedAt: time.Now().AddDate(0, 0, -40)}))
	require.NoError(t, s.Record(ctx, Entry{Rule: "url", Outcome: OutcomeOK}))

	n, err := s.Prune(ctx, 30)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.Prune(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, n)

	totals, err := s.Summary(ctx, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, totals[0].Calls)
}

func TestLedger_RecordsDispatchEvents(t *testing.T) {
	s := openTestStore(t)
	eb := bus.NewEventBus(testLogger())
	NewLedger(s, testLogger()).Attach(eb)

	eb.Emit(bus.Event{Type: bus.EventCompletionOK, Payload: map[string]any{
		bus.KeyMessageID: "m1", bus.KeyRule: "prefix", bus.KeyModel: "gpt-3.5-turbo",
		bus.KeyPromptTokens: 12, bus.KeyCompletionTokens: 3, bus.KeyTotalTokens: 15,
		bus.KeyDuration: 50 * time.Millisecond,
	}})
	eb.Emit(bus.Event{Type: bus.EventCompletionFailed, Payload: map[string]any{
		bus.KeyMessageID: "m2", bus.KeyRule: "url", bus.KeyChunk: 1,
		bus.KeyErrorClass: "transport", bus.KeyAttempts: 3,
	}})
	eb.Emit(bus.Event{Type: bus.EventMessageIgnored})

	totals, err := s.Summary(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, totals, 2)
	require.Equal(t, 15, totals[0].TotalTokens)
	require.Equal(t, 1, totals[1].Failures)
}

func TestLedger_DetachStopsRecording(t *testing.T) {
	s := openTestStore(t)
	eb := bus.NewEventBus(testLogger())
	detach := NewLedger(s, testLogger()).Attach(eb)
	detach()

	eb.Emit(bus.Event{Type: bus.EventFetchFailed, Payload: map[string]any{
		bus.KeyMessageID: "m1", bus.KeyRule: "url", bus.KeyErrorClass: "fetch",
	}})

	totals, err := s.Summary(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Empty(t, totals)
}

func TestEntryFromEvent_DefaultsRule(t *testing.T) {
	e := EntryFromEvent(bus.Event{Type: bus.EventFetchFailed, Payload: map[string]any{bus.KeyErrorClass: "fetch"}})
	require.Equal(t, "unknown", e.Rule)
	require.Equal(t, OutcomeFailed, e.Outcome)
	require.Equal(t, "fetch", e.ErrorClass)
}

func TestSchedulePrune_PrunesImmediately(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Record(ctx, Entry{Rule: "url", Outcome: OutcomeOK, CreatedAt: time.Now().AddDate(0, 0, -10)}))
	require.NoError(t, s.Record(ctx, Entry{Rule: "url", Outcome: OutcomeOK}))

	stop, err := SchedulePrune(ctx, s, 5, "", testLogger())
	require.NoError(t, err)
	defer stop()

	totals, err := s.Summary(ctx, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, totals[0].Calls)
}

func TestSchedulePrune_InvalidSchedule(t *testing.T) {
	s := openTestStore(t)
	_, err := SchedulePrune(context.Background(), s, 5, "every tuesday-ish", testLogger())
	require.Error(t, err)
}

func TestSchedulePrune_DisabledRetention(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Record(context.Background(), Entry{Rule: "url", Outcome: OutcomeOK, CreatedAt: time.Now().AddDate(-1, 0, 0)}))

	stop, err := SchedulePrune(context.Background(), s, 0, "not even parsed", testLogger())
	require.NoError(t, err)
	stop()

	totals, err := s.Summary(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, totals[0].Calls)
}
