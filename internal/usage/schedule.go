package usage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultPruneSchedule runs retention once a day at midnight.
const DefaultPruneSchedule = "@daily"

// SchedulePrune prunes the store once now and then on schedule until ctx is
// done. days <= 0 disables pruning and returns a no-op stop.
func SchedulePrune(ctx context.Context, store *Store, days int, schedule string, logger *slog.Logger) (stop func(), err error) {
	if days <= 0 {
		return func() {}, nil
	}
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}

	prune := func() {
		n, err := store.Prune(ctx, days)
		if err != nil {
			logger.Warn("usage prune failed", "err", err)
			return
		}
		if n > 0 {
			logger.Info("usage ledger pruned", "rows", n, "retention_days", days)
		}
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, prune); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	prune()
	c.Start()

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return func() { <-c.Stop().Done() }, nil
}
