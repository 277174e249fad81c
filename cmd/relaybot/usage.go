package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/usage"
)

func usageCmd() *cobra.Command {
	var (
		days     int
		failures int
		prune    bool
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show completion calls, failures and token usage per trigger rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			if !cfg.Usage.Enabled {
				return fmt.Errorf("usage ledger is disabled (usage.enabled=false)")
			}

			store, err := usage.Open(cfg.Usage.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if prune {
				n, err := store.Prune(ctx, cfg.Usage.RetentionDays)
				if err != nil {
					return err
				}
				fmt.Printf("Pruned %d entries older than %d days.\n\n", n, cfg.Usage.RetentionDays)
			}

			since := time.Now().AddDate(0, 0, -days)
			totals, err := store.Summary(ctx, since)
			if err != nil {
				return err
			}

			fmt.Printf("Usage since %s (%s)\n\n", since.Format("2006-01-02"), cfg.Usage.DBPath)
			if len(totals) == 0 {
				fmt.Println("No calls recorded.")
			} else {
				fmt.Printf("%-10s %8s %9s %10s %12s %10s %10s\n", "RULE", "CALLS", "FAILURES", "PROMPT", "COMPLETION", "TOTAL", "AVG MS")
				for _, t := range totals {
					fmt.Printf("%-10s %8d %9d %10d %12d %10d %10d\n",
						t.Rule, t.Calls, t.Failures, t.PromptTokens, t.CompletionTokens, t.TotalTokens, t.AvgLatency.Milliseconds())
				}
			}

			if failures > 0 {
				recent, err := store.RecentFailures(ctx, failures)
				if err != nil {
					return err
				}
				if len(recent) > 0 {
					fmt.Printf("\nRecent failures:\n")
					for _, e := range recent {
						fmt.Printf("  %s  %-7s chunk=%d class=%s attempts=%d id=%s\n",
							e.CreatedAt.Local().Format(time.DateTime), e.Rule, e.Chunk, e.ErrorClass, e.Attempts, e.MessageID)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "report window in days")
	cmd.Flags().IntVar(&failures, "failures", 10, "number of recent failures to list (0 = none)")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete entries older than usage.retentionDays first")
	return cmd
}
