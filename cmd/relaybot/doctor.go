package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/provider"
	"relaybot/internal/tokenizer"
	"relaybot/internal/usage"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your relaybot setup",
		Long: `Verifies that relaybot's configuration, completion endpoint, tokenizer,
usage database and channels are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("relaybot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var passed, failed, warned int

			// 1. Config file exists
			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'relaybot init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return err
			}
			printPass("Config validation", "valid")
			passed++

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			// 3. Completion credential and endpoint
			client := provider.NewOpenAI(provider.OpenAIConfig{
				APIKey:  cfg.Completion.APIKey,
				APIBase: cfg.Completion.APIBase,
				Model:   cfg.Completion.Model,
			})
			var authErr *domain.AuthError
			switch err := client.Healthy(ctx); {
			case err == nil:
				printPass("Completion API", fmt.Sprintf("%s (%s)", cfg.Completion.APIBase, cfg.Completion.Model))
				passed++
			case errors.As(err, &authErr):
				printFail("Completion API", fmt.Sprintf("credential rejected or missing (set %s): %v", config.EnvAPIKey, err))
				failed++
			default:
				printWarn("Completion API", fmt.Sprintf("unreachable: %v", err))
				warned++
			}

			// 4. Tokenizer loads and round-trips
			if err := checkCodec(cfg.Summary.Encoding); err != nil {
				printFail("Tokenizer", err.Error())
				failed++
			} else {
				printPass("Tokenizer", fmt.Sprintf("%s, %d tokens/chunk", cfg.Summary.Encoding, cfg.Summary.MaxTokensPerChunk))
				passed++
			}

			// 5. Usage database writable
			if cfg.Usage.Enabled {
				if err := checkDatabase(ctx, cfg.Usage.DBPath); err != nil {
					printFail("Usage database", err.Error())
					failed++
				} else {
					printPass("Usage database", cfg.Usage.DBPath)
					passed++
				}
			} else {
				printWarn("Usage database", "disabled")
				warned++
			}

			// 6. Channels
			channels := enabledChannels(cfg)
			if len(channels) == 0 {
				printFail("Channels", "none enabled")
				failed++
			} else {
				for _, ch := range channels {
					printPass("Channel: "+ch.Name(), "enabled")
					passed++
				}
			}

			// 7. Metrics port
			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					printWarn("Metrics listen", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
					warned++
				} else {
					printPass("Metrics listen", cfg.Metrics.Listen+cfg.Metrics.Endpoint)
					passed++
				}
			}

			// 8. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running relaybot.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nrelaybot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! relaybot is ready to run.\n")
			}
			return nil
		},
	}
}

func checkCodec(encoding string) error {
	codec, err := tokenizer.NewCodec(encoding)
	if err != nil {
		return err
	}
	const sample = "relaybot doctor round trip"
	ids, err := codec.Encode(sample)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	text, err := codec.Decode(ids)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if text != sample {
		return fmt.Errorf("round trip mismatch: %q", text)
	}
	return nil
}

// checkDatabase opens the ledger (running migrations) and pings it.
func checkDatabase(ctx context.Context, dbPath string) error {
	store, err := usage.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	return nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
