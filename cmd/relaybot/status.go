package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/provider"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config and completion endpoint status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			logger.Info("config", "path", cfgPath, "prefix", cfg.Triggers.CommandPrefix, "encoding", cfg.Summary.Encoding, "fetch", cfg.Fetch.Mode)

			for _, ch := range []struct {
				name string
				on   bool
			}{
				{"slack", cfg.Channels.Slack.Enabled},
				{"telegram", cfg.Channels.Telegram.Enabled},
				{"discord", cfg.Channels.Discord.Enabled},
				{"cli", cfg.Channels.CLI.Enabled},
			} {
				logger.Info("channel", "name", ch.name, "enabled", ch.on)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			client := provider.NewOpenAI(provider.OpenAIConfig{
				APIKey:  cfg.Completion.APIKey,
				APIBase: cfg.Completion.APIBase,
				Model:   cfg.Completion.Model,
			})
			if err := client.Healthy(ctx); err != nil {
				logger.Info("completion", "api_base", cfg.Completion.APIBase, "healthy", false, "err", err)
			} else {
				logger.Info("completion", "api_base", cfg.Completion.APIBase, "model", client.Model(), "healthy", true)
			}
			return nil
		},
	}
}
