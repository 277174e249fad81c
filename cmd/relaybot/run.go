package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/usage"
)

const shutdownTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the relay (all enabled channels + dispatcher)",
		Long:  "Starts every enabled channel and the dispatcher. Press Ctrl+C to stop.",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.client.Healthy(ctx); err != nil {
		logger.Warn("completion endpoint unhealthy at startup", "api_base", cfg.Completion.APIBase, "err", err)
	} else {
		logger.Info("completion endpoint healthy", "model", a.client.Model())
	}

	channels := enabledChannels(cfg)
	if len(channels) == 0 {
		return errors.New("no channels enabled; enable one under channels.* in the config")
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, cfg.Metrics.Endpoint, a.relay.Collector(), logger); err != nil {
				logger.Error("metrics endpoint failed", "err", err)
			}
		}()
	}

	if a.store != nil {
		stopPrune, err := usage.SchedulePrune(ctx, a.store, cfg.Usage.RetentionDays, cfg.Usage.PruneSchedule, logger)
		if err != nil {
			return err
		}
		defer stopPrune()
	}

	runner := dispatch.NewRunner(a.dispatcher, cfg.General.MaxConcurrentMessages, a.events, logger)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Run(ctx, a.bus.Subscribe())
	}()

	// The CLI session ends the process when the user quits.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, ch := range channels {
		go func(ch domain.Channel) {
			err := ch.Start(runCtx, a.bus)
			if err != nil {
				logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
			if ch.Name() == "cli" {
				cancel()
			}
		}(ch)
		logger.Info("channel enabled", "channel", ch.Name())
	}

	logger.Info("relay started", "version", version, "prefix", cfg.Triggers.CommandPrefix)
	<-runCtx.Done()
	logger.Info("shutting down relay...", "pending", a.bus.Pending())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels {
			if err := ch.Stop(); err != nil {
				logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
			}
		}
		a.bus.Close()
		<-runnerDone
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func enabledChannels(cfg *config.Config) []domain.Channel {
	var channels []domain.Channel
	if c := cfg.Channels.Slack; c.Enabled {
		channels = append(channels, channel.NewSlack(channel.SlackConfig{
			BotToken:       c.BotToken,
			AppToken:       c.AppToken,
			ListenChannels: c.ListenChannels,
			Logger:         logger,
		}))
	}
	if c := cfg.Channels.Telegram; c.Enabled {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     c.Token,
			AllowFrom: c.AllowFrom,
			Logger:    logger,
		}))
	}
	if c := cfg.Channels.Discord; c.Enabled {
		channels = append(channels, channel.NewDiscord(channel.DiscordConfig{
			Token:   c.Token,
			GuildID: c.GuildID,
			Logger:  logger,
		}))
	}
	if cfg.Channels.CLI.Enabled {
		channels = append(channels, channel.NewCLI(channel.CLIConfig{
			Logger:  logger,
			Spinner: term.IsTerminal(int(os.Stdout.Fd())),
		}))
	}
	return channels
}
