package main

import (
	"fmt"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/fetch"
	"relaybot/internal/metrics"
	"relaybot/internal/provider"
	"relaybot/internal/summary"
	"relaybot/internal/tokenizer"
	"relaybot/internal/usage"
)

// app holds the components shared by run and the one-shot commands.
type app struct {
	cfg        *config.Config
	events     *bus.EventBus
	bus        *bus.InMemoryBus
	client     *provider.OpenAI
	codec      tokenizer.Codec
	pipeline   *summary.Pipeline
	dispatcher *dispatch.Dispatcher
	relay      *metrics.Relay
	store      *usage.Store // nil when usage is disabled or unavailable

	detachLedger func()
}

func newApp(cfg *config.Config) (*app, error) {
	events := bus.NewEventBus(logger)
	messageBus := bus.New(100, logger).WithEvents(events)

	fetcher, err := fetch.New(fetch.Options{
		Mode:       cfg.Fetch.Mode,
		Timeout:    time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		MaxBytes:   cfg.Fetch.MaxBytes,
		ChromePath: cfg.Fetch.ChromePath,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	codec, err := tokenizer.NewCodec(cfg.Summary.Encoding)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}

	client := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:       cfg.Completion.APIKey,
		APIBase:      cfg.Completion.APIBase,
		Model:        cfg.Completion.Model,
		Stop:         cfg.Completion.Stop,
		MaxAttempts:  cfg.Completion.Retries,
		RetryBackoff: time.Duration(cfg.Completion.RetryBackoffMs) * time.Millisecond,
		Timeout:      time.Duration(cfg.Completion.TimeoutSeconds) * time.Second,
	})

	pipeline := summary.New(summary.Config{
		Completer:         client,
		Codec:             codec,
		MaxTokensPerChunk: cfg.Summary.MaxTokensPerChunk,
		Persona:           cfg.Summary.Persona,
		Sampling:          sampling(cfg, cfg.Summary.MaxTokens),
		Concurrency:       cfg.Summary.Concurrency,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Rules:       dispatch.DefaultRules(cfg.Triggers.CommandPrefix),
		Fetcher:     fetcher,
		Completer:   client,
		Summarizer:  pipeline,
		Outbound:    messageBus,
		Events:      events,
		Logger:      logger,
		Persona:     cfg.Triggers.Persona,
		Sampling:    sampling(cfg, cfg.Triggers.MaxTokens),
		ReplyChatID: cfg.Reply.ChatID,
		SkipRawText: !cfg.Summary.PostRawText,
	})

	a := &app{
		cfg:        cfg,
		events:     events,
		bus:        messageBus,
		client:     client,
		codec:      codec,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		relay:      metrics.NewRelay(metrics.NewMetricsCollector()),
	}
	a.relay.Attach(events)

	if cfg.Usage.Enabled {
		store, err := usage.Open(cfg.Usage.DBPath, logger)
		if err != nil {
			// The ledger is bookkeeping; relaying works without it.
			logger.Warn("usage ledger unavailable", "path", cfg.Usage.DBPath, "err", err)
		} else {
			a.store = store
			a.detachLedger = usage.NewLedger(store, logger).Attach(events)
		}
	}
	return a, nil
}

func sampling(cfg *config.Config, maxTokens int) summary.Sampling {
	return summary.Sampling{
		Model:           cfg.Completion.Model,
		Temperature:     cfg.Completion.Temperature,
		TopP:            cfg.Completion.TopP,
		MaxOutputTokens: maxTokens,
	}
}

func (a *app) Close() {
	a.bus.Close()
	if a.detachLedger != nil {
		a.detachLedger()
	}
	if a.store != nil {
		a.store.Close()
	}
}
