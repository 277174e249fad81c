package dispatch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/summary"
)

const (
	DefaultPrefix          = "private"
	DefaultPersona         = "You're a chatbot."
	defaultMaxOutputTokens = 256
)

// Summarizer is the part of summary.Pipeline the URL path needs.
type Summarizer interface {
	Summarize(ctx context.Context, text string, observe func(summary.ChunkOutcome)) (iter.Seq[string], error)
}

// Dispatcher routes one inbound message through the first matching rule and
// posts the outcome. Failures are never posted; they go to the log and the
// event bus.
type Dispatcher struct {
	rules       []TriggerRule
	fetcher     domain.PageFetcher
	completer   domain.Completer
	summarizer  Summarizer
	out         domain.Outbound
	events      *bus.EventBus
	logger      *slog.Logger
	persona     string
	sampling    summary.Sampling
	replyChatID string
	skipRaw     bool
}

type Config struct {
	Rules      []TriggerRule // nil means DefaultRules(DefaultPrefix)
	Fetcher    domain.PageFetcher
	Completer  domain.Completer
	Summarizer Summarizer
	Outbound   domain.Outbound
	Events     *bus.EventBus // optional
	Logger     *slog.Logger

	Persona     string
	Sampling    summary.Sampling // model parameters for the command path
	ReplyChatID string           // fixed destination; empty replies to the source chat
	SkipRawText bool             // do not post the fetched page before its summaries
}

func New(cfg Config) *Dispatcher {
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules(DefaultPrefix)
	}
	if cfg.Persona == "" {
		cfg.Persona = DefaultPersona
	}
	if cfg.Sampling.MaxOutputTokens <= 0 {
		cfg.Sampling.MaxOutputTokens = defaultMaxOutputTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		rules:       cfg.Rules,
		fetcher:     cfg.Fetcher,
		completer:   cfg.Completer,
		summarizer:  cfg.Summarizer,
		out:         cfg.Outbound,
		events:      cfg.Events,
		logger:      cfg.Logger,
		persona:     cfg.Persona,
		sampling:    cfg.Sampling,
		replyChatID: cfg.ReplyChatID,
		skipRaw:     cfg.SkipRawText,
	}
}

// CommandPrompt is the user message for the command path.
func CommandPrompt(content string) string {
	return fmt.Sprintf("given user input: %s, please respond in a funny way", content)
}

// Handle classifies msg and runs its path. It returns once every post for
// the message has been made.
func (d *Dispatcher) Handle(ctx context.Context, msg domain.InboundMessage) {
	start := time.Now()
	rule, kind := Classify(d.rules, msg.Content)
	log := d.logger.With("id", msg.ID, "channel", msg.Channel, "rule", string(kind))

	posted := 0
	switch kind {
	case RuleURL:
		posted = d.handleURL(ctx, log, msg)
	case RulePrefix:
		pr, _ := rule.(PrefixRule)
		posted = d.handleCommand(ctx, log, msg, pr.Prefix)
	default:
		log.Debug("no trigger matched", "content_len", len(msg.Content))
		d.emit(bus.Event{
			Type:    bus.EventMessageIgnored,
			Source:  "dispatch",
			Payload: map[string]any{bus.KeyMessageID: msg.ID},
		})
		return
	}

	log.Info("message handled", "posted", posted, "duration", time.Since(start))
	d.emit(bus.Event{
		Type:   bus.EventDispatchCompleted,
		Source: "dispatch",
		Payload: map[string]any{
			bus.KeyMessageID: msg.ID,
			bus.KeyRule:      string(kind),
			bus.KeyPosted:    posted,
			bus.KeyDuration:  time.Since(start),
		},
	})
}

func (d *Dispatcher) handleURL(ctx context.Context, log *slog.Logger, msg domain.InboundMessage) int {
	u, _ := ParseURI(msg.Content)
	uri := u.String()

	fetchStart := time.Now()
	text, err := d.fetcher.Fetch(ctx, uri)
	if err != nil {
		log.Warn("page fetch failed", "uri", uri, "error", err)
		d.emit(failure(bus.EventFetchFailed, msg.ID, RuleURL, err, map[string]any{bus.KeyURI: uri}))
		return 0
	}
	d.emit(bus.Event{
		Type:   bus.EventFetchFinished,
		Source: "dispatch",
		Payload: map[string]any{
			bus.KeyMessageID: msg.ID,
			bus.KeyURI:       uri,
			bus.KeyDuration:  time.Since(fetchStart),
		},
	})

	posted := 0
	if !d.skipRaw {
		d.post(msg, text)
		posted++
	}

	chunks := 0
	summaries, err := d.summarizer.Summarize(ctx, text, func(o summary.ChunkOutcome) {
		chunks++
		if o.Err != nil {
			log.Warn("chunk summary failed", "chunk", o.Index, "error", o.Err)
			d.emit(failure(bus.EventCompletionFailed, msg.ID, RuleURL, o.Err, map[string]any{
				bus.KeyChunk:    o.Index,
				bus.KeyDuration: o.Elapsed,
			}))
			return
		}
		d.emit(completed(msg.ID, RuleURL, o.Index, d.sampling.Model, o.Result, o.Elapsed))
	})
	if err != nil {
		log.Warn("summary failed", "error", err)
		d.emit(failure(bus.EventCompletionFailed, msg.ID, RuleURL, err, nil))
		return posted
	}

	summarized := 0
	for s := range summaries {
		d.post(msg, s)
		posted++
		summarized++
	}
	d.emit(bus.Event{
		Type:   bus.EventSummaryFinished,
		Source: "dispatch",
		Payload: map[string]any{
			bus.KeyMessageID: msg.ID,
			bus.KeyChunks:    chunks,
			bus.KeyPosted:    summarized,
		},
	})
	return posted
}

func (d *Dispatcher) handleCommand(ctx context.Context, log *slog.Logger, msg domain.InboundMessage, prefix string) int {
	content := CommandContent(msg.Content, prefix)

	start := time.Now()
	res, err := d.completer.Complete(ctx, domain.CompletionRequest{
		Prompt:          domain.NewPrompt(d.persona, CommandPrompt(content)),
		MaxOutputTokens: d.sampling.MaxOutputTokens,
		Model:           d.sampling.Model,
		Temperature:     d.sampling.Temperature,
		TopP:            d.sampling.TopP,
		N:               1,
	})
	if err == nil && res == nil {
		err = &domain.MalformedResponseError{Err: errors.New("empty result")}
	}
	if err != nil {
		log.Warn("command completion failed", "error_class", domain.ErrorClass(err), "error", err)
		d.emit(failure(bus.EventCompletionFailed, msg.ID, RulePrefix, err, map[string]any{bus.KeyDuration: time.Since(start)}))
		return 0
	}
	d.emit(completed(msg.ID, RulePrefix, 0, d.sampling.Model, res, time.Since(start)))

	d.post(msg, res.Text)
	return 1
}

func (d *Dispatcher) post(msg domain.InboundMessage, content string) {
	chatID := d.replyChatID
	if chatID == "" {
		chatID = msg.ChatID
	}
	d.out.SendOutbound(domain.OutboundMessage{Channel: msg.Channel, ChatID: chatID, Content: content})
}

func (d *Dispatcher) emit(e bus.Event) {
	if d.events != nil {
		d.events.Emit(e)
	}
}

func failure(eventType, id string, kind RuleKind, err error, extra map[string]any) bus.Event {
	payload := map[string]any{
		bus.KeyMessageID:  id,
		bus.KeyRule:       string(kind),
		bus.KeyErrorClass: domain.ErrorClass(err),
		bus.KeyError:      err.Error(),
	}
	var te *domain.TransportError
	if errors.As(err, &te) {
		payload[bus.KeyAttempts] = te.Attempts
	}
	for k, v := range extra {
		payload[k] = v
	}
	return bus.Event{Type: eventType, Source: "dispatch", Payload: payload}
}

func completed(id string, kind RuleKind, chunk int, model string, res *domain.CompletionResult, elapsed time.Duration) bus.Event {
	return bus.Event{
		Type:   bus.EventCompletionOK,
		Source: "dispatch",
		Payload: map[string]any{
			bus.KeyMessageID:        id,
			bus.KeyRule:             string(kind),
			bus.KeyChunk:            chunk,
			bus.KeyModel:            model,
			bus.KeyFinishReason:     string(res.FinishReason),
			bus.KeyPromptTokens:     res.Usage.PromptTokens,
			bus.KeyCompletionTokens: res.Usage.CompletionTokens,
			bus.KeyTotalTokens:      res.Usage.TotalTokens,
			bus.KeyDuration:         elapsed,
		},
	}
}
