// Package summary turns long page text into per-chunk summaries.
package summary

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"relaybot/internal/domain"
	"relaybot/internal/tokenizer"
)

const (
	DefaultPersona           = "As a news reporter AI,"
	DefaultMaxTokensPerChunk = 2000
	defaultMaxOutputTokens   = 256
)

// ChunkOutcome reports what happened to one chunk. Exactly one of Result and
// Err is set.
type ChunkOutcome struct {
	Index   int
	Tokens  int
	Result  *domain.CompletionResult
	Err     error
	Elapsed time.Duration
}

// Sampling carries the per-request model parameters.
type Sampling struct {
	Model           string
	Temperature     float64
	TopP            float64
	MaxOutputTokens int
}

// Pipeline summarizes text one token window at a time.
type Pipeline struct {
	completer   domain.Completer
	codec       tokenizer.Codec
	maxTokens   int
	persona     string
	sampling    Sampling
	concurrency int
}

type Config struct {
	Completer         domain.Completer
	Codec             tokenizer.Codec
	MaxTokensPerChunk int
	Persona           string
	Sampling          Sampling
	Concurrency       int // >1 completes chunks in parallel; output order is unchanged
}

func New(cfg Config) *Pipeline {
	if cfg.MaxTokensPerChunk <= 0 {
		cfg.MaxTokensPerChunk = DefaultMaxTokensPerChunk
	}
	if cfg.Persona == "" {
		cfg.Persona = DefaultPersona
	}
	if cfg.Sampling.MaxOutputTokens <= 0 {
		cfg.Sampling.MaxOutputTokens = defaultMaxOutputTokens
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Pipeline{
		completer:   cfg.Completer,
		codec:       cfg.Codec,
		maxTokens:   cfg.MaxTokensPerChunk,
		persona:     cfg.Persona,
		sampling:    cfg.Sampling,
		concurrency: cfg.Concurrency,
	}
}

// ChunkPrompt is the user message sent for one chunk.
func ChunkPrompt(chunkText string) string {
	return fmt.Sprintf("Given a chunk of a news body text: %s, please give a segment summary.", chunkText)
}

// Summarize splits text and returns a sequence of one summary per chunk, in
// chunk order. A chunk whose completion fails is left out and the rest
// continue. observe, if non-nil, sees every chunk's outcome, failures
// included. The sequence can be ranged over once; later ranges yield nothing.
//
// The only error returned is a chunking failure, before any completion call.
func (p *Pipeline) Summarize(ctx context.Context, text string, observe func(ChunkOutcome)) (iter.Seq[string], error) {
	chunks, err := tokenizer.Split(text, p.maxTokens, p.codec)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	if observe == nil {
		observe = func(ChunkOutcome) {}
	}

	var used atomic.Bool
	return func(yield func(string) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}
		if p.concurrency > 1 && len(chunks) > 1 {
			p.runParallel(ctx, chunks, observe, yield)
			return
		}
		for _, c := range chunks {
			if ctx.Err() != nil {
				return
			}
			out := p.complete(ctx, c)
			observe(out)
			if out.Err != nil {
				continue
			}
			if !yield(out.Result.Text) {
				return
			}
		}
	}, nil
}

// runParallel completes every chunk on a bounded group, then yields the
// successful ones in chunk order.
func (p *Pipeline) runParallel(ctx context.Context, chunks []domain.Chunk, observe func(ChunkOutcome), yield func(string) bool) {
	outcomes := make([]ChunkOutcome, len(chunks))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, c := range chunks {
		g.Go(func() error {
			outcomes[i] = p.complete(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		observe(out)
		if out.Err != nil {
			continue
		}
		if !yield(out.Result.Text) {
			return
		}
	}
}

func (p *Pipeline) complete(ctx context.Context, c domain.Chunk) ChunkOutcome {
	start := time.Now()
	res, err := p.completer.Complete(ctx, domain.CompletionRequest{
		Prompt:          domain.NewPrompt(p.persona, ChunkPrompt(c.Text)),
		MaxOutputTokens: p.sampling.MaxOutputTokens,
		Model:           p.sampling.Model,
		Temperature:     p.sampling.Temperature,
		TopP:            p.sampling.TopP,
		N:               1,
	})
	if err == nil && res == nil {
		err = &domain.MalformedResponseError{Err: fmt.Errorf("empty result for chunk %d", c.Index)}
	}
	return ChunkOutcome{
		Index:   c.Index,
		Tokens:  len(c.TokenIDs),
		Result:  res,
		Err:     err,
		Elapsed: time.Since(start),
	}
}
