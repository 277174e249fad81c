package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/summary"
	"relaybot/internal/tokenizer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingOutbound struct {
	mu   sync.Mutex
	sent []domain.OutboundMessage
}

func (r *recordingOutbound) SendOutbound(msg domain.OutboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
}

func (r *recordingOutbound) contents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, m := range r.sent {
		out[i] = m.Content
	}
	return out
}

type fakeFetcher struct {
	text  string
	err   error
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, uri string) (string, error) {
	f.calls = append(f.calls, uri)
	return f.text, f.err
}

// scriptedCompleter replies "reply-N" to the Nth call and fails the calls
// listed in fail.
type scriptedCompleter struct {
	mu       sync.Mutex
	fail     map[int]error
	requests []domain.CompletionRequest
}

func (s *scriptedCompleter) Complete(_ context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.requests) + 1
	s.requests = append(s.requests, req)
	if err := s.fail[n]; err != nil {
		return nil, err
	}
	return &domain.CompletionResult{
		Text:         fmt.Sprintf("reply-%d", n),
		FinishReason: domain.FinishStop,
		Usage:        domain.NewUsage(100, 20),
	}, nil
}

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

type harness struct {
	d       *Dispatcher
	out     *recordingOutbound
	fetcher *fakeFetcher
	llm     *scriptedCompleter
	events  *bus.EventBus
}

func newHarness(t *testing.T, prefix string, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		out:     &recordingOutbound{},
		fetcher: &fakeFetcher{},
		llm:     &scriptedCompleter{fail: map[int]error{}},
		events:  bus.NewEventBus(testLogger()),
	}
	cfg := Config{
		Rules:     DefaultRules(prefix),
		Fetcher:   h.fetcher,
		Completer: h.llm,
		Summarizer: summary.New(summary.Config{
			Completer:         h.llm,
			Codec:             tokenizer.NewWordCodec(),
			MaxTokensPerChunk: 2000,
		}),
		Outbound: h.out,
		Events:   h.events,
		Logger:   testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.d = New(cfg)
	return h
}

func inbound(text string) domain.InboundMessage {
	return domain.InboundMessage{ID: "m-1", Channel: "slack", ChatID: "C123", SenderID: "U1", Content: text, Timestamp: time.Now()}
}

// --- Classification ---

func TestClassify_Priority(t *testing.T) {
	rules := DefaultRules("https")
	cases := []struct {
		text string
		want RuleKind
	}{
		{"https://example.com/article", RuleURL},
		{"  https://example.com/a?b=c  ", RuleURL},
		{"https please tell me", RulePrefix},
		{"  https please tell me", RuleNone},
		{"hello world", RuleNone},
		{"", RuleNone},
		{"https://example.com and more", RulePrefix},
	}
	for _, c := range cases {
		_, got := Classify(rules, c.text)
		require.Equal(t, c.want, got, "text=%q", c.text)
	}
}

func TestParseURI(t *testing.T) {
	for _, ok := range []string{"https://example.com", "http://a.b/c?d=e#f", "ftp://host/file", "mailto:someone@example.com"} {
		_, got := ParseURI(ok)
		require.True(t, got, ok)
	}
	for _, bad := range []string{"example.com", "/relative/path", "http://", "not a url", "https://exa mple.com", "://nohost"} {
		_, got := ParseURI(bad)
		require.False(t, got, bad)
	}
}

func TestCommandContent(t *testing.T) {
	require.Equal(t, "hello there", CommandContent("ping hello there", "ping"))
	require.Equal(t, "hello there", CommandContent("ping   hello \t there  ", "ping"))
	require.Equal(t, "hello", CommandContent("pingpong hello", "ping"))
	require.Equal(t, "tell me a joke", CommandContent("hey bot tell me a joke", "hey bot"))
	require.Equal(t, "", CommandContent("hey bot", "hey bot"))
	require.Equal(t, "", CommandContent("ping", "ping"))
	require.Equal(t, "", CommandContent("", "ping"))
}

// --- Scenarios ---

func TestHandle_URLScenario_RawTextThenSummariesInOrder(t *testing.T) {
	h := newHarness(t, "ping", nil)
	article := words(5000)
	h.fetcher.text = article

	h.d.Handle(context.Background(), inbound("https://example.com/article"))

	require.Equal(t, []string{"https://example.com/article"}, h.fetcher.calls)
	require.Len(t, h.llm.requests, 3)
	require.Equal(t, []string{article, "reply-1", "reply-2", "reply-3"}, h.out.contents())
	for i, req := range h.llm.requests {
		require.Equal(t, domain.RoleSystem, req.Prompt[0].Role)
		require.Equal(t, summary.DefaultPersona, req.Prompt[0].Content)
		require.Contains(t, req.Prompt[1].Content, fmt.Sprintf("w%d ", i*2000))
	}
	for _, m := range h.out.sent {
		require.Equal(t, "slack", m.Channel)
		require.Equal(t, "C123", m.ChatID)
	}
}

func TestHandle_CommandScenario(t *testing.T) {
	h := newHarness(t, "ping", nil)

	h.d.Handle(context.Background(), inbound("ping hello there"))

	require.Len(t, h.llm.requests, 1)
	req := h.llm.requests[0]
	require.Equal(t, domain.Prompt{
		{Role: domain.RoleSystem, Content: DefaultPersona},
		{Role: domain.RoleUser, Content: "given user input: hello there, please respond in a funny way"},
	}, req.Prompt)
	require.Equal(t, defaultMaxOutputTokens, req.MaxOutputTokens)
	require.Equal(t, []string{"reply-1"}, h.out.contents())
	require.Empty(t, h.fetcher.calls)
}

func TestHandle_MultiWordPrefixStrippedWhole(t *testing.T) {
	h := newHarness(t, "hey bot", nil)

	h.d.Handle(context.Background(), inbound("hey bot tell me a joke"))

	require.Len(t, h.llm.requests, 1)
	require.Equal(t, "given user input: tell me a joke, please respond in a funny way", h.llm.requests[0].Prompt[1].Content)
	require.Equal(t, []string{"reply-1"}, h.out.contents())
}

func TestHandle_PrefixMustStartText(t *testing.T) {
	h := newHarness(t, "ping", nil)

	h.d.Handle(context.Background(), inbound("  ping hi"))

	require.Empty(t, h.llm.requests)
	require.Empty(t, h.out.contents())
	require.Len(t, h.events.Replay(bus.EventMessageIgnored, time.Time{}), 1)
}

func TestHandle_PartialFailure_SkipsFailedChunk(t *testing.T) {
	h := newHarness(t, "ping", func(c *Config) { c.SkipRawText = true })
	h.fetcher.text = words(5000)
	h.llm.fail[2] = &domain.TransportError{Attempts: 3, Err: errors.New("connection reset")}

	h.d.Handle(context.Background(), inbound("https://example.com/article"))

	require.Len(t, h.llm.requests, 3)
	require.Equal(t, []string{"reply-1", "reply-3"}, h.out.contents())

	failed := h.events.Replay(bus.EventCompletionFailed, time.Time{})
	require.Len(t, failed, 1)
	require.Equal(t, "transport", failed[0].String(bus.KeyErrorClass))
	require.Equal(t, 1, failed[0].Int(bus.KeyChunk))
	require.Equal(t, 3, failed[0].Int(bus.KeyAttempts))

	done := h.events.Replay(bus.EventSummaryFinished, time.Time{})
	require.Len(t, done, 1)
	require.Equal(t, 3, done[0].Int(bus.KeyChunks))
	require.Equal(t, 2, done[0].Int(bus.KeyPosted))
}

func TestHandle_URLBeatsPrefix(t *testing.T) {
	h := newHarness(t, "https", func(c *Config) { c.SkipRawText = true })
	h.fetcher.text = "short page"

	h.d.Handle(context.Background(), inbound("https://example.com/article"))

	require.Len(t, h.fetcher.calls, 1)
	require.Len(t, h.llm.requests, 1)
	require.Equal(t, summary.DefaultPersona, h.llm.requests[0].Prompt[0].Content)
}

// --- Silence on failure ---

func TestHandle_FetchFailure_PostsNothing(t *testing.T) {
	h := newHarness(t, "ping", nil)
	h.fetcher.err = &domain.FetchError{URI: "https://example.com", Err: errors.New("404")}

	h.d.Handle(context.Background(), inbound("https://example.com"))

	require.Empty(t, h.out.contents())
	require.Empty(t, h.llm.requests)
	failed := h.events.Replay(bus.EventFetchFailed, time.Time{})
	require.Len(t, failed, 1)
	require.Equal(t, "fetch", failed[0].String(bus.KeyErrorClass))
}

func TestHandle_URLFetchFailureDoesNotFallBackToPrefix(t *testing.T) {
	h := newHarness(t, "private", nil)
	h.fetcher.err = &domain.FetchError{URI: "private:joke", Err: errors.New("unsupported scheme")}

	h.d.Handle(context.Background(), inbound("private:joke"))

	require.Equal(t, []string{"private:joke"}, h.fetcher.calls)
	require.Empty(t, h.llm.requests)
	require.Empty(t, h.out.contents())
}

func TestHandle_CommandFailure_PostsNothing(t *testing.T) {
	h := newHarness(t, "ping", nil)
	h.llm.fail[1] = &domain.AuthError{StatusCode: 401, Err: errors.New("bad key")}

	h.d.Handle(context.Background(), inbound("ping hi"))

	require.Empty(t, h.out.contents())
	failed := h.events.Replay(bus.EventCompletionFailed, time.Time{})
	require.Len(t, failed, 1)
	require.Equal(t, "auth", failed[0].String(bus.KeyErrorClass))
}

func TestHandle_NoMatch_Ignored(t *testing.T) {
	h := newHarness(t, "ping", nil)

	h.d.Handle(context.Background(), inbound("just chatting"))

	require.Empty(t, h.out.contents())
	require.Empty(t, h.llm.requests)
	require.Empty(t, h.fetcher.calls)
	require.Len(t, h.events.Replay(bus.EventMessageIgnored, time.Time{}), 1)
}

// --- Options ---

func TestHandle_FixedReplyChat(t *testing.T) {
	h := newHarness(t, "ping", func(c *Config) { c.ReplyChatID = "C-NEWS" })

	h.d.Handle(context.Background(), inbound("ping hi"))

	require.Len(t, h.out.sent, 1)
	require.Equal(t, "C-NEWS", h.out.sent[0].ChatID)
	require.Equal(t, "slack", h.out.sent[0].Channel)
}

func TestHandle_UsageReported(t *testing.T) {
	h := newHarness(t, "ping", func(c *Config) { c.Sampling.Model = "gpt-3.5-turbo" })

	h.d.Handle(context.Background(), inbound("ping hi"))

	ok := h.events.Replay(bus.EventCompletionOK, time.Time{})
	require.Len(t, ok, 1)
	require.Equal(t, 120, ok[0].Int(bus.KeyTotalTokens))
	require.Equal(t, "gpt-3.5-turbo", ok[0].String(bus.KeyModel))
	require.Len(t, h.events.Replay(bus.EventDispatchCompleted, time.Time{}), 1)
}
