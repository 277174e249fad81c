package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"relaybot/internal/domain"
)

const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// BrowserFetcher renders the page in headless Chrome and reads the body's
// innerText. It suits pages that build their article with JavaScript.
type BrowserFetcher struct {
	timeout  time.Duration
	settle   time.Duration
	execPath string
	logger   *slog.Logger
}

type BrowserConfig struct {
	Timeout  time.Duration
	Settle   time.Duration // wait after load for late scripts
	ExecPath string        // Chrome binary; empty lets chromedp find one
	Logger   *slog.Logger
}

func NewBrowser(cfg BrowserConfig) *BrowserFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BrowserFetcher{timeout: cfg.Timeout, settle: cfg.Settle, execPath: cfg.ExecPath, logger: cfg.Logger}
}

// newContext starts a fresh headless browser. The caller must call cancel.
func (b *BrowserFetcher) newContext(parent context.Context) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Headless,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(browserUserAgent),
	)
	if b.execPath != "" {
		opts = append(opts, chromedp.ExecPath(b.execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

func (b *BrowserFetcher) Fetch(ctx context.Context, uri string) (string, error) {
	if err := checkScheme(uri); err != nil {
		return "", &domain.FetchError{URI: uri, Err: err}
	}

	taskCtx, cancel := b.newContext(ctx)
	defer cancel()
	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, b.timeout)
	defer timeoutCancel()

	var text string
	actions := []chromedp.Action{
		chromedp.Navigate(uri),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if b.settle > 0 {
		actions = append(actions, chromedp.Sleep(b.settle))
	}
	actions = append(actions, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text))

	start := time.Now()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", &domain.FetchError{URI: uri, Err: fmt.Errorf("render page: %w", err)}
	}

	text = normalizeLines(text)
	if text == "" {
		return "", &domain.FetchError{URI: uri, Err: errors.New("page has no text")}
	}
	b.logger.Debug("page rendered", "uri", uri, "text_len", len(text), "duration", time.Since(start))
	return text, nil
}

func normalizeLines(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// Options selects and configures a fetcher.
type Options struct {
	Mode       string // "http" (default) or "browser"
	Timeout    time.Duration
	MaxBytes   int64  // http mode only
	ChromePath string // browser mode only
	Logger     *slog.Logger
}

const (
	ModeHTTP    = "http"
	ModeBrowser = "browser"
)

// New returns the fetcher for opts.Mode.
func New(opts Options) (domain.PageFetcher, error) {
	switch opts.Mode {
	case "", ModeHTTP:
		return NewHTTP(HTTPConfig{Timeout: opts.Timeout, MaxBytes: opts.MaxBytes, Logger: opts.Logger}), nil
	case ModeBrowser:
		return NewBrowser(BrowserConfig{Timeout: opts.Timeout, ExecPath: opts.ChromePath, Logger: opts.Logger}), nil
	default:
		return nil, fmt.Errorf("unknown fetch mode %q", opts.Mode)
	}
}
