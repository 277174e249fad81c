// Package fetch retrieves a web page and returns its readable text.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relaybot/internal/domain"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 2 << 20
	userAgent       = "Mozilla/5.0 (compatible; relaybot/1.0)"
)

// HTTPFetcher downloads a page with a plain GET and extracts its text.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

type HTTPConfig struct {
	Timeout    time.Duration
	MaxBytes   int64
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewHTTP(cfg HTTPConfig) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPFetcher{client: cfg.HTTPClient, maxBytes: cfg.MaxBytes, logger: cfg.Logger}
}

// Fetch returns the text of the page at uri. Every failure is a
// *domain.FetchError.
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) (string, error) {
	if err := checkScheme(uri); err != nil {
		return "", &domain.FetchError{URI: uri, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", &domain.FetchError{URI: uri, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &domain.FetchError{URI: uri, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &domain.FetchError{URI: uri, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return "", &domain.FetchError{URI: uri, Err: fmt.Errorf("read body: %w", err)}
	}

	text, err := bodyText(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return "", &domain.FetchError{URI: uri, Err: err}
	}
	if text == "" {
		return "", &domain.FetchError{URI: uri, Err: errors.New("page has no text")}
	}

	f.logger.Debug("page fetched", "uri", uri, "bytes", len(body), "text_len", len(text))
	return text, nil
}

func bodyText(contentType string, body []byte) (string, error) {
	mt, _, _ := mime.ParseMediaType(contentType)
	if mt == "text/plain" {
		return strings.TrimSpace(string(body)), nil
	}
	text, err := ExtractText(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	return text, nil
}

func checkScheme(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q (only http/https)", u.Scheme)
	}
	return nil
}
