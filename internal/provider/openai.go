package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"relaybot/internal/domain"
)

const (
	defaultAPIBase   = "https://api.openai.com/v1"
	defaultModel     = "gpt-3.5-turbo"
	maxErrorBodySize = 2048
	maxResponseSize  = 4 << 20
)

// OpenAI is a chat-completion client for OpenAI-compatible endpoints.
// It never logs or mutates shared state; the only side effect is the HTTP call.
type OpenAI struct {
	apiKey       string
	apiBase      string
	model        string
	stop         []string
	maxAttempts  int
	retryBackoff time.Duration
	client       *http.Client
}

type OpenAIConfig struct {
	APIKey       string // read once here; empty fails each call with AuthError
	APIBase      string
	Model        string
	Stop         []string
	MaxAttempts  int           // total attempts for transport failures (default 3)
	RetryBackoff time.Duration // 0 = retry immediately
	Timeout      time.Duration
	HTTPClient   *http.Client // optional, overrides Timeout
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(cfg.Timeout)
	}
	return &OpenAI{
		apiKey:       strings.TrimSpace(cfg.APIKey),
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		model:        cfg.Model,
		stop:         cfg.Stop,
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
		client:       cfg.HTTPClient,
	}
}

func (o *OpenAI) Name() string  { return "openai" }
func (o *OpenAI) Model() string { return o.model }

// Healthy checks the endpoint and credential with a GET /models.
func (o *OpenAI) Healthy(ctx context.Context) error {
	if o.apiKey == "" {
		return &domain.AuthError{Err: domain.ErrMissingCredential}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	resp, err := o.client.Do(req)
	if err != nil {
		return &domain.TransportError{Err: err}
	}
	defer resp.Body.Close()
	if _, err := classifyStatus(resp); err != nil {
		return err
	}
	return nil
}

type oaiRequest struct {
	Model            string       `json:"model"`
	Messages         []oaiMessage `json:"messages"`
	Temperature      float64      `json:"temperature"`
	TopP             float64      `json:"top_p"`
	N                int          `json:"n"`
	Stream           bool         `json:"stream"`
	MaxTokens        int          `json:"max_tokens"`
	PresencePenalty  float64      `json:"presence_penalty"`
	FrequencyPenalty float64      `json:"frequency_penalty"`
	Stop             []string     `json:"stop,omitempty"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Complete sends req and returns the first choice. Transport failures are
// retried up to the configured attempt bound with the identical body; auth
// and malformed-response failures are returned after one attempt.
func (o *OpenAI) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	if o.apiKey == "" {
		return nil, &domain.AuthError{Err: domain.ErrMissingCredential}
	}
	if err := req.Prompt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid prompt: %w", err)
	}
	if req.MaxOutputTokens <= 0 {
		return nil, fmt.Errorf("max output tokens must be > 0, got %d", req.MaxOutputTokens)
	}

	body, err := json.Marshal(o.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	return withRetry(ctx, o.maxAttempts, o.retryBackoff, func(ctx context.Context) (*domain.CompletionResult, error) {
		return o.send(ctx, body)
	})
}

func (o *OpenAI) buildRequest(req domain.CompletionRequest) oaiRequest {
	model := req.Model
	if model == "" {
		model = o.model
	}
	msgs := make([]oaiMessage, len(req.Prompt))
	for i, m := range req.Prompt {
		msgs[i] = oaiMessage{Role: string(m.Role), Content: m.Content}
	}
	return oaiRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		N:           1,
		Stream:      false,
		MaxTokens:   req.MaxOutputTokens,
		Stop:        o.stop,
	}
}

func (o *OpenAI) send(ctx context.Context, body []byte) (*domain.CompletionResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, &domain.TransportError{Err: err}
	}
	defer resp.Body.Close()

	status, err := classifyStatus(resp)
	if err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &domain.TransportError{StatusCode: status, Err: fmt.Errorf("read body: %w", err)}
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(raw, &oaiResp); err != nil {
		return nil, &domain.MalformedResponseError{StatusCode: status, Err: fmt.Errorf("decode: %w", err)}
	}
	if len(oaiResp.Choices) == 0 {
		return nil, &domain.MalformedResponseError{StatusCode: status, Err: errors.New("response has no choices")}
	}

	choice := oaiResp.Choices[0]
	return &domain.CompletionResult{
		Text:         choice.Message.Content,
		FinishReason: domain.ParseFinishReason(choice.FinishReason),
		Usage:        domain.NewUsage(oaiResp.Usage.PromptTokens, oaiResp.Usage.CompletionTokens),
	}, nil
}

// classifyStatus maps a non-2xx status onto the error taxonomy. 5xx, 429 and
// 408 are transient; 401/403 are auth failures; everything else cannot be
// read as a completion.
func classifyStatus(resp *http.Response) (int, error) {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return code, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	cause := errors.New(strings.TrimSpace(string(snippet)))

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return code, &domain.AuthError{StatusCode: code, Err: cause}
	case code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout:
		return code, &domain.TransportError{StatusCode: code, Err: cause}
	default:
		return code, &domain.MalformedResponseError{StatusCode: code, Err: cause}
	}
}
