// Package completion calls an OpenAI-compatible chat completions endpoint
// and returns structured output validated against a response contract.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-4o-mini"
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultTimeout     = 2 * time.Minute

	maxResponseBytes = 8 << 20
)

// Config is resolved once when the client is built.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Request is one structured completion call.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Schema       Schema
	// Model overrides the client default when set.
	Model string

	// Sampling parameters are sent only when non-nil.
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Completer is satisfied by *Client and by test doubles.
type Completer interface {
	Complete(ctx context.Context, req Request) (map[string]any, error)
}

// Client is safe for concurrent use.
type Client struct {
	http    *retryablehttp.Client
	apiKey  string
	baseURL string
	model   string
	logger  *slog.Logger
}

func New(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
		httpClient.Timeout = DefaultTimeout
		if cfg.Timeout > 0 {
			httpClient.Timeout = cfg.Timeout
		}
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.Logger = nil
	rc.RetryMax = attempts - 1
	rc.RetryWaitMin = baseDelay
	rc.RetryWaitMax = baseDelay << (attempts - 1)
	rc.CheckRetry = checkRetry
	rc.Backoff = doublingBackoff
	rc.ErrorHandler = exhaustedHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, retry int) {
		if counter, ok := req.Context().Value(attemptsKey{}).(*atomic.Int32); ok {
			counter.Store(int32(retry + 1))
		}
		if retry > 0 {
			logger.Warn("retrying completion request", "url", req.URL.String(), "attempt", retry+1, "max_attempts", attempts)
		}
	}

	return &Client{
		http:    rc,
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		logger:  logger,
	}, nil
}

// attemptsKey carries the per-call attempt counter through the request context.
type attemptsKey struct{}

// checkRetry retries transport failures, 429 and 5xx. A cancelled context
// stops the loop.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if err != nil {
		return true, nil
	}
	if resp == nil {
		return false, nil
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, nil
}

// doublingBackoff waits min*2^n before retry n+1. Retry-After is ignored so
// the schedule stays fixed.
func doublingBackoff(min, max time.Duration, attemptNum int, _ *http.Response) time.Duration {
	wait := min * time.Duration(int64(1)<<attemptNum)
	if max > 0 && wait > max {
		return max
	}
	return wait
}

// exhaustedHandler runs once retries are used up. A final response is
// handed back so its status can be classified; a transport failure becomes
// a NetworkError.
func exhaustedHandler(resp *http.Response, err error, numTries int) (*http.Response, error) {
	if err == nil && resp != nil {
		return resp, nil
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		err = errors.New("no response received")
	}
	return nil, &NetworkError{Attempts: numTries, Err: err}
}

// CompleteInto runs req and decodes the validated payload into T.
func CompleteInto[T any](ctx context.Context, c Completer, req Request) (T, error) {
	payload, err := c.Complete(ctx, req)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](req.Schema.Name, payload)
}

// Complete sends req and returns the contract-validated object.
func (c *Client) Complete(ctx context.Context, req Request) (map[string]any, error) {
	model := c.model
	if strings.TrimSpace(req.Model) != "" {
		model = req.Model
	}

	body, err := json.Marshal(buildChatRequest(model, req))
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}
	attempts := new(atomic.Int32)
	ctx = context.WithValue(ctx, attemptsKey{}, attempts)
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			netErr = &NetworkError{Err: err}
		}
		c.logger.Error("completion request failed", "schema", req.Schema.Name, "model", model, "attempts", netErr.Attempts, "error", netErr.Err)
		return nil, netErr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Attempts: int(attempts.Load()), Err: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := apiErrorFromBody(resp.StatusCode, raw)
		c.logger.Error("completion provider rejected request", "schema", req.Schema.Name, "model", model, "status", resp.StatusCode, "type", apiErr.Type, "code", apiErr.Code)
		return nil, apiErr
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &ParsingError{Message: "decode provider response", Err: err}
	}
	if decoded.Error != nil {
		apiErr := decoded.Error.toAPIError(resp.StatusCode)
		c.logger.Error("completion provider reported error", "schema", req.Schema.Name, "model", model, "type", apiErr.Type, "code", apiErr.Code)
		return nil, apiErr
	}
	if len(decoded.Choices) == 0 {
		return nil, &ParsingError{Message: "response contained no choices"}
	}
	content := decoded.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return nil, &ParsingError{Message: "response contained no message content"}
	}

	parsed, err := parseContent(content)
	if err != nil {
		return nil, &ParsingError{Message: "message content is not valid JSON", Err: err}
	}
	object, err := req.Schema.Validate(parsed)
	if err != nil {
		c.logger.Warn("completion output failed validation", "schema", req.Schema.Name, "model", model, "error", err)
		return nil, err
	}

	attrs := []any{"schema", req.Schema.Name, "model", decoded.Model, "duration_ms", time.Since(started).Milliseconds()}
	if decoded.Usage != nil {
		attrs = append(attrs, "prompt_tokens", decoded.Usage.PromptTokens, "completion_tokens", decoded.Usage.CompletionTokens)
	}
	c.logger.Debug("completion succeeded", attrs...)
	return object, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaFormat `json:"json_schema"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
	Temperature    *float64       `json:"temperature,omitempty"`
	TopP           *float64       `json:"top_p,omitempty"`
	MaxTokens      *int           `json:"max_tokens,omitempty"`
}

func buildChatRequest(model string, req Request) chatRequest {
	return chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		ResponseFormat: responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchemaFormat{
				Name:   req.Schema.Name,
				Strict: req.Schema.Strict,
				Schema: req.Schema.jsonSchema(),
			},
		},
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *providerError `json:"error"`
}

type providerError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (e *providerError) toAPIError(status int) *APIError {
	apiErr := &APIError{
		StatusCode: status,
		Type:       e.Type,
		Message:    e.Message,
		Retryable:  isRetryableStatus(status),
	}
	if e.Code != nil {
		apiErr.Code = fmt.Sprint(e.Code)
	}
	return apiErr
}

// apiErrorFromBody accepts both {"error":{...}} and {"error":"text"} bodies.
func apiErrorFromBody(status int, raw []byte) *APIError {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Error) > 0 {
		var detail providerError
		if err := json.Unmarshal(envelope.Error, &detail); err == nil {
			return detail.toAPIError(status)
		}
		var text string
		if err := json.Unmarshal(envelope.Error, &text); err == nil {
			return &APIError{StatusCode: status, Message: text, Retryable: isRetryableStatus(status)}
		}
	}

	message := strings.TrimSpace(string(raw))
	if len(message) > 512 {
		message = message[:512]
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: message, Retryable: isRetryableStatus(status)}
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
