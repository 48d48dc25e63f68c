package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var summarySchema = Schema{
	Name:                 "summary",
	Strict:               true,
	Properties:           map[string]any{"summary": map[string]any{"type": "string"}},
	Required:             []string{"summary"},
	AdditionalProperties: Bool(false),
}

func newTestClient(t *testing.T, baseURL string, httpClient *http.Client) *Client {
	t.Helper()
	client, err := New(Config{
		APIKey:      "sk-test",
		BaseURL:     baseURL,
		Model:       "test-model",
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		HTTPClient:  httpClient,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client
}

func chatBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":    "chatcmpl-1",
		"model": "test-model",
		"choices": []map[string]any{{
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
	return string(body)
}

func summaryRequest() Request {
	return Request{SystemPrompt: "You summarize.", UserPrompt: "Summarize this.", Schema: summarySchema}
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{APIKey: "   "})
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestCompleteSendsContractAndReturnsPayload(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = io.WriteString(w, chatBody(`{"summary":"All good."}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	payload, err := client.Complete(context.Background(), summaryRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if payload["summary"] != "All good." {
		t.Fatalf("unexpected payload %+v", payload)
	}

	if captured["model"] != "test-model" {
		t.Fatalf("expected default model, got %v", captured["model"])
	}
	for _, key := range []string{"temperature", "top_p", "max_tokens"} {
		if _, present := captured[key]; present {
			t.Fatalf("expected %s to be omitted when unset", key)
		}
	}
	messages, _ := captured["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %v", captured["messages"])
	}
	if role := messages[0].(map[string]any)["role"]; role != "system" {
		t.Fatalf("expected first message role system, got %v", role)
	}

	format, _ := captured["response_format"].(map[string]any)
	if format["type"] != "json_schema" {
		t.Fatalf("unexpected response_format %v", format)
	}
	jsonSchema, _ := format["json_schema"].(map[string]any)
	if jsonSchema["name"] != "summary" || jsonSchema["strict"] != true {
		t.Fatalf("unexpected json_schema %v", jsonSchema)
	}
	schema, _ := jsonSchema["schema"].(map[string]any)
	if schema["type"] != "object" || schema["additionalProperties"] != false {
		t.Fatalf("unexpected schema %v", schema)
	}
}

func TestCompletePassesExplicitSamplingParams(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = io.WriteString(w, chatBody(`{"summary":"ok"}`))
	}))
	defer server.Close()

	temperature := 0.2
	maxTokens := 256
	req := summaryRequest()
	req.Model = "override-model"
	req.Temperature = &temperature
	req.MaxTokens = &maxTokens

	client := newTestClient(t, server.URL, nil)
	if _, err := client.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if captured["model"] != "override-model" {
		t.Fatalf("expected model override, got %v", captured["model"])
	}
	if captured["temperature"] != 0.2 || captured["max_tokens"] != float64(256) {
		t.Fatalf("expected sampling params to pass through, got %v", captured)
	}
	if _, present := captured["top_p"]; present {
		t.Fatal("expected top_p to stay omitted")
	}
}

func TestCompleteRetriesTransientStatusThreeAttempts(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
				_, _ = io.WriteString(w, `{"error":{"message":"try later","type":"server_error","code":"overloaded"}}`)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, nil)
			_, err := client.Complete(context.Background(), summaryRequest())

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %T %v", err, err)
			}
			if apiErr.StatusCode != status || !apiErr.Retryable {
				t.Fatalf("unexpected APIError %+v", apiErr)
			}
			if apiErr.Type != "server_error" || apiErr.Code != "overloaded" {
				t.Fatalf("expected provider type/code to be kept, got %+v", apiErr)
			}
			if got := calls.Load(); got != 3 {
				t.Fatalf("expected 3 attempts, got %d", got)
			}
		})
	}
}

func TestCompleteRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, chatBody(`{"summary":"second time"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	payload, err := client.Complete(context.Background(), summaryRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if payload["summary"] != "second time" || calls.Load() != 2 {
		t.Fatalf("expected success on attempt 2, payload=%v calls=%d", payload, calls.Load())
	}
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"invalid_request_error","code":null}}`)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, nil)
			_, err := client.Complete(context.Background(), summaryRequest())

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.StatusCode != status || apiErr.Retryable || apiErr.Code != "" {
				t.Fatalf("unexpected APIError %+v", apiErr)
			}
			if !errors.Is(err, ErrAPI) {
				t.Fatal("expected errors.Is(err, ErrAPI)")
			}
			if got := calls.Load(); got != 1 {
				t.Fatalf("expected a single attempt, got %d", got)
			}
		})
	}
}

type failingTransport struct {
	calls atomic.Int32
}

func (f *failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls.Add(1)
	return nil, errors.New("connection refused")
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
func (brokenBody) Close() error { return nil }

// flakyTransport answers 503 once and then a 200 whose body cannot be read.
type flakyTransport struct {
	calls atomic.Int32
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.calls.Add(1) == 1 {
		return &http.Response{
			StatusCode: http.StatusServiceUnavailable,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(`{"error":{"message":"busy"}}`)),
			Request:    req,
		}, nil
	}
	return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: brokenBody{}, Request: req}, nil
}

func TestCompleteBodyReadFailureCountsRetries(t *testing.T) {
	transport := &flakyTransport{}
	client := newTestClient(t, "http://provider.invalid", &http.Client{Transport: transport})

	_, err := client.Complete(context.Background(), summaryRequest())

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %T %v", err, err)
	}
	if netErr.Attempts != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", netErr.Attempts)
	}
	if !strings.Contains(err.Error(), "after 2 attempt(s)") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestCompleteRetriesTransportFailures(t *testing.T) {
	transport := &failingTransport{}
	client := newTestClient(t, "http://provider.invalid", &http.Client{Transport: transport})

	_, err := client.Complete(context.Background(), summaryRequest())

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %T %v", err, err)
	}
	if netErr.Attempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", netErr.Attempts)
	}
	if got := transport.calls.Load(); got != 3 {
		t.Fatalf("expected 3 transport calls, got %d", got)
	}
	if !errors.Is(err, ErrNetwork) || !IsRetryable(err) {
		t.Fatalf("expected a retryable network error, got %v", err)
	}
}

func TestCompleteStopsWhenContextCancelled(t *testing.T) {
	transport := &failingTransport{}
	client := newTestClient(t, "http://provider.invalid", &http.Client{Transport: transport})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Complete(ctx, summaryRequest())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
	if got := transport.calls.Load(); got > 1 {
		t.Fatalf("expected no retries after cancellation, got %d calls", got)
	}
}

func TestCompleteClassifiesResponseBodies(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		target  error
		message string
	}{
		{
			name:   "provider error on success status",
			body:   `{"error":{"message":"content filtered","type":"content_filter","code":"blocked"}}`,
			target: ErrAPI,
		},
		{
			name:    "no choices",
			body:    `{"id":"x","choices":[]}`,
			target:  ErrParsing,
			message: "no choices",
		},
		{
			name:    "empty content",
			body:    chatBody("  "),
			target:  ErrParsing,
			message: "no message content",
		},
		{
			name:    "content is not json",
			body:    chatBody("Here is your summary: great"),
			target:  ErrParsing,
			message: "not valid JSON",
		},
		{
			name:    "body is not json",
			body:    `<html>gateway</html>`,
			target:  ErrParsing,
			message: "decode provider response",
		},
		{
			name:    "missing required key",
			body:    chatBody(`{"text":"wrong key"}`),
			target:  ErrValidation,
			message: "missing required properties",
		},
		{
			name:    "array instead of object",
			body:    chatBody(`["summary"]`),
			target:  ErrValidation,
			message: "expected a JSON object",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tc.body)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, nil)
			_, err := client.Complete(context.Background(), summaryRequest())
			if !errors.Is(err, tc.target) {
				t.Fatalf("expected %v, got %T %v", tc.target, err, err)
			}
			if tc.message != "" && !strings.Contains(err.Error(), tc.message) {
				t.Fatalf("expected error to mention %q, got %q", tc.message, err.Error())
			}
			if IsRetryable(err) {
				t.Fatalf("expected %v to be non-retryable", err)
			}
		})
	}
}

func TestCompleteUnwrapsFencedJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"json fence", "```json\n{\"summary\":\"fenced\"}\n```", "fenced"},
		{"untagged fence", "```\n{\"summary\":\"plain\"}\n```", "plain"},
		{
			"code block inside the payload",
			"```json\n{\"summary\":\"# Setup\\n\\n```sh\\nmake\\n```\\n\"}\n```",
			"# Setup\n\n```sh\nmake\n```\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, chatBody(tc.content))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, nil)
			payload, err := client.Complete(context.Background(), summaryRequest())
			if err != nil {
				t.Fatalf("Complete() error = %v", err)
			}
			if payload["summary"] != tc.want {
				t.Fatalf("unexpected payload %q", payload["summary"])
			}
		})
	}
}

func TestUnwrapFenceRejectsOtherLanguages(t *testing.T) {
	if _, ok := unwrapFence("```yaml\nsummary: x\n```"); ok {
		t.Fatal("yaml fence should not be unwrapped")
	}
	if _, ok := unwrapFence("```json\n{\"a\":1}"); ok {
		t.Fatal("unterminated fence should not be unwrapped")
	}
}

func TestCompleteIntoDecodesTypedShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, chatBody(`{"summary":"typed"}`))
	}))
	defer server.Close()

	type summaryPayload struct {
		Summary string `json:"summary"`
	}

	client := newTestClient(t, server.URL, nil)
	out, err := CompleteInto[summaryPayload](context.Background(), client, summaryRequest())
	if err != nil {
		t.Fatalf("CompleteInto() error = %v", err)
	}
	if out.Summary != "typed" {
		t.Fatalf("unexpected decoded value %+v", out)
	}
}
