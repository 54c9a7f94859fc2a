// Package router implements the Router Client (C8): the single outbound
// connection to the upstream chat-completions Router. Buffered calls go
// through klient (retries disabled, this package owns retry policy);
// streaming calls bypass klient's wrapper and talk to the raw http.Client so
// the SSE body can be read incrementally.
package router

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/gatekeep/internal/apierr"
	"github.com/rakunlabs/gatekeep/internal/catalog"
)

// Message is one turn of the wire-format chat history sent to Router.
type Message struct {
	Role        string          `json:"role"`
	Content     any             `json:"content"`
	Name        string          `json:"name,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	Reasoning   string          `json:"reasoning,omitempty"`
	Annotations []RawAnnotation `json:"annotations,omitempty"`
}

// RawAnnotation is an upstream annotation entry as Router emits it, before
// the stream transformer normalizes url_citation wrapping.
type RawAnnotation struct {
	Type        string `json:"type"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	StartIndex  *int   `json:"start_index"`
	EndIndex    *int   `json:"end_index"`
	URLCitation *struct {
		URL        string `json:"url"`
		Title      string `json:"title"`
		Content    string `json:"content"`
		StartIndex *int   `json:"start_index"`
		EndIndex   *int   `json:"end_index"`
	} `json:"url_citation"`
}

// StreamOptions requests usage accounting on the final SSE chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Request is the wire-format chat-completions request body.
type Request struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Temperature    *float64       `json:"temperature,omitempty"`
	MaxTokens      *int           `json:"max_tokens,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	StreamOptions  *StreamOptions `json:"stream_options,omitempty"`
	Tools          any            `json:"tools,omitempty"`
	ReasoningLevel string         `json:"reasoning_level,omitempty"`
}

// Usage mirrors Router's token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion candidate.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message,omitempty"`
	Delta        Message `json:"delta,omitempty"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Response is the buffered, non-streaming completion.
type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Chunk is one decoded SSE data frame of a streaming completion.
type Chunk struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// StreamChunk wraps a decoded Chunk or a terminal error for consumption over
// a channel; exactly one of Chunk/Err/Done is meaningful per value.
type StreamChunk struct {
	Chunk Chunk
	Err   error
	Done  bool
}

const (
	maxRetries       = 1
	retryJitterMax   = 250 * time.Millisecond
	requestTimeout   = 300 * time.Second
	sseInitialBuffer = 64 * 1024
	sseMaxBuffer     = 10 * 1024 * 1024
)

// Client is the Router Client. It owns its own HTTP transport configuration
// and never retries caller-opened streams past the first byte.
type Client struct {
	client  *klient.Client
	baseURL string
	apiKey  string
}

func New(baseURL, apiKey string) (*Client, error) {
	headers := http.Header{}
	if apiKey != "" {
		headers.Set("Authorization", "Bearer "+apiKey)
	}

	c, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build router client: %w", err)
	}

	return &Client{client: c, baseURL: baseURL, apiKey: apiKey}, nil
}

// Complete issues a single buffered chat-completion request, retrying once
// (with a small jitter delay) on connect failures and 5xx responses; 4xx
// responses and context cancellation are never retried.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	req.Stream = false

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal router request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepJitter(ctx); err != nil {
				return nil, lastErr
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/chat/completions", strings.NewReader(string(body)))
		if err != nil {
			return nil, fmt.Errorf("build router request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		var out Response
		var statusErr error
		var statusCode int
		doErr := c.client.Do(httpReq, func(r *http.Response) error {
			if r.StatusCode >= 400 {
				statusCode = r.StatusCode
				statusErr = enrichUpstreamError(r)
				return nil
			}
			return json.NewDecoder(r.Body).Decode(&out)
		})

		if doErr != nil {
			lastErr = fmt.Errorf("router request: %w", doErr)
			if attempt < maxRetries && isTransportRetryable(doErr) {
				continue
			}
			return nil, lastErr
		}

		if statusErr != nil {
			if attempt < maxRetries && statusCode >= 500 && isStatusRetryable(statusErr) {
				lastErr = statusErr
				continue
			}
			return nil, statusErr
		}

		return &out, nil
	}

	return nil, lastErr
}

// Stream issues a streaming chat-completion request and returns a channel of
// decoded SSE frames. The returned channel is always closed by the producer
// goroutine, terminating with a StreamChunk{Done: true} or a StreamChunk{Err:
// ...} value. Streams are never retried once the first byte has been read.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal router request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", strings.NewReader(string(body)))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build router request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.HTTP.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("router stream request: %w", err)
	}

	if resp.StatusCode >= 400 {
		err := enrichUpstreamError(resp)
		resp.Body.Close()
		cancel()
		return nil, err
	}

	ch := make(chan StreamChunk, 64)
	go func() {
		defer cancel()
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, sseInitialBuffer), sseMaxBuffer)

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}

			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				ch <- StreamChunk{Done: true}
				return
			}

			var chunk Chunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				ch <- StreamChunk{Err: fmt.Errorf("decode stream chunk: %w", err)}
				return
			}
			ch <- StreamChunk{Chunk: chunk}
		}

		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Err: fmt.Errorf("router stream read: %w", err)}
			return
		}

		ch <- StreamChunk{Done: true}
	}()

	return ch, nil
}

// routerModel is one entry of Router's GET /v1/models response.
type routerModel struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"display_name"`
	InputModalities   []string `json:"input_modalities"`
	OutputModalities  []string `json:"output_modalities"`
	ContextWindow     int      `json:"context_window"`
	MaxOutputTokens   int      `json:"max_output_tokens"`
	PricePerKInput    float64  `json:"price_per_k_input"`
	PricePerKOutput   float64  `json:"price_per_k_output"`
	SupportsReasoning bool     `json:"supports_reasoning"`
	Free              bool     `json:"free"`
	Deprecated        bool     `json:"deprecated"`
}

type routerModelList struct {
	Data []routerModel `json:"data"`
}

// FetchModels implements catalog.Fetcher: retrieves Router's published
// model list and adapts it to the gateway's own ModelDescriptor shape.
func (c *Client) FetchModels(ctx context.Context) ([]catalog.ModelDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build router models request: %w", err)
	}

	var out routerModelList
	var statusErr error
	doErr := c.client.Do(httpReq, func(r *http.Response) error {
		if r.StatusCode >= 400 {
			statusErr = enrichUpstreamError(r)
			return nil
		}
		return json.NewDecoder(r.Body).Decode(&out)
	})
	if doErr != nil {
		return nil, fmt.Errorf("router models request: %w", doErr)
	}
	if statusErr != nil {
		return nil, statusErr
	}

	models := make([]catalog.ModelDescriptor, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, catalog.ModelDescriptor{
			ID:                m.ID,
			DisplayName:       m.DisplayName,
			InputModalities:   m.InputModalities,
			OutputModalities:  m.OutputModalities,
			ContextWindow:     m.ContextWindow,
			MaxOutputTokens:   m.MaxOutputTokens,
			PricePerKInput:    m.PricePerKInput,
			PricePerKOutput:   m.PricePerKOutput,
			SupportsReasoning: m.SupportsReasoning,
			Free:              m.Free,
			Deprecated:        m.Deprecated,
		})
	}

	return models, nil
}

func sleepJitter(ctx context.Context) error {
	d := time.Duration(rand.Int64N(int64(retryJitterMax)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isTransportRetryable(err error) bool {
	// Any transport-level failure (connect refused/reset, timeout dialing)
	// that never reached a response is treated as transient.
	return err != nil
}

func isStatusRetryable(err error) bool {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case apierr.CodeUpstreamError, apierr.CodeModelUnavailable:
		return true
	default:
		return false
	}
}

// enrichUpstreamError reads up to 2KiB of the error body and maps the
// response onto the taxonomy, preserving upstream requestId and rate-limit
// headers for diagnostics.
func enrichUpstreamError(r *http.Response) error {
	const maxBody = 2 * 1024
	limited := io.LimitReader(r.Body, maxBody)
	snippet, _ := io.ReadAll(limited)

	requestID := r.Header.Get("X-Request-Id")
	retryAfter := r.Header.Get("Retry-After")

	detail := fmt.Sprintf("upstream status %d (requestId=%q retryAfter=%q): %s",
		r.StatusCode, requestID, retryAfter, truncate(string(snippet), 500))

	switch {
	case r.StatusCode == http.StatusTooManyRequests:
		return apierr.NewUpstreamRejected("%s", detail)
	case r.StatusCode == http.StatusServiceUnavailable || r.StatusCode == http.StatusNotFound:
		return apierr.NewModelUnavailable("%s", detail)
	case r.StatusCode >= 500:
		return apierr.NewUpstreamError(nil, "%s", detail)
	case r.StatusCode >= 400:
		return apierr.NewUpstreamRejected("%s", detail)
	default:
		return apierr.NewUpstreamError(nil, "%s", detail)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
