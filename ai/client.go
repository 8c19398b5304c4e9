// Copyright 2025 Takos
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"takos/platform/shared/apperror"
)

const (
	// DefaultCallTimeout bounds one provider round trip when the caller
	// sets nothing.
	DefaultCallTimeout = 60 * time.Second

	defaultMaxTokens = 1024
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ChatMessage is one turn in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the unified chat request the bridge translates per dialect.
type ChatRequest struct {
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
	Model       string
}

// ChatResponse is the unified chat result.
type ChatResponse struct {
	Content      string
	Model        string
	FinishReason string
	InputTokens  int
	OutputTokens int
}

// EmbeddingsRequest asks for one vector per input string.
type EmbeddingsRequest struct {
	Input []string
	Model string
}

// EmbeddingsResponse carries the vectors in input order.
type EmbeddingsResponse struct {
	Vectors [][]float64
	Model   string
}

// Client is the HTTP bridge to AI providers. It is synchronous
// request/response only; streaming is rejected upstream at the gateway.
type Client struct {
	httpClient HTTPClient
	timeout    time.Duration
}

// NewClient creates a bridge with the default timeout.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: DefaultCallTimeout},
		timeout:    DefaultCallTimeout,
	}
}

// SetHTTPClient replaces the underlying client. Test hook.
func (c *Client) SetHTTPClient(client HTTPClient) {
	c.httpClient = client
}

// ChatCompletion runs one chat call against the resolved provider. Claude
// speaks its own messages dialect; every other supported type takes the
// OpenAI-compatible chat completions surface.
func (c *Client) ChatCompletion(ctx context.Context, call *ResolvedCall, req ChatRequest) (*ChatResponse, error) {
	if call == nil {
		return nil, apperror.ServiceUnavailable("no ai provider resolved")
	}
	if call.Type == ProviderClaude {
		return c.chatClaude(ctx, call, req)
	}
	return c.chatOpenAI(ctx, call, req)
}

type openAIChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) chatOpenAI(ctx context.Context, call *ResolvedCall, req ChatRequest) (*ChatResponse, error) {
	body := openAIChatRequest{
		Model:       modelFor(call, req.Model),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, ChatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, req.Messages...)

	var parsed openAIChatResponse
	if err := c.post(ctx, call, "/v1/chat/completions", body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, apperror.Upstream(nil, "provider %q returned no choices", call.ID)
	}
	return &ChatResponse{
		Content:      parsed.Choices[0].Message.Content,
		Model:        parsed.Model,
		FinishReason: parsed.Choices[0].FinishReason,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

type claudeChatRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []ChatMessage `json:"messages"`
}

type claudeChatResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) chatClaude(ctx context.Context, call *ResolvedCall, req ChatRequest) (*ChatResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body := claudeChatRequest{
		Model:     modelFor(call, req.Model),
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  req.Messages,
	}

	var parsed claudeChatResponse
	if err := c.post(ctx, call, "/v1/messages", body, &parsed); err != nil {
		return nil, err
	}
	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &ChatResponse{
		Content:      text,
		Model:        parsed.Model,
		FinishReason: parsed.StopReason,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

type openAIEmbeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingsResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embeddings runs one embeddings call. Claude has no embeddings surface.
func (c *Client) Embeddings(ctx context.Context, call *ResolvedCall, req EmbeddingsRequest) (*EmbeddingsResponse, error) {
	if call == nil {
		return nil, apperror.ServiceUnavailable("no ai provider resolved")
	}
	if call.Type == ProviderClaude {
		return nil, apperror.InvalidRequest("provider %q does not support embeddings", call.ID)
	}
	if len(req.Input) == 0 {
		return nil, apperror.InvalidRequest("embeddings input is empty")
	}

	body := openAIEmbeddingsRequest{Model: modelFor(call, req.Model), Input: req.Input}
	var parsed openAIEmbeddingsResponse
	if err := c.post(ctx, call, "/v1/embeddings", body, &parsed); err != nil {
		return nil, err
	}

	vectors := make([][]float64, len(parsed.Data))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, apperror.Upstream(nil, "provider %q returned an out-of-range embedding index", call.ID)
		}
		vectors[d.Index] = d.Embedding
	}
	return &EmbeddingsResponse{Vectors: vectors, Model: parsed.Model}, nil
}

func (c *Client) post(ctx context.Context, call *ResolvedCall, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperror.Wrap(apperror.CodeInternal, err, "marshaling provider request failed")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, call.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperror.Wrap(apperror.CodeInternal, err, "building provider request failed")
	}
	for name, value := range call.Headers {
		req.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperror.SandboxTimeout("provider %q timed out", call.ID)
		}
		return apperror.Upstream(err, "provider %q is unreachable", call.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperror.Upstream(fmt.Errorf("status %d: %s", resp.StatusCode, raw),
			"provider %q call failed", call.ID)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperror.Upstream(err, "decoding provider %q response failed", call.ID)
	}
	return nil
}

func modelFor(call *ResolvedCall, override string) string {
	if override != "" {
		return override
	}
	return call.Model
}
