// Package model provides ModelHandle implementations for the scheduler.
// The HTTP client here targets any OpenAI-compatible /completions
// endpoint (LM Studio, llama.cpp server, vLLM).
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ods-labs/agentrt/internal/scheduler"
)

// LMStudioClient drives an OpenAI-compatible completion API as the
// shared model handle. The HTTP backend manages its own KV state per
// request, so conditioning-state snapshots pass through untouched: the
// scheduler's LRU still round-trips them, but this backend derives no
// benefit from them.
type LMStudioClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewLMStudioClient creates a completion client against baseURL (e.g.
// "http://localhost:1234/v1") using the named model.
func NewLMStudioClient(baseURL, model string) *LMStudioClient {
	return &LMStudioClient{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type completionRequest struct {
	Model            string  `json:"model"`
	Prompt           string  `json:"prompt"`
	MaxTokens        int     `json:"max_tokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	TopP             float64 `json:"top_p,omitempty"`
	PresencePenalty  float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64 `json:"frequency_penalty,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Generate implements scheduler.ModelHandle over the completion API.
func (c *LMStudioClient) Generate(ctx context.Context, prompt string, params scheduler.DecodingParams, stateIn []byte) (string, []byte, error) {
	req := completionRequest{
		Model:            c.model,
		Prompt:           prompt,
		MaxTokens:        params.MaxTokens,
		Temperature:      params.Temperature,
		TopP:             params.TopP,
		PresencePenalty:  params.PresencePenalty,
		FrequencyPenalty: params.FrequencyPenalty,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/completions", bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("failed to call completion API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", nil, fmt.Errorf("completion API error: %s - %s", resp.Status, string(respBody))
	}

	var compResp completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&compResp); err != nil {
		return "", nil, fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(compResp.Choices) == 0 {
		return "", nil, fmt.Errorf("no completion returned")
	}

	return compResp.Choices[0].Text, stateIn, nil
}
