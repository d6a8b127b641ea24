// Package qwen implements llm.Provider on the Alibaba Cloud DashScope text
// generation API for Qwen models.
package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/companionkit/graphmem-go/pkg/llm"
)

const (
	defaultBaseURL = "https://dashscope.aliyuncs.com/api/v1"
	defaultModel   = "qwen-plus"
)

// Client is a DashScope-backed llm.Provider.
type Client struct {
	client  *http.Client
	apiKey  string
	model   string
	baseURL string
}

// Config contains configuration for creating a Qwen client.
type Config struct {
	// APIKey is the DashScope API key (required).
	APIKey string

	// Model is the Qwen model name (default: "qwen-plus").
	Model string

	// BaseURL overrides the API endpoint (default: the official endpoint).
	BaseURL string

	// HTTPClient is a custom HTTP client (a 30s-timeout default if nil).
	HTTPClient *http.Client
}

// NewClient creates a Qwen client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("qwen: API key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		client:  client,
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: baseURL,
	}, nil
}

// Generate completes a single prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

// dashScopeRequest is the DashScope text-generation request body.
type dashScopeRequest struct {
	Model      string              `json:"model"`
	Input      dashScopeInput      `json:"input"`
	Parameters dashScopeParameters `json:"parameters"`
}

type dashScopeInput struct {
	Messages []llm.Message `json:"messages"`
}

type dashScopeParameters struct {
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	TopP        float64  `json:"top_p"`
	Stop        []string `json:"stop,omitempty"`
}

// GenerateWithMessages completes a conversation via the DashScope HTTP API.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	options := llm.ApplyGenerateOptions(opts)

	body, err := json.Marshal(dashScopeRequest{
		Model: c.model,
		Input: dashScopeInput{Messages: messages},
		Parameters: dashScopeParameters{
			Temperature: options.Temperature,
			MaxTokens:   options.MaxTokens,
			TopP:        options.TopP,
			Stop:        options.Stop,
		},
	})
	if err != nil {
		return "", fmt.Errorf("GenerateWithMessages: %w", err)
	}

	url := c.baseURL + "/services/aigc/text-generation/generation"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("GenerateWithMessages: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("GenerateWithMessages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("GenerateWithMessages: status %d: %s", resp.StatusCode, string(detail))
	}

	var response struct {
		Output struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("GenerateWithMessages: %w", err)
	}

	if len(response.Output.Choices) == 0 {
		return "", errors.New("GenerateWithMessages: no choices returned")
	}
	return response.Output.Choices[0].Message.Content, nil
}

// Close is a no-op; the HTTP client holds no connections to release.
func (c *Client) Close() error {
	return nil
}
