// Package deepseek implements llm.Provider on the DeepSeek API. DeepSeek
// speaks the OpenAI wire protocol, so the client reuses the OpenAI SDK with a
// different endpoint.
package deepseek

import (
	"context"
	"errors"
	"fmt"

	"github.com/companionkit/graphmem-go/pkg/llm"
	openai "github.com/sashabaranov/go-openai"
)

const defaultBaseURL = "https://api.deepseek.com"

// Client is a DeepSeek-backed llm.Provider.
type Client struct {
	client *openai.Client
	model  string
}

// Config contains configuration for creating a DeepSeek client.
type Config struct {
	// APIKey is the DeepSeek API key (required).
	APIKey string

	// Model is the chat model name (default: "deepseek-chat").
	Model string

	// BaseURL overrides the API endpoint (default: the official endpoint).
	BaseURL string
}

// NewClient creates a DeepSeek client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepseek: API key is required")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = defaultBaseURL
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = "deepseek-chat"
	}

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

// Generate completes a single prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

// GenerateWithMessages completes a conversation.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	options := llm.ApplyGenerateOptions(opts)

	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMessages,
		Temperature: float32(options.Temperature),
		MaxTokens:   options.MaxTokens,
		TopP:        float32(options.TopP),
		Stop:        options.Stop,
	})
	if err != nil {
		return "", fmt.Errorf("GenerateWithMessages: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("GenerateWithMessages: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Close is a no-op; the underlying SDK holds no connections to release.
func (c *Client) Close() error {
	return nil
}
