// Package llm abstracts the chat-completion providers behind the entity
// extraction pipeline. Providers are interchangeable: the extractor only
// needs a message-in, text-out call with sampling controls.
package llm

import "context"

// Provider is a chat-completion backend.
//
// Implementations exist for OpenAI, Qwen (DashScope), and DeepSeek. All of
// them must honor context cancellation, since extraction attempts run under
// the dispatcher's per-event timeout.
type Provider interface {
	// Generate completes a single prompt.
	Generate(ctx context.Context, prompt string, opts ...GenerateOption) (string, error)

	// GenerateWithMessages completes a conversation. The extractor uses this
	// form to carry its system prompt separately from the turn text.
	GenerateWithMessages(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error)

	// Close releases provider resources.
	Close() error
}

// Message is one conversation message.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`
}

// GenerateOptions holds the sampling parameters for one call.
type GenerateOptions struct {
	// Temperature controls sampling randomness. Extraction calls want values
	// near zero so the JSON output stays stable.
	Temperature float64

	// MaxTokens bounds the response length.
	MaxTokens int

	// TopP is the nucleus sampling cutoff.
	TopP float64

	// Stop sequences end generation early.
	Stop []string
}

// GenerateOption configures one generation call.
type GenerateOption func(*GenerateOptions)

// WithTemperature sets the sampling temperature.
//
// Example:
//
//	text, _ := provider.Generate(ctx, prompt, llm.WithTemperature(0.1))
func WithTemperature(temp float64) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.Temperature = temp
	}
}

// WithMaxTokens bounds the response length.
func WithMaxTokens(max int) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.MaxTokens = max
	}
}

// WithTopP sets the nucleus sampling cutoff.
func WithTopP(topP float64) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.TopP = topP
	}
}

// WithStop sets the stop sequences.
func WithStop(stop ...string) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.Stop = stop
	}
}

// ApplyGenerateOptions resolves a call's options against the defaults
// (Temperature 0.2, MaxTokens 1024, TopP 1.0). Used by provider
// implementations.
func ApplyGenerateOptions(opts []GenerateOption) *GenerateOptions {
	options := &GenerateOptions{
		Temperature: 0.2,
		MaxTokens:   1024,
		TopP:        1.0,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}
