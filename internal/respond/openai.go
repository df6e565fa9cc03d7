package respond

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider calls the OpenAI chat completion API, or any
// compatible endpoint when a base URL override is supplied.
type OpenAIProvider struct {
	apiKey  string
	client  *openai.Client
	baseURL string
}

// NewOpenAIProvider creates the provider. An empty API key defers the
// error to call time.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	p := &OpenAIProvider{apiKey: apiKey, baseURL: baseURL}
	if apiKey != "" {
		p.client = p.newClient(baseURL)
	}
	return p
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete runs a single non-streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, systemPrompt, userMessage string, opts Options) (string, error) {
	if p.apiKey == "" {
		return "", errors.New("openai: API key not configured")
	}

	client := p.client
	if opts.BaseURL != "" && opts.BaseURL != p.baseURL {
		client = p.newClient(opts.BaseURL)
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       opts.Model,
		Temperature: opts.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMessage},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) newClient(baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(p.apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}
