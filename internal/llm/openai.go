package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIClient drives any chat-completions-compatible endpoint; both
// DeepSeek and Grok expose one.
type OpenAIClient struct {
	name   string
	model  string
	client openai.Client
}

// NewDeepSeek builds the DeepSeek forecasting client.
func NewDeepSeek(apiKey string) *OpenAIClient {
	return newOpenAICompatible("deepseek", DeepSeekModel, DeepSeekBaseURL, apiKey)
}

// NewGrok builds the xAI Grok forecasting client.
func NewGrok(apiKey string) *OpenAIClient {
	return newOpenAICompatible("grok", GrokModel, GrokBaseURL, apiKey)
}

func newOpenAICompatible(name, model, baseURL, apiKey string) *OpenAIClient {
	return &OpenAIClient{
		name:  name,
		model: model,
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(baseURL),
		),
	}
}

func (c *OpenAIClient) Name() string { return c.name }

func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxOutputTokens),
	})
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", c.name, err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New(c.name + " completion: no choices returned")
	}
	return completion.Choices[0].Message.Content, nil
}
