package gpt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	GroqBaseURL      = "https://api.groq.com/openai/v1"
	DefaultGroqModel = "llama-3.1-8b-instant"
)

type GroqConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// GroqCompleter talks to Groq's OpenAI-compatible chat completions API.
type GroqCompleter struct {
	client openai.Client
	config GroqConfig
}

var _ Completer = (*GroqCompleter)(nil)

func NewGroqCompleter(config GroqConfig) *GroqCompleter {
	if config.BaseURL == "" {
		config.BaseURL = GroqBaseURL
	}
	if config.Model == "" {
		config.Model = DefaultGroqModel
	}
	return &GroqCompleter{
		client: openai.NewClient(
			option.WithAPIKey(config.APIKey),
			option.WithBaseURL(config.BaseURL),
			// Generator owns the retry policy.
			option.WithMaxRetries(0),
		),
		config: config,
	}
}

func (g *GroqCompleter) Complete(ctx context.Context, messages []Message) (string, error) {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		converted = append(converted, convertToOpenaiMsg(msg))
	}

	params := openai.ChatCompletionNewParams{
		Messages:    converted,
		Model:       openai.ChatModel(g.config.Model),
		Temperature: openai.Float(g.config.Temperature),
	}
	if g.config.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(g.config.MaxTokens))
	}

	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("completion has no choices")
	}
	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("completion is empty")
	}
	return text, nil
}

func convertToOpenaiMsg(msg Message) openai.ChatCompletionMessageParamUnion {
	switch msg.Role {
	case RoleAssistant:
		return openai.AssistantMessage(msg.Text)
	case RoleSystem:
		return openai.SystemMessage(msg.Text)
	}
	return openai.UserMessage(msg.Text)
}
