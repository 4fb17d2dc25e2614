package gpt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	YandexGPTEndpoint = "https://llm.api.cloud.yandex.net/foundationModels/v1/completion"
)

// ErrGenerationUnavailable is returned when the completion backend fails or
// times out.
var ErrGenerationUnavailable = errors.New("response generation unavailable")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a message in the conversation
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Completer requests one chat completion.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// CompletionOptions represents the options for the completion
type CompletionOptions struct {
	Stream      bool    `json:"stream"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

// Request represents the request to the Yandex GPT API
type Request struct {
	ModelURI          string            `json:"modelUri"`
	CompletionOptions CompletionOptions `json:"completionOptions"`
	Messages          []Message         `json:"messages"`
}

// Alternative represents an alternative response
type Alternative struct {
	Message Message `json:"message"`
	Status  string  `json:"status"`
}

// Response represents the response from the Yandex GPT API
type Response struct {
	Result struct {
		Alternatives []Alternative `json:"alternatives"`
		Usage        struct {
			InputTextTokens  string `json:"inputTextTokens"`
			CompletionTokens string `json:"completionTokens"`
			TotalTokens      string `json:"totalTokens"`
		} `json:"usage"`
		ModelVersion string `json:"modelVersion"`
	} `json:"result"`
}

// YandexConfig selects the model and sampling options for YandexGPT.
type YandexConfig struct {
	FolderID    string
	IAMToken    string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Client is a client for the Yandex GPT API
type Client struct {
	Endpoint   string
	HTTPClient *http.Client
	config     YandexConfig
}

var _ Completer = (*Client)(nil)

// NewClient creates a new Yandex GPT client
func NewClient(config YandexConfig) *Client {
	if config.Model == "" {
		config.Model = "yandexgpt-lite/latest"
	}
	return &Client{
		Endpoint:   YandexGPTEndpoint,
		HTTPClient: &http.Client{},
		config:     config,
	}
}

// ModelURI returns the gpt:// URI for the configured folder and model.
func (c *Client) ModelURI() string {
	if strings.HasPrefix(c.config.Model, "gpt://") {
		return c.config.Model
	}
	return fmt.Sprintf("gpt://%s/%s", c.config.FolderID, c.config.Model)
}

// Complete sends a completion request to the Yandex GPT API and returns the
// first alternative's text.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	req := Request{
		ModelURI: c.ModelURI(),
		CompletionOptions: CompletionOptions{
			MaxTokens:   c.config.MaxTokens,
			Temperature: c.config.Temperature,
		},
		Messages: messages,
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.IAMToken)
	httpReq.Header.Set("x-folder-id", c.config.FolderID)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response Response
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	for _, alt := range response.Result.Alternatives {
		if text := strings.TrimSpace(alt.Message.Text); text != "" {
			return text, nil
		}
	}
	return "", errors.New("response has no alternatives")
}
