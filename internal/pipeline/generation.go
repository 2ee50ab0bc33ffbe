package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GenerationConfig contains reply generation client configuration
type GenerationConfig struct {
	Endpoint      string
	Model         string
	MaxTokens     int
	Temperature   float64
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// ChatMessage is one turn in the generation context window
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest carries the user turn plus optional history and the
// conversation identity when one is already assigned
type GenerateRequest struct {
	Text           string
	History        []ChatMessage
	ConversationID string
	Language       string
}

// Generation is the result of one generation call. ConversationID is set
// when the server assigned an id, which promotes a temporary conversation.
type Generation struct {
	Reply          string
	ConversationID string
}

// chatCompletionRequest is the wire shape of a generation call
type chatCompletionRequest struct {
	Model          string        `json:"model"`
	Messages       []ChatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Language       string        `json:"language,omitempty"`
}

// chatCompletionResponse is the wire shape of a generation reply
type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// GenerationClient talks to the reply generation collaborator using the
// chat-completions wire shape.
type GenerationClient struct {
	config GenerationConfig
	caller *caller
}

// NewGenerationClient creates a reply generation client
func NewGenerationClient(config GenerationConfig) (*GenerationClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Model == "" {
		config.Model = "default"
	}

	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}

	return &GenerationClient{
		config: config,
		caller: newCaller(callerConfig{
			timeout:       config.Timeout,
			maxRetries:    config.MaxRetries,
			maxConcurrent: config.MaxConcurrent,
		}),
	}, nil
}

// Generate produces a reply for the user turn, threading prior history
// through the context window
func (c *GenerationClient) Generate(ctx context.Context, request GenerateRequest) (*Generation, error) {
	if request.Text == "" {
		return nil, fmt.Errorf("cannot generate from empty text")
	}

	messages := make([]ChatMessage, 0, len(request.History)+1)
	messages = append(messages, request.History...)
	messages = append(messages, ChatMessage{Role: "user", Content: request.Text})

	payload := chatCompletionRequest{
		Model:          c.config.Model,
		Messages:       messages,
		MaxTokens:      c.config.MaxTokens,
		Temperature:    c.config.Temperature,
		ConversationID: request.ConversationID,
		Language:       request.Language,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode generation request: %w", err)
	}

	resp, err := c.caller.call(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.config.Endpoint+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var result chatCompletionResponse
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse generation response: %w", err)
	}

	if len(result.Choices) == 0 {
		return &Generation{ConversationID: result.ConversationID}, nil
	}

	return &Generation{
		Reply:          result.Choices[0].Message.Content,
		ConversationID: result.ConversationID,
	}, nil
}

// Health probes the generator's health endpoint
func (c *GenerationClient) Health(ctx context.Context) error {
	return c.caller.health(ctx, c.config.Endpoint+"/health")
}

// GetStats returns client statistics
func (c *GenerationClient) GetStats() CallerStats {
	return c.caller.GetStats()
}
