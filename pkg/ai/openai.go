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
)

// OpenAI defaults.
const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "gpt-3.5-turbo"
)

// OpenAIGenerator calls the OpenAI chat-completions API.
type OpenAIGenerator struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// Model to complete with. Default: DefaultOpenAIModel.
	Model string

	// BaseURL overrides the API endpoint, e.g. for a proxy.
	// Default: DefaultOpenAIBaseURL.
	BaseURL string

	// Client is the HTTP client to use. Default: a client with a 90 s
	// timeout.
	Client *http.Client
}

type openAIRequest struct {
	Model    string `json:"model"`
	Messages []Turn `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt []Turn) (string, error) {
	if g.APIKey == "" {
		return "", errors.New("ai: OpenAI API key not set")
	}
	model := g.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	baseURL := g.BaseURL
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}

	body, err := json.Marshal(openAIRequest{Model: model, Messages: prompt})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.APIKey)

	resp, err := g.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var parsed openAIResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("ai: decoding OpenAI response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("ai: OpenAI: %s", parsed.Error.Message)
		}
		return "", fmt.Errorf("ai: OpenAI returned status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("ai: OpenAI returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (g *OpenAIGenerator) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return &http.Client{Timeout: 90 * time.Second}
}
