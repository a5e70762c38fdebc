package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ollama defaults.
const (
	DefaultOllamaURL   = "http://127.0.0.1:11434"
	DefaultOllamaModel = "mistral"
)

// OllamaGenerator calls a local Ollama server's chat API.
type OllamaGenerator struct {
	// URL of the Ollama server. Default: DefaultOllamaURL.
	URL string

	// Model to chat with. Default: DefaultOllamaModel.
	Model string

	// Client is the HTTP client to use. Default: a client with a 90 s
	// timeout.
	Client *http.Client
}

type ollamaRequest struct {
	Model    string `json:"model"`
	Messages []Turn `json:"messages"`
	Stream   bool   `json:"stream"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error"`
}

// Generate implements Generator.
func (g *OllamaGenerator) Generate(ctx context.Context, prompt []Turn) (string, error) {
	url := g.URL
	if url == "" {
		url = DefaultOllamaURL
	}
	model := g.Model
	if model == "" {
		model = DefaultOllamaModel
	}

	body, err := json.Marshal(ollamaRequest{Model: model, Messages: prompt, Stream: false})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var parsed ollamaResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("ai: decoding Ollama response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ai: Ollama: %s", parsed.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ai: Ollama returned status %d", resp.StatusCode)
	}
	return parsed.Message.Content, nil
}

func (g *OllamaGenerator) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return &http.Client{Timeout: 90 * time.Second}
}
