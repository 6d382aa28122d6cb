package enhance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ollamaProvider talks to a local Ollama instance. No credential required.
type ollamaProvider struct {
	baseProvider
}

// NewOllama creates the Ollama provider.
func NewOllama(cfg ProviderConfig) Provider {
	return &ollamaProvider{
		baseProvider: newBaseProvider("ollama", cfg, ProviderConfig{
			Endpoint: "http://127.0.0.1:11434",
			Model:    "llama3",
		}),
	}
}

// Available is always true: local inference needs no API key.
func (p *ollamaProvider) Available() bool { return true }

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Enhance sends the transcript through Ollama's chat endpoint.
func (p *ollamaProvider) Enhance(ctx context.Context, text, prompt string) (string, error) {
	reqBody := ollamaRequest{
		Model: p.config.Model,
		Messages: []ollamaMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: text},
		},
		Stream: false,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return "", &statusError{status: resp.StatusCode, body: string(bodyBytes)}
	}

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return parsed.Message.Content, nil
}
