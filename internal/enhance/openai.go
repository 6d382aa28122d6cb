package enhance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// openAIChat implements the OpenAI chat-completions schema, shared by every
// provider exposing an OpenAI-compatible endpoint.
type openAIChat struct {
	baseProvider
}

// NewOpenAI creates the OpenAI provider.
func NewOpenAI(cfg ProviderConfig) Provider {
	return &openAIChat{
		baseProvider: newBaseProvider("openai", cfg, ProviderConfig{
			Endpoint: "https://api.openai.com/v1",
			Model:    "gpt-4o-mini",
		}),
	}
}

// NewGroq creates the Groq provider (OpenAI-compatible API).
func NewGroq(cfg ProviderConfig) Provider {
	return &groqChat{openAIChat{
		baseProvider: newBaseProvider("groq", cfg, ProviderConfig{
			Endpoint: "https://api.groq.com/openai/v1",
			Model:    "llama-3.3-70b-versatile",
		}),
	}}
}

type groqChat struct{ openAIChat }

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
}

// Enhance sends the transcript through the chat completions endpoint.
func (p *openAIChat) Enhance(ctx context.Context, text, prompt string) (string, error) {
	reqBody := openAIChatRequest{
		Model: p.config.Model,
		Messages: []openAIMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: text},
		},
		Temperature: 0.3,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return "", &statusError{status: resp.StatusCode, body: string(bodyBytes)}
	}

	var parsed openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}
