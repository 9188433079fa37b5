package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const openAITimeout = 30 * time.Second

// openAIClient speaks the OpenAI chat-completions dialect. Custom
// providers reuse it: they are assumed OpenAI-compatible unless a
// dedicated test endpoint says otherwise.
type openAIClient struct {
	baseURL      string
	apiKey       string
	model        string
	organization string
	httpClient   *http.Client
}

func newOpenAIClient(p *Provider, apiKey string) *openAIClient {
	baseURL := strings.TrimSuffix(p.Config.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := openAITimeout
	if p.Type == TypeCustom && p.Config.TimeoutSec > 0 {
		timeout = time.Duration(p.Config.TimeoutSec) * time.Second
	}
	return &openAIClient{
		baseURL:      baseURL,
		apiKey:       apiKey,
		model:        p.Config.Model,
		organization: p.Config.Organization,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *openAIClient) newRequest(ctx context.Context, body []byte, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.organization != "" {
		req.Header.Set("OpenAI-Organization", c.organization)
	}
	return req, nil
}

func (c *openAIClient) Chat(ctx context.Context, in ChatRequest) (*ChatResponse, error) {
	model := in.Model
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(openAIRequest{
		Model:       model,
		Messages:    in.Messages,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := c.newRequest(ctx, body, "/chat/completions")
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, vendorError(resp)
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return c.normalize(&out), nil
}

func (c *openAIClient) normalize(out *openAIResponse) *ChatResponse {
	resp := &ChatResponse{
		ID:        out.ID,
		Model:     out.Model,
		CreatedAt: time.Unix(out.Created, 0).UTC(),
		Usage: Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	if out.Created == 0 {
		resp.CreatedAt = time.Now().UTC()
	}
	for _, ch := range out.Choices {
		resp.Choices = append(resp.Choices, Choice{
			Message:      ChatMessage{Role: ch.Message.Role, Content: ch.Message.Content},
			FinishReason: ch.FinishReason,
		})
		resp.FinishReason = ch.FinishReason
	}
	return resp
}

func (c *openAIClient) Stream(ctx context.Context, in ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model := in.Model
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(openAIRequest{
		Model:       model,
		Messages:    in.Messages,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := c.newRequest(ctx, body, "/chat/completions")
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, vendorError(resp)
	}

	requestID := uuid.NewString()
	var content strings.Builder
	finishReason := "stop"

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("reading stream: %w", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk openAIResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content != "" {
				content.WriteString(ch.Delta.Content)
				onChunk(StreamChunk{RequestID: requestID, Content: ch.Delta.Content})
			}
			if ch.FinishReason != "" {
				finishReason = ch.FinishReason
			}
		}
	}
	onChunk(StreamChunk{RequestID: requestID, Finished: true})

	return &ChatResponse{
		ID:           requestID,
		Model:        model,
		CreatedAt:    time.Now().UTC(),
		FinishReason: finishReason,
		Choices: []Choice{{
			Message:      ChatMessage{Role: "assistant", Content: content.String()},
			FinishReason: finishReason,
		}},
	}, nil
}

func (c *openAIClient) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, vendorError(resp)
	}
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}
	models := make([]string, len(out.Data))
	for i, m := range out.Data {
		models[i] = m.ID
	}
	return models, nil
}

// vendorError preserves the upstream status so the retry policy can
// distinguish client errors from transient server failures.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Body)
}

func vendorError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
