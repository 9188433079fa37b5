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

const ollamaTimeout = 30 * time.Second

type ollamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func newOllamaClient(p *Provider) *ollamaClient {
	baseURL := strings.TrimSuffix(p.Config.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &ollamaClient{
		baseURL:    baseURL,
		model:      p.Config.Model,
		httpClient: &http.Client{Timeout: ollamaTimeout},
	}
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

// resolveModel auto-selects the first installed model when none is
// configured.
func (c *ollamaClient) resolveModel(ctx context.Context, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if c.model != "" {
		return c.model, nil
	}
	models, err := c.Models(ctx)
	if err != nil {
		return "", err
	}
	if len(models) == 0 {
		return "", fmt.Errorf("no models installed on ollama host")
	}
	return models[0], nil
}

func (c *ollamaClient) options(in ChatRequest) map[string]any {
	opts := map[string]any{}
	if in.Temperature != nil {
		opts["temperature"] = *in.Temperature
	}
	if in.MaxTokens > 0 {
		opts["num_predict"] = in.MaxTokens
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

func (c *ollamaClient) Chat(ctx context.Context, in ChatRequest) (*ChatResponse, error) {
	model, err := c.resolveModel(ctx, in.Model)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: in.Messages,
		Stream:   false,
		Options:  c.options(in),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, vendorError(resp)
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &ChatResponse{
		ID:        uuid.NewString(),
		Model:     out.Model,
		CreatedAt: time.Now().UTC(),
		Usage: Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
		Choices: []Choice{{
			Message:      ChatMessage{Role: "assistant", Content: out.Message.Content},
			FinishReason: "stop",
		}},
		FinishReason: "stop",
	}, nil
}

func (c *ollamaClient) Stream(ctx context.Context, in ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model, err := c.resolveModel(ctx, in.Model)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: in.Messages,
		Stream:   true,
		Options:  c.options(in),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, vendorError(resp)
	}

	requestID := uuid.NewString()
	var content strings.Builder
	var usage Usage

	// Ollama streams newline-delimited JSON objects, not SSE.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		var chunk ollamaResponse
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			continue
		}
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			onChunk(StreamChunk{RequestID: requestID, Content: chunk.Message.Content})
		}
		if chunk.Done {
			usage = Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
			break
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading stream: %w", err)
	}
	onChunk(StreamChunk{RequestID: requestID, Finished: true})

	return &ChatResponse{
		ID:           requestID,
		Model:        model,
		CreatedAt:    time.Now().UTC(),
		Usage:        usage,
		FinishReason: "stop",
		Choices: []Choice{{
			Message:      ChatMessage{Role: "assistant", Content: content.String()},
			FinishReason: "stop",
		}},
	}, nil
}

func (c *ollamaClient) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
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
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}
	models := make([]string, len(out.Models))
	for i, m := range out.Models {
		models[i] = m.Name
	}
	return models, nil
}
