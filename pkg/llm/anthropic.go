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

const (
	anthropicTimeout = 45 * time.Second
	anthropicVersion = "2023-06-01"
)

type anthropicClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func newAnthropicClient(p *Provider, apiKey string) *anthropicClient {
	baseURL := strings.TrimSuffix(p.Config.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &anthropicClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      p.Config.Model,
		httpClient: &http.Client{Timeout: anthropicTimeout},
	}
}

type anthropicRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// splitSystem extracts role=system turns; the Anthropic API takes the
// system prompt as a top-level field, not a message.
func splitSystem(messages []ChatMessage) (string, []ChatMessage) {
	var system []string
	rest := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n"), rest
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

func (c *anthropicClient) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func (c *anthropicClient) Chat(ctx context.Context, in ChatRequest) (*ChatResponse, error) {
	model := in.Model
	if model == "" {
		model = c.model
	}
	system, rest := splitSystem(in.Messages)
	maxTokens := in.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       model,
		System:      system,
		Messages:    rest,
		MaxTokens:   maxTokens,
		Temperature: in.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := c.newRequest(ctx, body)
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

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	finish := mapStopReason(out.StopReason)
	return &ChatResponse{
		ID:        out.ID,
		Model:     out.Model,
		CreatedAt: time.Now().UTC(),
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
		Choices: []Choice{{
			Message:      ChatMessage{Role: "assistant", Content: text.String()},
			FinishReason: finish,
		}},
		FinishReason: finish,
	}, nil
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

func (c *anthropicClient) Stream(ctx context.Context, in ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model := in.Model
	if model == "" {
		model = c.model
	}
	system, rest := splitSystem(in.Messages)
	maxTokens := in.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       model,
		System:      system,
		Messages:    rest,
		MaxTokens:   maxTokens,
		Temperature: in.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := c.newRequest(ctx, body)
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
		var evt anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "content_block_delta":
			if evt.Delta.Text != "" {
				content.WriteString(evt.Delta.Text)
				onChunk(StreamChunk{RequestID: requestID, Content: evt.Delta.Text})
			}
		case "message_delta":
			if evt.Delta.StopReason != "" {
				finishReason = mapStopReason(evt.Delta.StopReason)
			}
		case "message_stop":
			// fall through to EOF
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

// Models returns the configured model; Anthropic has no list endpoint
// compatible with the registry's discovery flow.
func (c *anthropicClient) Models(ctx context.Context) ([]string, error) {
	if c.model != "" {
		return []string{c.model}, nil
	}
	return nil, nil
}
