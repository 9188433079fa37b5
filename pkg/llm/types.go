// Package llm hosts the provider registry and the dispatcher that routes
// chat and workflow completions to configured model vendors.
package llm

import "time"

// ProviderType selects the wire dialect for a provider.
type ProviderType string

const (
	TypeOpenAI    ProviderType = "openai"
	TypeAnthropic ProviderType = "anthropic"
	TypeOllama    ProviderType = "ollama"
	TypeCustom    ProviderType = "custom"
)

// ValidProviderType reports whether t names a known dialect.
func ValidProviderType(t ProviderType) bool {
	switch t {
	case TypeOpenAI, TypeAnthropic, TypeOllama, TypeCustom:
		return true
	}
	return false
}

// Purpose partitions default-provider selection.
type Purpose string

const (
	PurposeChat     Purpose = "chat"
	PurposeWorkflow Purpose = "workflow"
)

// ProviderConfig is the per-provider connection block. APIKey is held
// encrypted at rest and omitted from every API response.
type ProviderConfig struct {
	BaseURL      string `json:"baseUrl,omitempty"`
	APIKey       string `json:"-"`
	Model        string `json:"model,omitempty"`
	Organization string `json:"organization,omitempty"`
	TestEndpoint string `json:"testEndpoint,omitempty"`
	TimeoutSec   int    `json:"timeoutSec,omitempty"`
}

// Provider is one registered model vendor.
type Provider struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Type      ProviderType     `json:"type"`
	Config    ProviderConfig   `json:"config"`
	Active    bool             `json:"active"`
	IsDefault map[Purpose]bool `json:"isDefault"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the uniform completion request.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Model       string        `json:"model,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"maxTokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	SessionID   string        `json:"sessionId,omitempty"`
}

// Usage carries token accounting for one completion.
type Usage struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	Cost             float64 `json:"cost"`
}

// Choice is one completion alternative.
type Choice struct {
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finishReason"`
}

// ChatResponse is the normalized vendor response.
type ChatResponse struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Usage        Usage     `json:"usage"`
	Choices      []Choice  `json:"choices"`
	CreatedAt    time.Time `json:"createdAt"`
	FinishReason string    `json:"finishReason"`
	Provider     string    `json:"provider,omitempty"`
	Cached       bool      `json:"cached,omitempty"`
}

// StreamChunk is one fragment of a streaming completion.
type StreamChunk struct {
	RequestID string `json:"requestId"`
	Content   string `json:"content"`
	Finished  bool   `json:"finished"`
}

// WorkflowResult is the structured output of a workflow completion.
type WorkflowResult struct {
	Intent     string         `json:"intent"`
	Parameters map[string]any `json:"parameters"`
	Steps      []string       `json:"steps"`
}

// WorkflowResponse wraps a workflow result with provenance.
type WorkflowResponse struct {
	ID        string         `json:"id"`
	Model     string         `json:"model"`
	Result    WorkflowResult `json:"result"`
	Usage     Usage          `json:"usage"`
	Provider  string         `json:"provider"`
	Timestamp time.Time      `json:"timestamp"`
}

// Template is a reusable prompt with named variables.
type Template struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Template    string    `json:"template"`
	Variables   []string  `json:"variables"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
