package llm

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cloudbro-kube-ai/opshub/pkg/events"
	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
	"github.com/cloudbro-kube-ai/opshub/pkg/logging"
)

type nopBus struct {
	mu    sync.Mutex
	types []string
}

func (b *nopBus) Publish(_ context.Context, _, eventType, _ string, _ map[string]any, _ events.Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.types = append(b.types, eventType)
	return nil
}

func (b *nopBus) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.types {
		if t == eventType {
			n++
		}
	}
	return n
}

// fakeOpenAI serves a minimal chat-completions endpoint.
func fakeOpenAI(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{
				"prompt_tokens":     10,
				"completion_tokens": 5,
				"total_tokens":      15,
			},
		})
	}))
}

func testDispatcher(t *testing.T, baseURL string) (*Dispatcher, *Store, *nopBus) {
	t.Helper()
	store := testStore(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	bus := &nopBus{}
	d := NewDispatcher(store, NewResponseCache(rdb, "t:", 0), bus, rdb, logging.NewNop())

	if baseURL != "" {
		p, err := store.Create(context.Background(), &Provider{
			Name:   "local",
			Type:   TypeOpenAI,
			Active: true,
			Config: ProviderConfig{BaseURL: baseURL, APIKey: "sk-test", Model: "gpt-4o-mini"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := store.SetDefault(context.Background(), p.ID, PurposeChat); err != nil {
			t.Fatal(err)
		}
		if err := store.SetDefault(context.Background(), p.ID, PurposeWorkflow); err != nil {
			t.Fatal(err)
		}
	}
	return d, store, bus
}

func TestDispatchNoProvider(t *testing.T) {
	d, _, _ := testDispatcher(t, "")
	_, err := d.Chat(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	}, "", events.Metadata{})
	var herr *httperr.Error
	if !asHTTPError(err, &herr) || herr.Code != httperr.CodeNoProvider {
		t.Fatalf("err = %v, want NO_PROVIDER", err)
	}
}

func TestDispatchCacheLaw(t *testing.T) {
	srv := fakeOpenAI(t, "hello there")
	defer srv.Close()
	d, _, bus := testDispatcher(t, srv.URL)
	ctx := context.Background()

	req := ChatRequest{Messages: []ChatMessage{{Role: "user", Content: "greet me"}}}
	first, err := d.Chat(ctx, req, "", events.Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.Chat(ctx, req, "", events.Metadata{})
	if err != nil {
		t.Fatal(err)
	}

	if second.ID == first.ID {
		t.Error("cached response must carry a fresh request id")
	}
	if !second.Cached {
		t.Error("second response should be served from cache")
	}
	if second.Choices[0].Message.Content != first.Choices[0].Message.Content {
		t.Error("cached content differs")
	}
	if bus.count(events.CacheHit) != 1 || bus.count(events.CacheMiss) != 1 {
		t.Errorf("cache events: hit=%d miss=%d", bus.count(events.CacheHit), bus.count(events.CacheMiss))
	}
	if bus.count(events.LLMRequestCompleted) != 1 {
		t.Errorf("completed events = %d, want 1 (cache hit returns early)", bus.count(events.LLMRequestCompleted))
	}
}

func TestDispatchNoRetryOn4xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer srv.Close()
	d, _, bus := testDispatcher(t, srv.URL)

	_, err := d.Chat(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	}, "", events.Metadata{})
	if err == nil {
		t.Fatal("4xx must fail the dispatch")
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (no retry on 4xx)", calls)
	}
	if bus.count(events.LLMRequestFailed) != 1 {
		t.Errorf("failed events = %d, want 1", bus.count(events.LLMRequestFailed))
	}
}

func TestDispatchRetriesOn5xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-2",
			"model": "gpt-4o-mini",
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "recovered"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer srv.Close()
	d, _, _ := testDispatcher(t, srv.URL)

	resp, err := d.Chat(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	}, "", events.Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("upstream calls = %d, want 3", calls)
	}
	if resp.Choices[0].Message.Content != "recovered" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
}

func TestWorkflowParsesStructuredOutput(t *testing.T) {
	srv := fakeOpenAI(t, `{"intent":"restart_service","parameters":{"service":"nginx"},"steps":["stop","start"]}`)
	defer srv.Close()
	d, _, _ := testDispatcher(t, srv.URL)

	resp, err := d.Workflow(context.Background(), WorkflowRequest{Prompt: "restart nginx"}, events.Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Result.Intent != "restart_service" {
		t.Errorf("intent = %q", resp.Result.Intent)
	}
	if resp.Result.Parameters["service"] != "nginx" {
		t.Errorf("parameters = %v", resp.Result.Parameters)
	}
}

func TestWorkflowFallbackOnUnparseableOutput(t *testing.T) {
	srv := fakeOpenAI(t, "Sure! I'd be happy to help with that.")
	defer srv.Close()
	d, _, _ := testDispatcher(t, srv.URL)

	resp, err := d.Workflow(context.Background(), WorkflowRequest{Prompt: "do the thing"}, events.Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Result.Intent != "general_task" {
		t.Errorf("intent = %q, want general_task fallback", resp.Result.Intent)
	}
	if resp.Result.Parameters["prompt"] != "do the thing" {
		t.Errorf("parameters = %v", resp.Result.Parameters)
	}
	if len(resp.Result.Steps) != 3 {
		t.Errorf("steps = %v", resp.Result.Steps)
	}
}

func TestParseWorkflowResultStripsFences(t *testing.T) {
	content := "```json\n{\"intent\":\"scale_up\",\"parameters\":{},\"steps\":[\"a\"]}\n```"
	result := parseWorkflowResult(content, "scale")
	if result.Intent != "scale_up" {
		t.Errorf("intent = %q", result.Intent)
	}
}

func TestCostTable(t *testing.T) {
	usage := Usage{PromptTokens: 1000, CompletionTokens: 1000}
	if got := Cost(TypeOllama, "llama3", usage); got != 0 {
		t.Errorf("ollama cost = %f, want 0", got)
	}
	if got := Cost(TypeOpenAI, "gpt-4o-mini", usage); math.Abs(got-0.00075) > 1e-9 {
		t.Errorf("gpt-4o-mini cost = %f", got)
	}
	// Longest prefix wins: gpt-4o-mini must not price as gpt-4o.
	if Cost(TypeOpenAI, "gpt-4o-mini", usage) == Cost(TypeOpenAI, "gpt-4o", usage) {
		t.Error("prefix matching picked the wrong row")
	}
	if got := Cost(TypeOpenAI, "unknown-model", usage); got != 0 {
		t.Errorf("unknown model cost = %f, want 0", got)
	}
}

func asHTTPError(err error, target **httperr.Error) bool {
	e, ok := err.(*httperr.Error)
	if ok {
		*target = e
	}
	return ok
}
