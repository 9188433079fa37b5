package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/events"
	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
)

const reloadInterval = 30 * time.Second

// client is the vendor-neutral surface every provider dialect implements.
type client interface {
	Chat(ctx context.Context, in ChatRequest) (*ChatResponse, error)
	Stream(ctx context.Context, in ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)
	Models(ctx context.Context) ([]string, error)
}

// Bus publishes llm domain events.
type Bus interface {
	Publish(ctx context.Context, topic, eventType, key string, payload map[string]any, meta events.Metadata) error
}

type clientEntry struct {
	client    client
	provider  *Provider
	updatedAt time.Time
}

// Dispatcher routes completions to the right provider client, fronted by
// the response cache and recorded in usage accounting.
type Dispatcher struct {
	store *Store
	cache *ResponseCache
	bus   Bus
	rdb   *redis.Client
	log   *zap.Logger

	mu      sync.RWMutex
	clients map[string]clientEntry

	// envProviders are fallbacks synthesized from process environment,
	// keyed env-<type>. They are not persisted and never listed.
	envProviders map[string]*Provider
	envKeys      map[string]string

	done chan struct{}
	once sync.Once
}

// NewDispatcher builds the dispatcher and primes its client map.
func NewDispatcher(store *Store, cache *ResponseCache, bus Bus, rdb *redis.Client, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		cache:        cache,
		bus:          bus,
		rdb:          rdb,
		log:          log,
		clients:      make(map[string]clientEntry),
		envProviders: make(map[string]*Provider),
		envKeys:      make(map[string]string),
		done:         make(chan struct{}),
	}
}

// RegisterEnvProvider installs an environment-provisioned fallback under
// the key env-<type>.
func (d *Dispatcher) RegisterEnvProvider(pType ProviderType, apiKey, model string) {
	id := "env-" + string(pType)
	p := &Provider{
		ID:     id,
		Name:   id,
		Type:   pType,
		Active: true,
		Config: ProviderConfig{Model: model},
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.envProviders[id] = p
	d.envKeys[id] = apiKey
}

func buildClient(p *Provider, apiKey string) (client, error) {
	switch p.Type {
	case TypeOpenAI, TypeCustom:
		return newOpenAIClient(p, apiKey), nil
	case TypeAnthropic:
		return newAnthropicClient(p, apiKey), nil
	case TypeOllama:
		return newOllamaClient(p), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", p.Type)
	}
}

// clientFor resolves a usable client per the selection chain: explicit
// provider id, then the purpose default, then an env fallback.
func (d *Dispatcher) clientFor(ctx context.Context, providerID string, purpose Purpose) (client, *Provider, error) {
	if providerID != "" {
		if entry, ok := d.cached(providerID); ok {
			return entry.client, entry.provider, nil
		}
		p, err := d.store.GetByID(ctx, providerID)
		if err == nil && p.Active {
			return d.instantiate(p)
		}
		if env, ok := d.envEntry(providerID); ok {
			return env.client, env.provider, nil
		}
		return nil, nil, httperr.New(httperr.CodeNoProvider,
			fmt.Sprintf("provider %s is not available", providerID))
	}

	if p, err := d.store.GetDefault(ctx, purpose); err == nil {
		if entry, ok := d.cached(p.ID); ok {
			return entry.client, entry.provider, nil
		}
		return d.instantiate(p)
	}

	// Env fallbacks, preferring OpenAI-typed.
	for _, id := range []string{"env-openai", "env-anthropic", "env-ollama", "env-custom"} {
		if env, ok := d.envEntry(id); ok {
			return env.client, env.provider, nil
		}
	}
	return nil, nil, httperr.New(httperr.CodeNoProvider,
		"no LLM provider is configured for "+string(purpose))
}

func (d *Dispatcher) cached(id string) (clientEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.clients[id]
	return entry, ok
}

func (d *Dispatcher) envEntry(id string) (clientEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.envProviders[id]
	if !ok {
		return clientEntry{}, false
	}
	if entry, ok := d.clients[id]; ok {
		return entry, true
	}
	c, err := buildClient(p, d.envKeys[id])
	if err != nil {
		return clientEntry{}, false
	}
	entry := clientEntry{client: c, provider: p}
	d.clients[id] = entry
	return entry, true
}

func (d *Dispatcher) instantiate(p *Provider) (client, *Provider, error) {
	apiKey, err := d.store.DecryptedKey(p)
	if err != nil {
		return nil, nil, httperr.New(httperr.CodeInvalidConfig,
			"provider credentials cannot be decrypted")
	}
	c, err := buildClient(p, apiKey)
	if err != nil {
		return nil, nil, httperr.New(httperr.CodeInvalidConfig, err.Error())
	}
	d.mu.Lock()
	d.clients[p.ID] = clientEntry{client: c, provider: p, updatedAt: p.UpdatedAt}
	d.mu.Unlock()
	return c, p, nil
}

// Chat runs one completion through the full pipeline.
func (d *Dispatcher) Chat(ctx context.Context, in ChatRequest, providerID string, meta events.Metadata) (*ChatResponse, error) {
	return d.dispatch(ctx, in, providerID, PurposeChat, nil, meta)
}

// ChatStream is Chat with per-chunk delivery; chunks carry finished=false
// until the stream ends.
func (d *Dispatcher) ChatStream(ctx context.Context, in ChatRequest, providerID string, onChunk func(StreamChunk), meta events.Metadata) (*ChatResponse, error) {
	return d.dispatch(ctx, in, providerID, PurposeChat, onChunk, meta)
}

func (d *Dispatcher) dispatch(ctx context.Context, in ChatRequest, providerID string, purpose Purpose, onChunk func(StreamChunk), meta events.Metadata) (*ChatResponse, error) {
	if len(in.Messages) == 0 {
		return nil, httperr.Validation("messages must not be empty", "messages")
	}

	cli, provider, err := d.clientFor(ctx, providerID, purpose)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	start := time.Now()
	_ = d.bus.Publish(ctx, events.TopicLLMEvents, events.LLMRequestStarted, provider.ID,
		map[string]any{"requestId": requestID, "provider": provider.Name, "purpose": purpose}, meta)

	// Streaming requests bypass the cache: chunk delivery is the point.
	cacheKey := CacheKey(in.Messages)
	if onChunk == nil {
		if hit, err := d.cache.Get(ctx, cacheKey); err == nil && hit != nil {
			_ = d.bus.Publish(ctx, events.TopicLLMEvents, events.CacheHit, provider.ID,
				map[string]any{"requestId": requestID}, meta)
			out := *hit
			out.ID = requestID
			out.Cached = true
			return &out, nil
		}
		_ = d.bus.Publish(ctx, events.TopicLLMEvents, events.CacheMiss, provider.ID,
			map[string]any{"requestId": requestID}, meta)
	}

	resp, err := d.invoke(ctx, cli, in, onChunk)
	duration := time.Since(start)

	if err != nil {
		_ = d.bus.Publish(ctx, events.TopicLLMEvents, events.LLMRequestFailed, provider.ID,
			map[string]any{
				"requestId":  requestID,
				"provider":   provider.Name,
				"durationMs": duration.Milliseconds(),
				"error":      err.Error(),
			}, meta)
		if logErr := d.store.LogRequest(ctx, RequestLog{
			RequestID:  requestID,
			ProviderID: provider.ID,
			Model:      in.Model,
			Purpose:    purpose,
			DurationMs: duration.Milliseconds(),
			Success:    false,
			ErrorMsg:   err.Error(),
		}); logErr != nil {
			d.log.Warn("request log append failed", zap.Error(logErr))
		}
		return nil, mapVendorError(err)
	}

	resp.ID = requestID
	resp.Provider = provider.Name
	resp.Usage.Cost = Cost(provider.Type, resp.Model, resp.Usage)

	if onChunk == nil {
		if err := d.cache.Put(ctx, cacheKey, resp); err != nil {
			d.log.Warn("response cache write failed", zap.Error(err))
		}
	}
	d.countUsage(ctx, provider.ID, resp.Usage)
	if err := d.store.LogRequest(ctx, RequestLog{
		RequestID:        requestID,
		ProviderID:       provider.ID,
		Model:            resp.Model,
		Purpose:          purpose,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Cost:             resp.Usage.Cost,
		DurationMs:       duration.Milliseconds(),
		Success:          true,
	}); err != nil {
		d.log.Warn("request log append failed", zap.Error(err))
	}

	_ = d.bus.Publish(ctx, events.TopicLLMEvents, events.LLMRequestCompleted, provider.ID,
		map[string]any{
			"requestId":   requestID,
			"provider":    provider.Name,
			"model":       resp.Model,
			"durationMs":  duration.Milliseconds(),
			"totalTokens": resp.Usage.TotalTokens,
		}, meta)
	return resp, nil
}

// invoke calls the vendor with exponential backoff on transient errors.
// Client errors (4xx) are permanent.
func (d *Dispatcher) invoke(ctx context.Context, cli client, in ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	var resp *ChatResponse
	op := func() error {
		var err error
		if onChunk != nil {
			resp, err = cli.Stream(ctx, in, onChunk)
		} else {
			resp, err = cli.Chat(ctx, in)
		}
		if err == nil {
			return nil
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

func mapVendorError(err error) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 401 || apiErr.Status == 403:
			return httperr.New(httperr.CodeInvalidConfig, "provider rejected the configured credentials")
		case apiErr.Status == 429:
			return httperr.New(httperr.CodeRateLimited, "provider rate limit exceeded")
		case apiErr.Status >= 400 && apiErr.Status < 500:
			return httperr.Validation("provider rejected the request")
		}
	}
	return httperr.New(httperr.CodeInternal, "LLM provider request failed")
}

// countUsage bumps the per-provider daily counters. Best-effort.
func (d *Dispatcher) countUsage(ctx context.Context, providerID string, usage Usage) {
	day := time.Now().UTC().Format("2006-01-02")
	key := fmt.Sprintf("usage:llm:%s:%s", providerID, day)
	pipe := d.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "requests", 1)
	pipe.HIncrBy(ctx, key, "promptTokens", int64(usage.PromptTokens))
	pipe.HIncrBy(ctx, key, "completionTokens", int64(usage.CompletionTokens))
	pipe.HIncrBy(ctx, key, "totalTokens", int64(usage.TotalTokens))
	pipe.HIncrByFloat(ctx, key, "cost", usage.Cost)
	pipe.Expire(ctx, key, 40*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		d.log.Warn("usage counter update failed", zap.String("key", key), zap.Error(err))
	}
}

// StartReload launches the provider reload loop: every interval the
// client map is diffed against the registry. Rebuild is fail-soft.
func (d *Dispatcher) StartReload(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = reloadInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.reload(ctx)
			case <-d.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (d *Dispatcher) reload(ctx context.Context) {
	providers, err := d.store.List(ctx)
	if err != nil {
		d.log.Warn("provider reload skipped, registry unavailable", zap.Error(err))
		return
	}

	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		if !p.Active {
			continue
		}
		seen[p.ID] = true
		entry, ok := d.cached(p.ID)
		if ok && entry.updatedAt.Equal(p.UpdatedAt) {
			continue
		}
		if _, _, err := d.instantiate(p); err != nil {
			d.log.Warn("provider rebuild failed, skipping",
				zap.String("provider", p.Name), zap.Error(err))
			continue
		}
		if ok {
			d.log.Info("provider rebuilt", zap.String("provider", p.Name))
		}
	}

	// Evict removed or deactivated providers; env fallbacks persist.
	d.mu.Lock()
	for id := range d.clients {
		if _, isEnv := d.envProviders[id]; isEnv {
			continue
		}
		if !seen[id] {
			delete(d.clients, id)
		}
	}
	d.mu.Unlock()
}

// TestProvider issues a minimal completion to verify connectivity.
func (d *Dispatcher) TestProvider(ctx context.Context, providerID string) error {
	cli, _, err := d.clientFor(ctx, providerID, PurposeChat)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err = cli.Chat(ctx, ChatRequest{
		Messages:  []ChatMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 8,
	})
	if err != nil {
		return mapVendorError(err)
	}
	return nil
}

// DiscoverModels lists the models a provider exposes.
func (d *Dispatcher) DiscoverModels(ctx context.Context, providerID string) ([]string, error) {
	cli, _, err := d.clientFor(ctx, providerID, PurposeChat)
	if err != nil {
		return nil, err
	}
	models, err := cli.Models(ctx)
	if err != nil {
		return nil, mapVendorError(err)
	}
	return models, nil
}

// Stop halts the reload loop.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.done) })
}
