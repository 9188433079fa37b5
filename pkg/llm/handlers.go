package llm

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/events"
	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
	"github.com/cloudbro-kube-ai/opshub/pkg/identity"
)

// ProviderRequest is the create/update payload. The API key arrives in
// plaintext here and is encrypted before it touches storage.
type ProviderRequest struct {
	Name   string       `json:"name"`
	Type   ProviderType `json:"type"`
	Active *bool        `json:"active"`
	Config struct {
		BaseURL      string `json:"baseUrl"`
		APIKey       string `json:"apiKey"`
		Model        string `json:"model"`
		Organization string `json:"organization"`
		TestEndpoint string `json:"testEndpoint"`
		TimeoutSec   int    `json:"timeoutSec"`
	} `json:"config"`
}

// Handlers exposes the LLM service over HTTP.
type Handlers struct {
	store      *Store
	dispatcher *Dispatcher
	bus        Bus
	log        *zap.Logger
}

// NewHandlers builds the HTTP layer.
func NewHandlers(store *Store, dispatcher *Dispatcher, bus Bus, log *zap.Logger) *Handlers {
	return &Handlers{store: store, dispatcher: dispatcher, bus: bus, log: log}
}

// Routes mounts the LLM API.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/providers", func(r chi.Router) {
		r.Get("/", h.listProviders)
		r.Post("/", h.createProvider)
		r.Get("/{id}", h.getProvider)
		r.Put("/{id}", h.updateProvider)
		r.Delete("/{id}", h.deleteProvider)
		r.Post("/{id}/set-default", h.setDefault)
	})
	r.Post("/test", h.testProvider)
	r.Post("/discover", h.discoverModels)

	r.Post("/chat/completions", h.chat)
	r.Post("/chat", h.chat) // legacy alias
	r.Post("/workflow/completions", h.workflow)

	r.Get("/models", h.models)
	r.Get("/usage", h.usage)
	r.Get("/templates", h.listTemplates)
	r.Post("/templates", h.createTemplate)
	return r
}

func (h *Handlers) meta(r *http.Request) events.Metadata {
	meta := events.Metadata{
		Source:        "llm-service",
		CorrelationID: identity.CorrelationIDFrom(r.Context()),
	}
	if p, ok := identity.PrincipalFrom(r.Context()); ok {
		meta.UserID = p.ID
	}
	return meta
}

func decodeJSON(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return httperr.Validation("request body is not valid JSON")
	}
	return nil
}

func (req *ProviderRequest) toProvider() *Provider {
	p := &Provider{
		Name: req.Name,
		Type: req.Type,
		Config: ProviderConfig{
			BaseURL:      req.Config.BaseURL,
			APIKey:       req.Config.APIKey,
			Model:        req.Config.Model,
			Organization: req.Config.Organization,
			TestEndpoint: req.Config.TestEndpoint,
			TimeoutSec:   req.Config.TimeoutSec,
		},
		Active: true,
	}
	if req.Active != nil {
		p.Active = *req.Active
	}
	return p
}

func (h *Handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.store.List(r.Context())
	if err != nil {
		httperr.Write(w, err)
		return
	}
	// API responses never carry key material, encrypted or not.
	for _, p := range providers {
		p.Config.APIKey = ""
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{"items": providers, "total": len(providers)})
}

func (h *Handlers) createProvider(w http.ResponseWriter, r *http.Request) {
	var req ProviderRequest
	if err := decodeJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	created, err := h.store.Create(r.Context(), req.toProvider())
	if err != nil {
		httperr.Write(w, err)
		return
	}
	created.Config.APIKey = ""
	httperr.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handlers) getProvider(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeProviderErr(w, err)
		return
	}
	p.Config.APIKey = ""
	httperr.WriteJSON(w, http.StatusOK, p)
}

func (h *Handlers) updateProvider(w http.ResponseWriter, r *http.Request) {
	var req ProviderRequest
	if err := decodeJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	updated, err := h.store.Update(r.Context(), chi.URLParam(r, "id"), req.toProvider())
	if err != nil {
		h.writeProviderErr(w, err)
		return
	}
	updated.Config.APIKey = ""
	httperr.WriteJSON(w, http.StatusOK, updated)
}

func (h *Handlers) deleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeProviderErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) setDefault(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Purpose Purpose `json:"purpose"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	if req.Purpose == "" {
		req.Purpose = PurposeChat
	}
	if err := h.store.SetDefault(r.Context(), chi.URLParam(r, "id"), req.Purpose); err != nil {
		h.writeProviderErr(w, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "purpose": req.Purpose})
}

func (h *Handlers) testProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderID string `json:"providerId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	if err := h.dispatcher.TestProvider(r.Context(), req.ProviderID); err != nil {
		httperr.Write(w, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handlers) discoverModels(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderID string `json:"providerId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	models, err := h.dispatcher.DiscoverModels(r.Context(), req.ProviderID)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{"models": models})
}

// chatRequestBody extends ChatRequest with routing fields.
type chatRequestBody struct {
	ChatRequest
	ProviderID string `json:"providerId,omitempty"`
}

func (h *Handlers) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequestBody
	if err := decodeJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	meta := h.meta(r)

	if req.Stream && req.SessionID != "" {
		// Chunks fan out to the originating session's realtime room.
		onChunk := func(chunk StreamChunk) {
			_ = h.bus.Publish(r.Context(), events.TopicChatResponses, "chat_chunk",
				req.SessionID, map[string]any{
					"requestId": chunk.RequestID,
					"content":   chunk.Content,
					"finished":  chunk.Finished,
				}, meta)
		}
		resp, err := h.dispatcher.ChatStream(r.Context(), req.ChatRequest, req.ProviderID, onChunk, meta)
		if err != nil {
			httperr.Write(w, err)
			return
		}
		httperr.WriteJSON(w, http.StatusOK, resp)
		return
	}

	resp, err := h.dispatcher.Chat(r.Context(), req.ChatRequest, req.ProviderID, meta)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handlers) workflow(w http.ResponseWriter, r *http.Request) {
	var req WorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	if req.Prompt == "" {
		httperr.Write(w, httperr.Validation("prompt is required", "prompt"))
		return
	}
	resp, err := h.dispatcher.Workflow(r.Context(), req, h.meta(r))
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handlers) models(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("provider")
	models, err := h.dispatcher.DiscoverModels(r.Context(), providerID)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (h *Handlers) usage(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 90 {
			days = n
		}
	}
	usage, err := h.store.Usage(r.Context(), r.URL.Query().Get("providerId"), days)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{"days": days, "usage": usage})
}

func (h *Handlers) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.store.ListTemplates(r.Context())
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{"items": templates, "total": len(templates)})
}

func (h *Handlers) createTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl Template
	if err := decodeJSON(r, &tpl); err != nil {
		httperr.Write(w, err)
		return
	}
	created, err := h.store.CreateTemplate(r.Context(), &tpl)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httperr.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handlers) writeProviderErr(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrProviderNotFound) {
		httperr.WriteCode(w, httperr.CodeNotFound, "provider not found")
		return
	}
	httperr.Write(w, err)
}
