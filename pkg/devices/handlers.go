package devices

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/events"
	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
	"github.com/cloudbro-kube-ai/opshub/pkg/identity"
	"github.com/cloudbro-kube-ai/opshub/pkg/model"
)

// CreateRequest is the POST / payload.
type CreateRequest struct {
	Name           string                `json:"name" validate:"required,min=1,max=128"`
	Type           model.DeviceType      `json:"type" validate:"required"`
	GroupID        string                `json:"groupId"`
	ConnectionInfo *model.ConnectionInfo `json:"connectionInfo"`
	Tags           []string              `json:"tags"`
	Metadata       map[string]string     `json:"metadata"`
}

// UpdateRequest is the PUT /{id} payload; zero-valued fields are left as-is.
type UpdateRequest struct {
	Name           string                `json:"name" validate:"omitempty,min=1,max=128"`
	Status         model.DeviceStatus    `json:"status"`
	GroupID        string                `json:"groupId"`
	ConnectionInfo *model.ConnectionInfo `json:"connectionInfo"`
	Tags           []string              `json:"tags"`
	Metadata       map[string]string     `json:"metadata"`
}

// HeartbeatRequest is the POST /{id}/status payload.
type HeartbeatRequest struct {
	Status   model.DeviceStatus `json:"status" validate:"required"`
	Metrics  map[string]float64 `json:"metrics"`
	Metadata map[string]string  `json:"metadata"`
}

// Handlers exposes the registry over HTTP.
type Handlers struct {
	registry *Registry
	validate *validator.Validate
	log      *zap.Logger
}

// NewHandlers builds the HTTP layer.
func NewHandlers(registry *Registry, log *zap.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// Routes mounts the device API on a router.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/health", h.health)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Put("/", h.update)
		r.Delete("/", h.delete)
		r.Post("/status", h.heartbeat)
		r.Post("/test-connection", h.testConnection)
	})
	return r
}

func (h *Handlers) meta(r *http.Request) events.Metadata {
	meta := events.Metadata{
		Source:        "device-service",
		CorrelationID: identity.CorrelationIDFrom(r.Context()),
	}
	if p, ok := identity.PrincipalFrom(r.Context()); ok {
		meta.UserID = p.ID
	}
	return meta
}

func (h *Handlers) decode(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return httperr.Validation("request body is not valid JSON")
	}
	if err := h.validate.Struct(into); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
		}
		return httperr.Validation("request validation failed", fields...)
	}
	return nil
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.DeviceFilter{
		GroupID: q.Get("groupId"),
		Status:  model.DeviceStatus(q.Get("status")),
		Type:    model.DeviceType(q.Get("type")),
		Limit:   intQuery(q.Get("limit"), 50),
		Offset:  intQuery(q.Get("offset"), 0),
	}
	if tags := q.Get("tags"); tags != "" {
		f.Tags = splitCSV(tags)
	}
	if f.Status != "" && !model.ValidDeviceStatus(f.Status) {
		httperr.Write(w, httperr.Validation("unknown status filter", "status"))
		return
	}

	list, err := h.registry.List(r.Context(), f)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	for i := range list.Items {
		maskDevice(&list.Items[i])
	}
	httperr.WriteJSON(w, http.StatusOK, list)
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := h.decode(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	dev := &model.Device{
		Name:           req.Name,
		Type:           req.Type,
		GroupID:        req.GroupID,
		ConnectionInfo: req.ConnectionInfo,
		Tags:           req.Tags,
		Metadata:       req.Metadata,
	}
	created, err := h.registry.Create(r.Context(), dev, h.meta(r))
	if err != nil {
		httperr.Write(w, err)
		return
	}
	maskDevice(created)
	httperr.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	dev, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httperr.Write(w, err)
		return
	}
	maskDevice(dev)
	httperr.WriteJSON(w, http.StatusOK, dev)
}

func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := h.decode(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	dev := &model.Device{
		Name:           req.Name,
		Status:         req.Status,
		GroupID:        req.GroupID,
		ConnectionInfo: req.ConnectionInfo,
		Tags:           req.Tags,
		Metadata:       req.Metadata,
	}
	updated, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), dev, h.meta(r))
	if err != nil {
		httperr.Write(w, err)
		return
	}
	maskDevice(updated)
	httperr.WriteJSON(w, http.StatusOK, updated)
}

func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "id"), h.meta(r)); err != nil {
		httperr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := h.decode(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	res, err := h.registry.Heartbeat(r.Context(), chi.URLParam(r, "id"), req.Status, req.Metrics, h.meta(r))
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, res)
}

func (h *Handlers) testConnection(w http.ResponseWriter, r *http.Request) {
	res, err := h.registry.TestConnection(r.Context(), chi.URLParam(r, "id"), h.meta(r))
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, res)
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	sum, err := h.registry.Health(r.Context())
	if err != nil {
		httperr.Write(w, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, sum)
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskDevice(dev *model.Device) {
	if dev.ConnectionInfo != nil {
		masked := dev.ConnectionInfo.Masked()
		dev.ConnectionInfo = &masked
	}
}
