// Package devices is the device-management service core: CRUD over the
// remote catalog with read caching, the heartbeat pipeline, connection
// tests and the resulting domain events.
package devices

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/events"
	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
	"github.com/cloudbro-kube-ai/opshub/pkg/model"
	"github.com/cloudbro-kube-ai/opshub/pkg/probe"
)

// Catalog is the subset of the storage-service client the registry needs.
type Catalog interface {
	ListDevices(ctx context.Context, f model.DeviceFilter) (*model.DeviceList, error)
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	CreateDevice(ctx context.Context, dev *model.Device) (*model.Device, error)
	UpdateDevice(ctx context.Context, id string, dev *model.Device) (*model.Device, error)
	DeleteDevice(ctx context.Context, id string) error
	GetDecryptedConnectionInfo(ctx context.Context, deviceID string) (*model.ConnectionInfo, error)
}

// Bus publishes domain events. Failures are swallowed by the publisher's
// degraded mode, so callers treat publish as infallible.
type Bus interface {
	Publish(ctx context.Context, topic, eventType, key string, payload map[string]any, meta events.Metadata) error
}

// Prober runs connection tests.
type Prober interface {
	Test(ctx context.Context, info model.ConnectionInfo) (probe.Result, error)
}

// HealthSummary is the per-status device count rollup.
type HealthSummary struct {
	Total    int                        `json:"total"`
	ByStatus map[model.DeviceStatus]int `json:"byStatus"`
	Online   int                        `json:"online"`
	Stale    int                        `json:"stale"`
}

// Registry is the device service facade.
type Registry struct {
	catalog Catalog
	live    *LiveStore
	prober  Prober
	bus     Bus
	sink    *MetricsSink
	cache   *listCache
	log     *zap.Logger
}

// NewRegistry wires the facade. sink may be nil.
func NewRegistry(catalog Catalog, live *LiveStore, prober Prober, bus Bus, sink *MetricsSink, log *zap.Logger) *Registry {
	return &Registry{
		catalog: catalog,
		live:    live,
		prober:  prober,
		bus:     bus,
		sink:    sink,
		cache:   newListCache(),
		log:     log,
	}
}

// List returns devices matching the filter, serving repeat queries from
// the read cache until a mutation invalidates it.
func (r *Registry) List(ctx context.Context, f model.DeviceFilter) (*model.DeviceList, error) {
	if cached, ok := r.cache.get(f); ok {
		return cached, nil
	}
	list, err := r.catalog.ListDevices(ctx, f)
	if err != nil {
		return nil, err
	}
	r.cache.put(f, list)
	return list, nil
}

// Get returns one device with its live status overlaid when present.
func (r *Registry) Get(ctx context.Context, id string) (*model.Device, error) {
	dev, err := r.catalog.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if ls, err := r.live.Get(ctx, id); err == nil && ls != nil {
		dev.Status = ls.Status
	} else if err != nil {
		// Live cache down: the catalog's administrative status stands.
		r.log.Warn("live status unavailable, serving catalog status",
			zap.String("deviceId", id), zap.Error(err))
	}
	return dev, nil
}

// Create validates and stores a new device, then emits DeviceCreated.
func (r *Registry) Create(ctx context.Context, dev *model.Device, meta events.Metadata) (*model.Device, error) {
	if !model.ValidDeviceType(dev.Type) {
		return nil, httperr.Validation("unknown device type", "type")
	}
	if dev.Status == "" {
		dev.Status = model.StatusActive
	}
	created, err := r.catalog.CreateDevice(ctx, dev)
	if err != nil {
		return nil, err
	}
	r.cache.flush()
	_ = r.bus.Publish(ctx, events.TopicDeviceEvents, events.DeviceCreated, created.ID,
		map[string]any{"deviceId": created.ID, "name": created.Name, "type": created.Type}, meta)
	return created, nil
}

// Update stores changed fields and emits DeviceUpdated. Administrative
// status changes go through the state machine: maintenance and inactive
// can only be entered or left by an operator, not by heartbeats.
func (r *Registry) Update(ctx context.Context, id string, dev *model.Device, meta events.Metadata) (*model.Device, error) {
	if dev.Status != "" && !model.ValidDeviceStatus(dev.Status) {
		return nil, httperr.Validation("unknown device status", "status")
	}
	updated, err := r.catalog.UpdateDevice(ctx, id, dev)
	if err != nil {
		return nil, err
	}
	r.cache.flush()
	if dev.Status != "" {
		// Admin-set status resets the live view so heartbeats observe it.
		_, _ = r.live.Swap(ctx, id, model.LiveStatus{
			Status:        dev.Status,
			LastHeartbeat: time.Now().UTC(),
		})
	}
	_ = r.bus.Publish(ctx, events.TopicDeviceEvents, events.DeviceUpdated, id,
		map[string]any{"deviceId": id}, meta)
	return updated, nil
}

// Delete removes the device, its live entry and emits DeviceDeleted.
func (r *Registry) Delete(ctx context.Context, id string, meta events.Metadata) error {
	if err := r.catalog.DeleteDevice(ctx, id); err != nil {
		return err
	}
	r.cache.flush()
	if err := r.live.Delete(ctx, id); err != nil {
		r.log.Warn("leaving stale live entry", zap.String("deviceId", id), zap.Error(err))
	}
	_ = r.bus.Publish(ctx, events.TopicDeviceEvents, events.DeviceDeleted, id,
		map[string]any{"deviceId": id}, meta)
	return nil
}

// HeartbeatResult is returned to the reporting agent.
type HeartbeatResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"deviceId"`
}

// Heartbeat records a device's self-reported status. Only active<->error
// transitions are accepted from heartbeats; a device parked in maintenance
// or inactive keeps that status but still refreshes its heartbeat time.
func (r *Registry) Heartbeat(ctx context.Context, id string, status model.DeviceStatus, metrics map[string]float64, meta events.Metadata) (*HeartbeatResult, error) {
	if status != model.StatusActive && status != model.StatusError {
		return nil, httperr.Validation("heartbeat status must be active or error", "status")
	}

	now := time.Now().UTC()
	next := model.LiveStatus{Status: status, LastHeartbeat: now, Metrics: metrics}

	prev, err := r.live.Swap(ctx, id, next)
	if err != nil {
		// Live cache down: heartbeat still succeeds, status tracking
		// resumes when the cache comes back.
		r.log.Warn("live status swap failed", zap.String("deviceId", id), zap.Error(err))
	}

	if prev != nil && !model.AllowedTransition(prev.Status, status) {
		// Pin the admin-set status back; only refresh the heartbeat time.
		next.Status = prev.Status
		if _, err := r.live.Swap(ctx, id, next); err != nil {
			r.log.Warn("live status restore failed", zap.String("deviceId", id), zap.Error(err))
		}
	} else if prev == nil || prev.Status != status {
		previous := model.DeviceStatus("")
		if prev != nil {
			previous = prev.Status
		}
		payload := map[string]any{
			"deviceId":       id,
			"previousStatus": previous,
			"currentStatus":  status,
			"timestamp":      now.Format(time.RFC3339),
		}
		_ = r.bus.Publish(ctx, events.TopicDeviceEvents, events.DeviceStatusChanged, id, payload, meta)
		_ = r.bus.Publish(ctx, events.TopicDeviceStatus, events.DeviceStatusChanged, id, payload, meta)
	}

	r.sink.Record(ctx, id, metrics)

	return &HeartbeatResult{Success: true, Timestamp: now, DeviceID: id}, nil
}

// TestConnection probes a device with its stored credentials and records
// the outcome on the bus and in the live status cache.
func (r *Registry) TestConnection(ctx context.Context, id string, meta events.Metadata) (*probe.Result, error) {
	info, err := r.catalog.GetDecryptedConnectionInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := r.prober.Test(ctx, *info)
	if err != nil {
		return nil, fmt.Errorf("running connection test: %w", err)
	}

	_ = r.bus.Publish(ctx, events.TopicDeviceEvents, events.DeviceHealthCheck, id,
		map[string]any{
			"deviceId":       id,
			"success":        res.Success,
			"protocol":       res.Protocol,
			"responseTimeMs": res.ResponseTime,
			"errorCode":      res.ErrorCode,
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
		}, meta)

	// Probe outcomes drive the active<->error edge of the state machine.
	status := model.StatusActive
	if !res.Success {
		status = model.StatusError
	}
	if _, err := r.Heartbeat(ctx, id, status, nil, meta); err != nil {
		r.log.Warn("probe result not reflected in live status",
			zap.String("deviceId", id), zap.Error(err))
	}

	return &res, nil
}

// Health rolls up device counts by effective status. Devices with a live
// entry count as online; devices whose catalog status is active but have
// no live entry count as stale.
func (r *Registry) Health(ctx context.Context) (*HealthSummary, error) {
	list, err := r.List(ctx, model.DeviceFilter{Limit: 1000})
	if err != nil {
		return nil, err
	}
	sum := &HealthSummary{ByStatus: make(map[model.DeviceStatus]int)}
	for i := range list.Items {
		dev := &list.Items[i]
		status := dev.Status
		ls, err := r.live.Get(ctx, dev.ID)
		if err == nil && ls != nil {
			status = ls.Status
			sum.Online++
		} else if dev.Status == model.StatusActive {
			sum.Stale++
		}
		sum.ByStatus[status]++
		sum.Total++
	}
	return sum, nil
}
