package devices

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cloudbro-kube-ai/opshub/pkg/events"
	"github.com/cloudbro-kube-ai/opshub/pkg/logging"
	"github.com/cloudbro-kube-ai/opshub/pkg/model"
	"github.com/cloudbro-kube-ai/opshub/pkg/probe"
)

type fakeCatalog struct {
	mu      sync.Mutex
	devices map[string]*model.Device
	lists   int
	conn    *model.ConnectionInfo
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{devices: make(map[string]*model.Device)}
}

func (f *fakeCatalog) ListDevices(ctx context.Context, _ model.DeviceFilter) (*model.DeviceList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	out := &model.DeviceList{}
	for _, d := range f.devices {
		out.Items = append(out.Items, *d)
	}
	out.Total = len(out.Items)
	return out, nil
}

func (f *fakeCatalog) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeCatalog) CreateDevice(ctx context.Context, dev *model.Device) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *dev
	if cp.ID == "" {
		cp.ID = "dev-1"
	}
	f.devices[cp.ID] = &cp
	return &cp, nil
}

func (f *fakeCatalog) UpdateDevice(ctx context.Context, id string, dev *model.Device) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.devices[id]
	if !ok {
		return nil, errNotFound
	}
	if dev.Name != "" {
		cur.Name = dev.Name
	}
	if dev.Status != "" {
		cur.Status = dev.Status
	}
	cp := *cur
	return &cp, nil
}

func (f *fakeCatalog) DeleteDevice(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, id)
	return nil
}

func (f *fakeCatalog) GetDecryptedConnectionInfo(ctx context.Context, id string) (*model.ConnectionInfo, error) {
	if f.conn == nil {
		return nil, errNotFound
	}
	return f.conn, nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

type recordedEvent struct {
	topic, eventType, key string
	payload               map[string]any
}

type fakeBus struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *fakeBus) Publish(ctx context.Context, topic, eventType, key string, payload map[string]any, _ events.Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{topic, eventType, key, payload})
	return nil
}

func (b *fakeBus) ofType(eventType string) []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []recordedEvent
	for _, e := range b.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeProber struct {
	result probe.Result
}

func (p *fakeProber) Test(ctx context.Context, _ model.ConnectionInfo) (probe.Result, error) {
	return p.result, nil
}

func testRegistry(t *testing.T) (*Registry, *fakeCatalog, *fakeBus, *fakeProber) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	catalog := newFakeCatalog()
	bus := &fakeBus{}
	prober := &fakeProber{}
	reg := NewRegistry(catalog, NewLiveStore(rdb, "test:"), prober, bus, nil, logging.NewNop())
	return reg, catalog, bus, prober
}

func TestListUsesCacheUntilMutation(t *testing.T) {
	reg, catalog, _, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := reg.List(ctx, model.DeviceFilter{Limit: 10}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.List(ctx, model.DeviceFilter{Limit: 10}); err != nil {
		t.Fatal(err)
	}
	if catalog.lists != 1 {
		t.Errorf("catalog hit %d times, want 1 (second list should be cached)", catalog.lists)
	}

	if _, err := reg.Create(ctx, &model.Device{Name: "sw-1", Type: model.DeviceNetwork}, events.Metadata{}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.List(ctx, model.DeviceFilter{Limit: 10}); err != nil {
		t.Fatal(err)
	}
	if catalog.lists != 2 {
		t.Errorf("catalog hit %d times, want 2 (mutation must invalidate)", catalog.lists)
	}
}

func TestCreateEmitsEventAndValidatesType(t *testing.T) {
	reg, _, bus, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, &model.Device{Name: "x", Type: "toaster"}, events.Metadata{}); err == nil {
		t.Fatal("unknown type must be rejected")
	}

	created, err := reg.Create(ctx, &model.Device{Name: "srv-1", Type: model.DeviceServer}, events.Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	if created.Status != model.StatusActive {
		t.Errorf("status = %s, want active default", created.Status)
	}
	if got := bus.ofType(events.DeviceCreated); len(got) != 1 || got[0].key != created.ID {
		t.Errorf("DeviceCreated events = %+v, want one keyed by device id", got)
	}
}

func TestHeartbeatStatusChange(t *testing.T) {
	reg, _, bus, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := reg.Heartbeat(ctx, "d1", model.StatusMaintenance, nil, events.Metadata{}); err == nil {
		t.Fatal("maintenance is admin-only, heartbeat must reject it")
	}

	res, err := reg.Heartbeat(ctx, "d1", model.StatusActive, map[string]float64{"cpu": 0.4}, events.Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.DeviceID != "d1" {
		t.Errorf("result = %+v", res)
	}

	// Same status again: no further DeviceStatusChanged.
	if _, err := reg.Heartbeat(ctx, "d1", model.StatusActive, nil, events.Metadata{}); err != nil {
		t.Fatal(err)
	}
	if got := bus.ofType(events.DeviceStatusChanged); len(got) != 2 {
		// One on device-events, one on the realtime fan-in topic.
		t.Fatalf("DeviceStatusChanged events = %d, want 2 (domain + fan-in)", len(got))
	}

	// active -> error is heartbeat-driven and emits again.
	if _, err := reg.Heartbeat(ctx, "d1", model.StatusError, nil, events.Metadata{}); err != nil {
		t.Fatal(err)
	}
	changed := bus.ofType(events.DeviceStatusChanged)
	if len(changed) != 4 {
		t.Fatalf("DeviceStatusChanged events = %d, want 4", len(changed))
	}
	last := changed[len(changed)-1]
	if last.payload["previousStatus"] != model.StatusActive || last.payload["currentStatus"] != model.StatusError {
		t.Errorf("transition payload = %+v", last.payload)
	}
}

func TestHeartbeatCannotLeaveMaintenance(t *testing.T) {
	reg, _, bus, _ := testRegistry(t)
	ctx := context.Background()

	// Admin parks the device in maintenance via the live store.
	if _, err := reg.live.Swap(ctx, "d1", model.LiveStatus{Status: model.StatusMaintenance}); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Heartbeat(ctx, "d1", model.StatusActive, nil, events.Metadata{}); err != nil {
		t.Fatal(err)
	}
	ls, err := reg.live.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if ls.Status != model.StatusMaintenance {
		t.Errorf("status = %s, heartbeat must not leave maintenance", ls.Status)
	}
	if got := bus.ofType(events.DeviceStatusChanged); len(got) != 0 {
		t.Errorf("no status change event expected, got %d", len(got))
	}
}

func TestTestConnectionEmitsHealthCheck(t *testing.T) {
	reg, catalog, bus, prober := testRegistry(t)
	ctx := context.Background()

	catalog.conn = &model.ConnectionInfo{Protocol: model.ProtocolSSH, Host: "10.0.0.5"}
	prober.result = probe.Result{
		Success:   false,
		Protocol:  model.ProtocolSSH,
		ErrorCode: probe.CodeSSHAuthFailed,
		Error:     "ssh: unable to authenticate",
	}

	res, err := reg.TestConnection(ctx, "d1", events.Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ErrorCode != probe.CodeSSHAuthFailed {
		t.Errorf("result = %+v", res)
	}

	checks := bus.ofType(events.DeviceHealthCheck)
	if len(checks) != 1 {
		t.Fatalf("DeviceHealthCheck events = %d, want 1", len(checks))
	}
	if checks[0].payload["success"] != false {
		t.Errorf("payload = %+v", checks[0].payload)
	}

	// Failed probe drives the live status to error.
	ls, err := reg.live.Get(ctx, "d1")
	if err != nil || ls == nil {
		t.Fatalf("live status: %v %v", ls, err)
	}
	if ls.Status != model.StatusError {
		t.Errorf("live status = %s, want error", ls.Status)
	}
}

func TestLiveStoreSwapReturnsPrevious(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewLiveStore(rdb, "t:")
	ctx := context.Background()

	prev, err := store.Swap(ctx, "d1", model.LiveStatus{Status: model.StatusActive})
	if err != nil {
		t.Fatal(err)
	}
	if prev != nil {
		t.Errorf("first swap previous = %+v, want nil", prev)
	}

	prev, err = store.Swap(ctx, "d1", model.LiveStatus{Status: model.StatusError})
	if err != nil {
		t.Fatal(err)
	}
	if prev == nil || prev.Status != model.StatusActive {
		t.Errorf("previous = %+v, want active", prev)
	}

	// Entries expire.
	mr.FastForward(liveStatusTTL + 1)
	got, err := store.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("entry should have expired, got %+v", got)
	}
}
