package devices

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"
)

// MetricsSink forwards heartbeat metrics to the time-series store.
// Writes are best-effort: a sink failure never fails the heartbeat.
type MetricsSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	log    *zap.Logger
}

// NewMetricsSink connects to InfluxDB. A nil sink is valid and discards
// all writes, so deployments without a metrics store keep working.
func NewMetricsSink(url, token, org, bucket string, log *zap.Logger) *MetricsSink {
	if url == "" {
		return nil
	}
	client := influxdb2.NewClient(url, token)
	return &MetricsSink{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		log:    log,
	}
}

// Record writes one heartbeat's metrics as a single point tagged by device.
func (s *MetricsSink) Record(ctx context.Context, deviceID string, metrics map[string]float64) {
	if s == nil || len(metrics) == 0 {
		return
	}
	fields := make(map[string]any, len(metrics))
	for k, v := range metrics {
		fields[k] = v
	}
	point := influxdb2.NewPoint("device_metrics",
		map[string]string{"deviceId": deviceID}, fields, time.Now())

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.write.WritePoint(ctx, point); err != nil {
		s.log.Warn("dropping device metrics, sink write failed",
			zap.String("deviceId", deviceID), zap.Error(err))
	}
}

// Close releases the underlying client.
func (s *MetricsSink) Close() {
	if s != nil {
		s.client.Close()
	}
}
