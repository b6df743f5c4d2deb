// Package mirror copies persisted measurements into InfluxDB for dashboards.
// The Postgres store stays the source of truth; mirror writes are best effort.
package mirror

import (
	"context"
	"fmt"
	"time"

	"iotportal/internal/logging"
	"iotportal/internal/telemetry"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const measurementName = "device_measurement"

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type Influx struct {
	client  influxdb2.Client
	writer  pointWriter
	bucket  string
	timeout time.Duration
	log     *zap.Logger
}

// NewInflux connects a blocking writer to org/bucket.
func NewInflux(url, token, org, bucket string, log *zap.Logger) *Influx {
	client := influxdb2.NewClient(url, token)
	return &Influx{
		client:  client,
		writer:  client.WriteAPIBlocking(org, bucket),
		bucket:  bucket,
		timeout: 5 * time.Second,
		log:     logging.OrNop(log).Named("mirror"),
	}
}

func (m *Influx) Write(ctx context.Context, rows []telemetry.Measurement) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.writer.WritePoint(ctx, points(rows)...); err != nil {
		return fmt.Errorf("influx write to %s: %w", m.bucket, err)
	}
	m.log.Debug("mirrored rows", zap.String("bucket", m.bucket), zap.Int("rows", len(rows)))
	return nil
}

func (m *Influx) Close() {
	if m.client != nil {
		m.client.Close()
	}
}

func points(rows []telemetry.Measurement) []*write.Point {
	out := make([]*write.Point, 0, len(rows))
	for _, r := range rows {
		tags := map[string]string{
			"device_id":   r.DeviceID.String(),
			"metric_type": r.MetricType,
		}
		if r.Unit != nil {
			tags["unit"] = *r.Unit
		}
		fields := map[string]interface{}{
			"value":          r.Value,
			"measurement_id": r.ID.String(),
		}
		out = append(out, influxdb2.NewPoint(measurementName, tags, fields, r.Timestamp))
	}
	return out
}
