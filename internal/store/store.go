// Package store persists measurements keyed by device and answers range
// queries over them. Two backends are provided: Postgres for deployments and
// an ordered in-memory index for tests and local runs.
package store

import (
	"context"
	"math"
	"time"

	"iotportal/internal/telemetry"

	"github.com/google/uuid"
)

// Store is the time-series store used by ingestion and the REST surface.
type Store interface {
	// Append persists readings under a single server-assigned timestamp.
	Append(ctx context.Context, deviceID uuid.UUID, readings []telemetry.Reading) ([]telemetry.Measurement, error)
	// AppendBatches persists every batch or none of them.
	AppendBatches(ctx context.Context, deviceID uuid.UUID, batches []telemetry.Batch) ([]telemetry.Measurement, error)
	// Query returns matching rows newest first.
	Query(ctx context.Context, q telemetry.Query) ([]telemetry.Measurement, error)
	OwnerOf(ctx context.Context, deviceID uuid.UUID) (string, error)
	ListDevices(ctx context.Context, ownerID string) ([]telemetry.Device, error)
}

// Devices is the device bookkeeping the store needs to keep measurements
// owned. Device CRUD proper lives outside this service.
type Devices interface {
	CreateDevice(ctx context.Context, d telemetry.Device) (telemetry.Device, error)
	DeleteDevice(ctx context.Context, deviceID uuid.UUID) error
}

func checkBatches(batches []telemetry.Batch) error {
	if len(batches) == 0 {
		return telemetry.Invalidf("at least one measurement is required")
	}
	for _, b := range batches {
		if len(b.Readings) == 0 {
			return telemetry.Invalidf("at least one measurement is required")
		}
		if b.At.IsZero() {
			return telemetry.Invalidf("batch timestamp is required")
		}
		for _, r := range b.Readings {
			if r.MetricType == "" {
				return telemetry.Invalidf("metric type is required")
			}
			if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
				return telemetry.Invalidf("measurement value must be a valid number")
			}
		}
	}
	return nil
}

// rows expands batches into measurement rows in insertion order.
func rows(deviceID uuid.UUID, batches []telemetry.Batch) []telemetry.Measurement {
	n := 0
	for _, b := range batches {
		n += len(b.Readings)
	}
	out := make([]telemetry.Measurement, 0, n)
	for _, b := range batches {
		at := telemetry.Stamp(b.At)
		for _, r := range b.Readings {
			out = append(out, telemetry.Measurement{
				ID:         uuid.New(),
				DeviceID:   deviceID,
				Timestamp:  at,
				MetricType: r.MetricType,
				Value:      r.Value,
				Unit:       r.Unit,
			})
		}
	}
	return out
}

type clock func() time.Time
