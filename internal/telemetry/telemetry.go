// Package telemetry holds the domain types shared by the store, the ingestion
// service and the live fan-out.
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

type Device struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Location  *string   `json:"location,omitempty"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Reading is one entry of an ingestion batch.
type Reading struct {
	MetricType string  `json:"metricType"`
	Value      float64 `json:"value"`
	Unit       *string `json:"unit,omitempty"`
}

// Batch is a group of readings persisted under one timestamp.
type Batch struct {
	At       time.Time
	Readings []Reading
}

type Measurement struct {
	ID         uuid.UUID `json:"id"`
	DeviceID   uuid.UUID `json:"deviceId"`
	Timestamp  time.Time `json:"timestamp"`
	MetricType string    `json:"metricType"`
	Value      float64   `json:"value"`
	Unit       *string   `json:"unit,omitempty"`
}

// Query selects measurements of one device. Nil bounds are open; both bounds
// are inclusive. An empty MetricType matches every type.
type Query struct {
	DeviceID   uuid.UUID
	From       *time.Time
	To         *time.Time
	MetricType string
}

// Stamp normalizes t to the precision the stores keep.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
