package ingest

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"iotportal/internal/telemetry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MaxLiveCount      = 100
	MaxHistoricalDays = 30
	readingsPerDay    = 24
)

type metricRange struct {
	metric   string
	unit     string
	min, max float64
	decimals int
}

var simulatedMetrics = []metricRange{
	{metric: "temperature", unit: "°C", min: 18, max: 28, decimals: 1},
	{metric: "humidity", unit: "%", min: 30, max: 70, decimals: 1},
	{metric: "energy_usage", unit: "kWh", min: 0.5, max: 3.0, decimals: 2},
}

// HistoricalSummary describes one backfill run. Readings counts simulated
// hours; Rows counts stored measurements (one per metric per hour).
type HistoricalSummary struct {
	Days     int
	Readings int
	Rows     int
}

// Simulator produces synthetic readings for devices the caller owns.
type Simulator struct {
	svc *Service
	now func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

type SimulatorOption func(*Simulator)

func WithSimulatorClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) { s.now = now }
}

func WithSeed(seed int64) SimulatorOption {
	return func(s *Simulator) { s.rnd = rand.New(rand.NewSource(seed)) }
}

func NewSimulator(svc *Service, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		svc: svc,
		now: time.Now,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateLive stores count readings staggered one second apart, newest at
// now, and publishes every stored row.
func (s *Simulator) GenerateLive(ctx context.Context, userID string, deviceID uuid.UUID, count int) ([]telemetry.Measurement, error) {
	owner, err := s.svc.authorize(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if count < 1 || count > MaxLiveCount {
		return nil, telemetry.Invalidf("Count must be between 1 and %d", MaxLiveCount)
	}

	now := s.now()
	batches := make([]telemetry.Batch, count)
	for i := range batches {
		batches[i] = telemetry.Batch{At: now.Add(-time.Duration(i) * time.Second), Readings: s.readings()}
	}
	rows, err := s.svc.store.AppendBatches(ctx, deviceID, batches)
	if err != nil {
		return nil, err
	}
	s.svc.persisted(ctx, "simulator", rows)
	s.svc.publish(ctx, owner, rows)
	return rows, nil
}

// GenerateHistorical backfills one reading per hour starting days ago.
// Backfilled rows are never published.
func (s *Simulator) GenerateHistorical(ctx context.Context, userID string, deviceID uuid.UUID, days int) (HistoricalSummary, error) {
	if _, err := s.svc.authorize(ctx, userID, deviceID); err != nil {
		return HistoricalSummary{}, err
	}
	if days < 1 || days > MaxHistoricalDays {
		return HistoricalSummary{}, telemetry.Invalidf("Days must be between 1 and %d", MaxHistoricalDays)
	}

	start := s.now().AddDate(0, 0, -days)
	batches := make([]telemetry.Batch, days*readingsPerDay)
	for i := range batches {
		batches[i] = telemetry.Batch{At: start.Add(time.Duration(i) * time.Hour), Readings: s.readings()}
	}
	rows, err := s.svc.store.AppendBatches(ctx, deviceID, batches)
	if err != nil {
		return HistoricalSummary{}, err
	}
	s.svc.persisted(ctx, "backfill", rows)
	s.svc.log.Info("historical backfill",
		zap.String("device_id", deviceID.String()),
		zap.Int("days", days),
		zap.Int("rows", len(rows)))
	return HistoricalSummary{Days: days, Readings: len(batches), Rows: len(rows)}, nil
}

func (s *Simulator) readings() []telemetry.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RandomReadings(s.rnd)
}

// RandomReadings draws one temperature, humidity and energy_usage reading.
// rnd is not safe for concurrent use.
func RandomReadings(rnd *rand.Rand) []telemetry.Reading {
	out := make([]telemetry.Reading, 0, len(simulatedMetrics))
	for _, r := range simulatedMetrics {
		unit := r.unit
		v := r.min + rnd.Float64()*(r.max-r.min)
		out = append(out, telemetry.Reading{MetricType: r.metric, Value: round(v, r.decimals), Unit: &unit})
	}
	return out
}

func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
