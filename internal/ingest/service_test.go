package ingest

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"iotportal/internal/store"
	"iotportal/internal/telemetry"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	m     telemetry.Measurement
	owner string
}

type recordingPublisher struct {
	mu   sync.Mutex
	got  []published
	fail error
}

func (p *recordingPublisher) Publish(_ context.Context, m telemetry.Measurement, owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.got = append(p.got, published{m: m, owner: owner})
	return nil
}

func (p *recordingPublisher) events() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.got...)
}

type recordingMirror struct {
	rows int
	fail error
}

func (m *recordingMirror) Write(_ context.Context, rows []telemetry.Measurement) error {
	if m.fail != nil {
		return m.fail
	}
	m.rows += len(rows)
	return nil
}

type fixture struct {
	st     *store.Memory
	pub    *recordingPublisher
	svc    *Service
	device telemetry.Device
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewMemory()
	d, err := st.CreateDevice(context.Background(), telemetry.Device{Name: "boiler", OwnerID: "u1"})
	require.NoError(t, err)
	pub := &recordingPublisher{}
	return &fixture{st: st, pub: pub, svc: NewService(st, pub, nil, opts...), device: d}
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	rows, err := f.st.Query(context.Background(), telemetry.Query{DeviceID: f.device.ID})
	require.NoError(t, err)
	return len(rows)
}

func unit(s string) *string { return &s }

func TestIngestPersistsAndPublishesEveryRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rows, err := f.svc.Ingest(ctx, "u1", f.device.ID, []telemetry.Reading{
		{MetricType: " temperature ", Value: 21.5, Unit: unit("°C")},
		{MetricType: "humidity", Value: 40, Unit: unit("  ")},
		{MetricType: "energy_usage", Value: 1.25, Unit: unit("kWh")},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "temperature", rows[0].MetricType)
	assert.Nil(t, rows[1].Unit)
	for _, m := range rows {
		assert.Equal(t, rows[0].Timestamp, m.Timestamp)
	}

	events := f.pub.events()
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, "u1", ev.owner)
		assert.Equal(t, rows[i].ID, ev.m.ID)
	}
}

func TestIngestHidesForeignAndMissingDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := []telemetry.Reading{{MetricType: "temperature", Value: 1}}

	_, err := f.svc.Ingest(ctx, "u2", f.device.ID, batch)
	assert.ErrorIs(t, err, telemetry.ErrNotFound)

	_, err = f.svc.Ingest(ctx, "u1", uuid.New(), batch)
	assert.ErrorIs(t, err, telemetry.ErrNotFound)

	assert.Zero(t, f.count(t))
	assert.Empty(t, f.pub.events())
}

func TestIngestRejectsInvalidBatchWhole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string][]telemetry.Reading{
		"empty":        nil,
		"blank metric": {{MetricType: "temperature", Value: 1}, {MetricType: "  ", Value: 2}},
		"nan":          {{MetricType: "temperature", Value: math.NaN()}},
		"inf":          {{MetricType: "temperature", Value: math.Inf(-1)}},
		"long metric":  {{MetricType: strings.Repeat("m", 101), Value: 1}},
		"long unit":    {{MetricType: "temperature", Value: 1, Unit: unit(strings.Repeat("u", 21))}},
	}
	for name, batch := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Ingest(ctx, "u1", f.device.ID, batch)
			assert.ErrorIs(t, err, telemetry.ErrInvalidInput)
		})
	}
	assert.Zero(t, f.count(t))
	assert.Empty(t, f.pub.events())
}

func TestIngestChecksOwnershipBeforeValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Ingest(context.Background(), "u2", f.device.ID, nil)
	assert.ErrorIs(t, err, telemetry.ErrNotFound)
}

func TestIngestSurvivesPublishAndMirrorFailures(t *testing.T) {
	mirror := &recordingMirror{fail: errors.New("influx down")}
	f := newFixture(t, WithMirror(mirror))
	f.pub.fail = errors.New("stopped")

	rows, err := f.svc.Ingest(context.Background(), "u1", f.device.ID, []telemetry.Reading{
		{MetricType: "temperature", Value: 20},
	})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 1, f.count(t))
}

func TestIngestCountsRows(t *testing.T) {
	reg := prometheus.NewRegistry()
	mirror := &recordingMirror{}
	f := newFixture(t, WithRegisterer(reg), WithMirror(mirror))

	_, err := f.svc.Ingest(context.Background(), "u1", f.device.ID, []telemetry.Reading{
		{MetricType: "temperature", Value: 20},
		{MetricType: "humidity", Value: 50},
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.svc.rows.WithLabelValues("api")))
	assert.Equal(t, 2, mirror.rows)
}

func TestQueryScopesToOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Ingest(ctx, "u1", f.device.ID, []telemetry.Reading{{MetricType: "temperature", Value: 20}})
	require.NoError(t, err)

	got, err := f.svc.Query(ctx, "u1", telemetry.Query{DeviceID: f.device.ID})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = f.svc.Query(ctx, "u2", telemetry.Query{DeviceID: f.device.ID})
	assert.ErrorIs(t, err, telemetry.ErrNotFound)

	from := time.Now().Add(time.Hour)
	to := time.Now()
	got, err = f.svc.Query(ctx, "u1", telemetry.Query{DeviceID: f.device.ID, From: &from, To: &to})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
