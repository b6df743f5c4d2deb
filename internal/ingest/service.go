// Package ingest validates and persists measurement batches and hands the
// persisted rows to the live fan-out.
package ingest

import (
	"context"

	"iotportal/internal/logging"
	"iotportal/internal/store"
	"iotportal/internal/telemetry"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Publisher receives every measurement persisted from a live observation.
type Publisher interface {
	Publish(ctx context.Context, m telemetry.Measurement, ownerID string) error
}

// Mirror copies persisted rows to a secondary sink.
type Mirror interface {
	Write(ctx context.Context, rows []telemetry.Measurement) error
}

type Option func(*Service)

func WithMirror(m Mirror) Option {
	return func(s *Service) { s.mirror = m }
}

// WithRegisterer registers the ingestion counters on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) { reg.MustRegister(s.rows) }
}

type Service struct {
	store    store.Store
	pub      Publisher
	mirror   Mirror
	log      *zap.Logger
	validate *validator.Validate
	rows     *prometheus.CounterVec
}

func NewService(st store.Store, pub Publisher, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    st,
		pub:      pub,
		log:      logging.OrNop(log).Named("ingest"),
		validate: newValidator(),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotportal_ingested_rows_total",
			Help: "Measurement rows persisted, by source.",
		}, []string{"source"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// authorize resolves the owner of deviceID and checks it is userID. A
// device owned by someone else is reported exactly like a missing one.
func (s *Service) authorize(ctx context.Context, userID string, deviceID uuid.UUID) (string, error) {
	owner, err := s.store.OwnerOf(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if owner != userID {
		return "", telemetry.ErrNotFound
	}
	return owner, nil
}

// Ingest validates readings, persists them as one batch and publishes the
// stored rows. Publishing is best effort and never undoes the write.
func (s *Service) Ingest(ctx context.Context, userID string, deviceID uuid.UUID, readings []telemetry.Reading) ([]telemetry.Measurement, error) {
	owner, err := s.authorize(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	batch, err := normalize(s.validate, readings)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.Append(ctx, deviceID, batch)
	if err != nil {
		return nil, err
	}
	s.persisted(ctx, "api", rows)
	s.publish(ctx, owner, rows)
	return rows, nil
}

// Query returns the caller's measurements for one device, newest first.
func (s *Service) Query(ctx context.Context, userID string, q telemetry.Query) ([]telemetry.Measurement, error) {
	if _, err := s.authorize(ctx, userID, q.DeviceID); err != nil {
		return nil, err
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return []telemetry.Measurement{}, nil
	}
	return s.store.Query(ctx, q)
}

func (s *Service) Devices(ctx context.Context, userID string) ([]telemetry.Device, error) {
	return s.store.ListDevices(ctx, userID)
}

func (s *Service) persisted(ctx context.Context, source string, rows []telemetry.Measurement) {
	s.rows.WithLabelValues(source).Add(float64(len(rows)))
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Write(ctx, rows); err != nil {
		s.log.Warn("mirror write failed", zap.Int("rows", len(rows)), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, owner string, rows []telemetry.Measurement) {
	if s.pub == nil {
		return
	}
	for _, m := range rows {
		if err := s.pub.Publish(ctx, m, owner); err != nil {
			s.log.Warn("publish measurement",
				zap.String("device_id", m.DeviceID.String()),
				zap.String("measurement_id", m.ID.String()),
				zap.Error(err))
		}
	}
}
