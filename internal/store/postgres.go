package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"iotportal/internal/telemetry"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgForeignKeyViolation = "23503"

// Postgres stores measurements in the measurements table; see migrations/.
type Postgres struct {
	db  *pgxpool.Pool
	now clock
}

var (
	_ Store   = (*Postgres)(nil)
	_ Devices = (*Postgres)(nil)
)

func NewPostgres(db *pgxpool.Pool, opts ...Option) *Postgres {
	o := buildOptions(opts)
	return &Postgres{db: db, now: o.now}
}

func storageErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return telemetry.ErrNotFound
	}
	return &telemetry.StorageError{Op: op, Err: err}
}

func (s *Postgres) CreateDevice(ctx context.Context, d telemetry.Device) (telemetry.Device, error) {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return telemetry.Device{}, telemetry.Invalidf("device name is required")
	}
	if strings.TrimSpace(d.OwnerID) == "" {
		return telemetry.Device{}, telemetry.Invalidf("device owner is required")
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	d.CreatedAt = telemetry.Stamp(d.CreatedAt)

	_, err := s.db.Exec(ctx, `
		insert into devices (id, name, location, owner_id, created_at)
		values ($1, $2, $3, $4, $5)
	`, d.ID, d.Name, d.Location, d.OwnerID, d.CreatedAt)
	if err != nil {
		return telemetry.Device{}, storageErr("create device", err)
	}
	return d, nil
}

// DeleteDevice relies on the measurements foreign key cascading.
func (s *Postgres) DeleteDevice(ctx context.Context, deviceID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `delete from devices where id = $1`, deviceID)
	if err != nil {
		return storageErr("delete device", err)
	}
	if tag.RowsAffected() == 0 {
		return telemetry.ErrNotFound
	}
	return nil
}

func (s *Postgres) Append(ctx context.Context, deviceID uuid.UUID, readings []telemetry.Reading) ([]telemetry.Measurement, error) {
	return s.AppendBatches(ctx, deviceID, []telemetry.Batch{{At: s.now(), Readings: readings}})
}

func (s *Postgres) AppendBatches(ctx context.Context, deviceID uuid.UUID, batches []telemetry.Batch) ([]telemetry.Measurement, error) {
	if err := checkBatches(batches); err != nil {
		return nil, err
	}
	out := rows(deviceID, batches)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, storageErr("begin append", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Holds the device row against a concurrent cascade delete.
	var one int
	err = tx.QueryRow(ctx, `select 1 from devices where id = $1 for key share`, deviceID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, telemetry.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("lock device", err)
	}

	src := make([][]any, 0, len(out))
	for _, m := range out {
		src = append(src, []any{m.ID, m.DeviceID, m.Timestamp, m.MetricType, m.Value, m.Unit})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"measurements"},
		[]string{"id", "device_id", "ts", "metric_type", "value", "unit"},
		pgx.CopyFromRows(src),
	)
	if err != nil {
		return nil, storageErr("copy measurements", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("commit append", err)
	}
	return out, nil
}

func (s *Postgres) Query(ctx context.Context, q telemetry.Query) ([]telemetry.Measurement, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `select exists(select 1 from devices where id = $1)`, q.DeviceID).Scan(&exists); err != nil {
		return nil, storageErr("device lookup", err)
	}
	if !exists {
		return nil, telemetry.ErrNotFound
	}

	var b strings.Builder
	b.WriteString(`
		select id, device_id, ts, metric_type, value, unit
		from measurements
		where device_id = $1`)
	args := []any{q.DeviceID}
	if q.MetricType != "" {
		args = append(args, q.MetricType)
		fmt.Fprintf(&b, " and metric_type = $%d", len(args))
	}
	if q.From != nil {
		args = append(args, q.From.UTC())
		fmt.Fprintf(&b, " and ts >= $%d", len(args))
	}
	if q.To != nil {
		args = append(args, q.To.UTC())
		fmt.Fprintf(&b, " and ts <= $%d", len(args))
	}
	b.WriteString(" order by ts desc, seq asc")

	rs, err := s.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, storageErr("query measurements", err)
	}
	defer rs.Close()

	out := make([]telemetry.Measurement, 0)
	for rs.Next() {
		var m telemetry.Measurement
		if err := rs.Scan(&m.ID, &m.DeviceID, &m.Timestamp, &m.MetricType, &m.Value, &m.Unit); err != nil {
			return nil, storageErr("scan measurement", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	if err := rs.Err(); err != nil {
		return nil, storageErr("query measurements", err)
	}
	return out, nil
}

func (s *Postgres) OwnerOf(ctx context.Context, deviceID uuid.UUID) (string, error) {
	var owner string
	err := s.db.QueryRow(ctx, `select owner_id from devices where id = $1`, deviceID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", telemetry.ErrNotFound
	}
	if err != nil {
		return "", storageErr("owner lookup", err)
	}
	return owner, nil
}

func (s *Postgres) ListDevices(ctx context.Context, ownerID string) ([]telemetry.Device, error) {
	rs, err := s.db.Query(ctx, `
		select id, name, location, owner_id, created_at
		from devices
		where owner_id = $1
		order by created_at desc, name asc
	`, ownerID)
	if err != nil {
		return nil, storageErr("list devices", err)
	}
	defer rs.Close()

	out := make([]telemetry.Device, 0)
	for rs.Next() {
		var d telemetry.Device
		if err := rs.Scan(&d.ID, &d.Name, &d.Location, &d.OwnerID, &d.CreatedAt); err != nil {
			return nil, storageErr("scan device", err)
		}
		d.CreatedAt = d.CreatedAt.UTC()
		out = append(out, d)
	}
	if err := rs.Err(); err != nil {
		return nil, storageErr("list devices", err)
	}
	return out, nil
}
