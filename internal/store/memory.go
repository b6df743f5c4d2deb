package store

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"iotportal/internal/telemetry"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

type Option func(*options)

type options struct {
	now clock
}

// WithClock replaces the wall clock used to stamp Append batches.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

var maxTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// entry is one row of the (device, metric type, timestamp) index. seq keeps
// insertion order among rows that share a timestamp.
type entry struct {
	device uuid.UUID
	metric string
	at     time.Time
	seq    uint64
	m      telemetry.Measurement
}

func entryLess(a, b entry) bool {
	if c := bytes.Compare(a.device[:], b.device[:]); c != 0 {
		return c < 0
	}
	if c := strings.Compare(a.metric, b.metric); c != 0 {
		return c < 0
	}
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

// Memory is an in-process Store backed by an ordered index.
type Memory struct {
	mu      sync.RWMutex
	devices map[uuid.UUID]telemetry.Device
	index   *btree.BTreeG[entry]
	seq     uint64
	now     clock
}

var (
	_ Store   = (*Memory)(nil)
	_ Devices = (*Memory)(nil)
)

func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		devices: map[uuid.UUID]telemetry.Device{},
		index:   btree.NewBTreeG(entryLess),
		now:     o.now,
	}
}

func (s *Memory) CreateDevice(_ context.Context, d telemetry.Device) (telemetry.Device, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.ID]; ok {
		return telemetry.Device{}, telemetry.Invalidf("device %s already exists", d.ID)
	}
	s.devices[d.ID] = d
	return d, nil
}

// DeleteDevice removes the device and every measurement attached to it.
func (s *Memory) DeleteDevice(_ context.Context, deviceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		return telemetry.ErrNotFound
	}
	delete(s.devices, deviceID)

	var doomed []entry
	s.index.Ascend(entry{device: deviceID}, func(e entry) bool {
		if e.device != deviceID {
			return false
		}
		doomed = append(doomed, e)
		return true
	})
	for _, e := range doomed {
		s.index.Delete(e)
	}
	return nil
}

func (s *Memory) Append(ctx context.Context, deviceID uuid.UUID, readings []telemetry.Reading) ([]telemetry.Measurement, error) {
	return s.AppendBatches(ctx, deviceID, []telemetry.Batch{{At: s.now(), Readings: readings}})
}

func (s *Memory) AppendBatches(_ context.Context, deviceID uuid.UUID, batches []telemetry.Batch) ([]telemetry.Measurement, error) {
	if err := checkBatches(batches); err != nil {
		return nil, err
	}
	out := rows(deviceID, batches)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		return nil, telemetry.ErrNotFound
	}
	for _, m := range out {
		s.seq++
		s.index.Set(entry{device: deviceID, metric: m.MetricType, at: m.Timestamp, seq: s.seq, m: m})
	}
	return out, nil
}

func (s *Memory) Query(_ context.Context, q telemetry.Query) ([]telemetry.Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.devices[q.DeviceID]; !ok {
		return nil, telemetry.ErrNotFound
	}

	inWindow := func(at time.Time) bool {
		if q.From != nil && at.Before(*q.From) {
			return false
		}
		if q.To != nil && at.After(*q.To) {
			return false
		}
		return true
	}

	var hits []entry
	if q.MetricType != "" {
		// Walk the (device, type) prefix backwards from the upper bound.
		top := maxTime
		if q.To != nil {
			top = *q.To
		}
		pivot := entry{device: q.DeviceID, metric: q.MetricType, at: top, seq: ^uint64(0)}
		s.index.Descend(pivot, func(e entry) bool {
			if e.device != q.DeviceID || e.metric != q.MetricType {
				return false
			}
			if q.From != nil && e.at.Before(*q.From) {
				return false
			}
			hits = append(hits, e)
			return true
		})
	} else {
		s.index.Ascend(entry{device: q.DeviceID}, func(e entry) bool {
			if e.device != q.DeviceID {
				return false
			}
			if inWindow(e.at) {
				hits = append(hits, e)
			}
			return true
		})
	}

	slices.SortFunc(hits, func(a, b entry) int {
		if c := b.at.Compare(a.at); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	out := make([]telemetry.Measurement, 0, len(hits))
	for _, e := range hits {
		out = append(out, e.m)
	}
	return out, nil
}

func (s *Memory) OwnerOf(_ context.Context, deviceID uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return "", telemetry.ErrNotFound
	}
	return d.OwnerID, nil
}

func (s *Memory) ListDevices(_ context.Context, ownerID string) ([]telemetry.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]telemetry.Device, 0)
	for _, d := range s.devices {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b telemetry.Device) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}
