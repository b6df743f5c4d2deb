package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"iotportal/internal/logging"
	"iotportal/internal/telemetry"

	"go.uber.org/zap"
)

var ErrBroadcasterStopped = errors.New("realtime: broadcaster stopped")

// Sender delivers one encoded frame to one connection without blocking.
type Sender interface {
	Send(connID string, frame []byte) error
}

type publication struct {
	m     telemetry.Measurement
	owner string
}

// Broadcaster fans measurements out to the owner group and the device group.
// Publish only enqueues; a single dispatcher started by Run does the fan-out,
// which keeps publish order per device for every connection.
type Broadcaster struct {
	reg     *Registry
	sender  Sender
	log     *zap.Logger
	metrics *Metrics

	queue    chan publication
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewBroadcaster(reg *Registry, sender Sender, queueSize int, metrics *Metrics, log *zap.Logger) *Broadcaster {
	if queueSize < 1 {
		queueSize = 1
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Broadcaster{
		reg:     reg,
		sender:  sender,
		log:     logging.OrNop(log).Named("broadcast"),
		metrics: metrics,
		queue:   make(chan publication, queueSize),
		stopped: make(chan struct{}),
	}
}

// Publish queues m for delivery. It blocks only while the queue is full.
func (b *Broadcaster) Publish(ctx context.Context, m telemetry.Measurement, ownerID string) error {
	select {
	case <-b.stopped:
		return ErrBroadcasterStopped
	default:
	}
	select {
	case b.queue <- publication{m: m, owner: ownerID}:
		return nil
	case <-b.stopped:
		return ErrBroadcasterStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches queued publications until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	defer b.stopOnce.Do(func() { close(b.stopped) })
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-b.queue:
			b.deliver(p)
		}
	}
}

// deliver pushes one measurement to the current members of both groups and
// returns how many connections accepted it.
func (b *Broadcaster) deliver(p publication) int {
	members := b.reg.Union(OwnerGroup(p.owner), DeviceGroup(p.m.DeviceID))
	b.metrics.Published.Inc()
	if len(members) == 0 {
		return 0
	}

	frame, err := json.Marshal(Event{Type: EventReceiveMeasurement, Data: p.m})
	if err != nil {
		b.log.Error("encode measurement", zap.String("measurement_id", p.m.ID.String()), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, connID := range members {
		err := b.sender.Send(connID, frame)
		switch {
		case err == nil:
			delivered++
			b.metrics.Delivered.Inc()
		case errors.Is(err, ErrConnectionClosed):
			// Went away after the snapshot; same as not listening.
			b.metrics.Dropped.WithLabelValues("closed").Inc()
		case errors.Is(err, ErrSlowConsumer):
			b.metrics.Dropped.WithLabelValues("slow").Inc()
			b.log.Warn("dropped measurement for slow connection",
				zap.String("conn_id", connID),
				zap.String("device_id", p.m.DeviceID.String()),
				zap.String("measurement_id", p.m.ID.String()))
		default:
			b.metrics.Dropped.WithLabelValues("error").Inc()
			b.log.Warn("deliver measurement", zap.String("conn_id", connID), zap.Error(err))
		}
	}
	return delivered
}
