package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"iotportal/internal/telemetry"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
	fail   map[string]error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: map[string][][]byte{}, fail: map[string]error{}}
}

func (s *recordingSender) Send(connID string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[connID]; err != nil {
		return err
	}
	s.frames[connID] = append(s.frames[connID], frame)
	return nil
}

func (s *recordingSender) count(connID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames[connID])
}

func (s *recordingSender) attempted(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.frames[connID]
	return ok
}

func measurement(deviceID uuid.UUID, metric string, v float64) telemetry.Measurement {
	return telemetry.Measurement{
		ID:         uuid.New(),
		DeviceID:   deviceID,
		Timestamp:  telemetry.Stamp(time.Now()),
		MetricType: metric,
		Value:      v,
	}
}

func TestDeliverReachesOwnerAndDeviceGroups(t *testing.T) {
	reg := NewRegistry()
	sender := newRecordingSender()
	b := NewBroadcaster(reg, sender, 8, nil, nil)
	d := uuid.New()

	require.NoError(t, reg.OnConnect("owner", "u1"))
	require.NoError(t, reg.OnConnect("watcher", "u2"))
	require.NoError(t, reg.OnConnect("bystander", "u3"))
	require.NoError(t, reg.Join("watcher", d))

	n := b.deliver(publication{m: measurement(d, "temperature", 21.5), owner: "u1"})
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, sender.count("owner"))
	assert.Equal(t, 1, sender.count("watcher"))
	assert.False(t, sender.attempted("bystander"))

	var ev struct {
		Type string                `json:"type"`
		Data telemetry.Measurement `json:"data"`
	}
	require.NoError(t, json.Unmarshal(sender.frames["owner"][0], &ev))
	assert.Equal(t, EventReceiveMeasurement, ev.Type)
	assert.Equal(t, d, ev.Data.DeviceID)
	assert.Equal(t, 21.5, ev.Data.Value)
}

func TestDeliverOwnerWhoJoinedDeviceGetsOneCopy(t *testing.T) {
	reg := NewRegistry()
	sender := newRecordingSender()
	b := NewBroadcaster(reg, sender, 8, nil, nil)
	d := uuid.New()

	require.NoError(t, reg.OnConnect("c1", "u1"))
	require.NoError(t, reg.Join("c1", d))

	b.deliver(publication{m: measurement(d, "humidity", 40), owner: "u1"})
	assert.Equal(t, 1, sender.count("c1"))
}

func TestDeliverSkipsDisconnectedMember(t *testing.T) {
	reg := NewRegistry()
	sender := newRecordingSender()
	b := NewBroadcaster(reg, sender, 8, nil, nil)
	d := uuid.New()

	require.NoError(t, reg.OnConnect("c1", "u2"))
	require.NoError(t, reg.Join("c1", d))
	reg.OnDisconnect("c1")

	n := b.deliver(publication{m: measurement(d, "temperature", 1), owner: "u1"})
	assert.Zero(t, n)
	assert.False(t, sender.attempted("c1"))
}

func TestDeliverIsolatesFailingConnections(t *testing.T) {
	reg := NewRegistry()
	sender := newRecordingSender()
	b := NewBroadcaster(reg, sender, 8, nil, nil)
	d := uuid.New()

	for _, id := range []string{"closed", "slow", "ok"} {
		require.NoError(t, reg.OnConnect(id, "u1"))
	}
	sender.fail["closed"] = ErrConnectionClosed
	sender.fail["slow"] = ErrSlowConsumer

	n := b.deliver(publication{m: measurement(d, "energy_usage", 1.25), owner: "u1"})
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sender.count("ok"))
}

func TestRunKeepsPublishOrderPerConnection(t *testing.T) {
	reg := NewRegistry()
	sender := newRecordingSender()
	b := NewBroadcaster(reg, sender, 64, nil, nil)
	d := uuid.New()
	require.NoError(t, reg.OnConnect("c1", "u1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(ctx, measurement(d, "temperature", float64(i)), "u1"))
	}
	require.Eventually(t, func() bool { return sender.count("c1") == 20 }, 2*time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	for i, frame := range sender.frames["c1"] {
		var ev struct {
			Data telemetry.Measurement `json:"data"`
		}
		require.NoError(t, json.Unmarshal(frame, &ev))
		assert.Equal(t, float64(i), ev.Data.Value)
	}
}

func TestPublishAfterStopFails(t *testing.T) {
	b := NewBroadcaster(NewRegistry(), newRecordingSender(), 1, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	err := b.Publish(context.Background(), measurement(uuid.New(), "temperature", 1), "u1")
	assert.ErrorIs(t, err, ErrBroadcasterStopped)
}

func TestPublishHonoursContextWhenQueueIsFull(t *testing.T) {
	b := NewBroadcaster(NewRegistry(), newRecordingSender(), 1, nil, nil)
	require.NoError(t, b.Publish(context.Background(), measurement(uuid.New(), "temperature", 1), "u1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, measurement(uuid.New(), "temperature", 2), "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
