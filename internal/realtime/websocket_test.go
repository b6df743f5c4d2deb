package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"iotportal/internal/telemetry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type liveFixture struct {
	reg *Registry
	mgr *Manager
	br  *Broadcaster
	srv *httptest.Server
}

func newLiveFixture(t *testing.T) *liveFixture {
	t.Helper()
	reg := NewRegistry()
	mgr := NewManager(reg, 32, nil, nil)
	br := NewBroadcaster(reg, mgr, 32, nil, nil)
	tr := NewTransport(mgr, TransportConfig{PingInterval: time.Second}, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = tr.Serve(w, r, r.URL.Query().Get("user"))
	}))
	ctx, cancel := context.WithCancel(context.Background())
	go br.Run(ctx)
	t.Cleanup(func() {
		cancel()
		mgr.CloseAll()
		srv.Close()
	})
	return &liveFixture{reg: reg, mgr: mgr, br: br, srv: srv}
}

func (f *liveFixture) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	before := f.mgr.Count()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/?user=" + user
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.Eventually(t, func() bool { return f.mgr.Count() > before }, 2*time.Second, 5*time.Millisecond)
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(msg, &ev))
	return ev
}

func send(t *testing.T, ws *websocket.Conn, cmd Command) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(cmd))
}

func TestLiveChannelDeliversToOwnerAndJoinedOnly(t *testing.T) {
	f := newLiveFixture(t)
	d := uuid.New()

	owner := f.dial(t, "u1")
	watcher := f.dial(t, "u2")
	stranger := f.dial(t, "u3")

	send(t, watcher, Command{Type: CommandJoinDeviceGroup, DeviceID: d.String()})
	ack := readEvent(t, watcher)
	assert.Equal(t, EventAck, ack["type"])
	assert.Equal(t, CommandJoinDeviceGroup, ack["command"])

	metrics := []string{"temperature", "humidity", "energy_usage"}
	for _, metric := range metrics {
		require.NoError(t, f.br.Publish(context.Background(), telemetry.Measurement{
			ID: uuid.New(), DeviceID: d, Timestamp: telemetry.Stamp(time.Now()), MetricType: metric, Value: 1,
		}, "u1"))
	}

	for _, ws := range []*websocket.Conn{owner, watcher} {
		var got []string
		for range metrics {
			ev := readEvent(t, ws)
			require.Equal(t, EventReceiveMeasurement, ev["type"])
			data := ev["data"].(map[string]any)
			assert.Equal(t, d.String(), data["deviceId"])
			got = append(got, data["metricType"].(string))
		}
		assert.Equal(t, metrics, got)
	}

	// Nothing was queued for the stranger: the next frame is the ack.
	send(t, stranger, Command{Type: CommandLeaveDeviceGroup, DeviceID: d.String()})
	assert.Equal(t, EventAck, readEvent(t, stranger)["type"])
}

func TestLiveChannelBadDeviceIDKeepsConnection(t *testing.T) {
	f := newLiveFixture(t)
	ws := f.dial(t, "u1")

	send(t, ws, Command{Type: CommandJoinDeviceGroup, DeviceID: "not-a-uuid"})
	ev := readEvent(t, ws)
	assert.Equal(t, EventError, ev["type"])
	assert.Equal(t, 1, f.mgr.Count())
}

func TestLiveChannelProtocolErrorCleansUp(t *testing.T) {
	f := newLiveFixture(t)
	d := uuid.New()
	ws := f.dial(t, "u1")

	send(t, ws, Command{Type: CommandJoinDeviceGroup, DeviceID: d.String()})
	assert.Equal(t, EventAck, readEvent(t, ws)["type"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError), "got %v", err)

	require.Eventually(t, func() bool { return f.mgr.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.reg.MembersOf(DeviceGroup(d)))
	assert.Empty(t, f.reg.MembersOf(OwnerGroup("u1")))
}

func TestLiveChannelClientCloseCleansUp(t *testing.T) {
	f := newLiveFixture(t)
	d := uuid.New()
	ws := f.dial(t, "u2")

	send(t, ws, Command{Type: CommandJoinDeviceGroup, DeviceID: d.String()})
	assert.Equal(t, EventAck, readEvent(t, ws)["type"])

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = ws.Close()

	require.Eventually(t, func() bool { return f.mgr.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.reg.MembersOf(DeviceGroup(d)))
}

func TestLiveChannelRefusesAnonymous(t *testing.T) {
	f := newLiveFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Zero(t, f.mgr.Count())
}
