package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"iotportal/internal/logging"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxCommandBytes = 4096
	writeWait       = 10 * time.Second
)

type TransportConfig struct {
	PingInterval time.Duration
	// CheckOrigin vets the upgrade request; nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Transport carries live connections over websockets: one reader goroutine
// for commands and one writer goroutine draining the connection mailbox.
type Transport struct {
	mgr          *Manager
	log          *zap.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongWait     time.Duration
}

func NewTransport(mgr *Manager, cfg TransportConfig, log *zap.Logger) *Transport {
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Transport{
		mgr: mgr,
		log: logging.OrNop(log).Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		pingInterval: ping,
		pongWait:     2 * ping,
	}
}

// Serve upgrades the request and runs the connection for userID until it
// ends. The caller has already authenticated the request.
func (t *Transport) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		return err
	}

	conn, err := t.mgr.Connect(userID)
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return err
	}
	defer t.mgr.Disconnect(conn.ID())

	go t.writePump(ws, conn)
	t.readPump(ws, conn)
	return nil
}

// readPump handles client commands. It returns on network closure, read
// timeout or protocol error.
func (t *Transport) readPump(ws *websocket.Conn, conn *Conn) {
	ws.SetReadLimit(maxCommandBytes)
	_ = ws.SetReadDeadline(time.Now().Add(t.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(t.pongWait))
	})

	for {
		kind, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.Debug("read failed", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			t.protocolError(ws, conn, "text frames only")
			return
		}
		var cmd Command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			t.protocolError(ws, conn, "malformed command")
			return
		}
		if err := t.handleCommand(conn, cmd); err != nil {
			if errors.Is(err, errUnknownCommand) {
				t.protocolError(ws, conn, "unknown command")
			}
			return
		}
	}
}

var errUnknownCommand = errors.New("unknown command")

func (t *Transport) handleCommand(conn *Conn, cmd Command) error {
	var apply func(string, uuid.UUID) error
	switch cmd.Type {
	case CommandJoinDeviceGroup:
		apply = t.mgr.Join
	case CommandLeaveDeviceGroup:
		apply = t.mgr.Leave
	default:
		return errUnknownCommand
	}

	deviceID, err := uuid.Parse(cmd.DeviceID)
	if err != nil {
		t.reply(conn, Event{Type: EventError, Command: cmd.Type, DeviceID: cmd.DeviceID, Error: "invalid device id"})
		return nil
	}
	if err := apply(conn.ID(), deviceID); err != nil {
		return err
	}
	t.reply(conn, Event{Type: EventAck, Command: cmd.Type, DeviceID: deviceID.String()})
	return nil
}

func (t *Transport) reply(conn *Conn, ev Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		t.log.Error("encode reply", zap.Error(err))
		return
	}
	if err := t.mgr.Send(conn.ID(), frame); err != nil {
		t.log.Debug("reply not queued", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
}

func (t *Transport) protocolError(ws *websocket.Conn, conn *Conn, reason string) {
	t.log.Info("closing connection on protocol error", zap.String("conn_id", conn.ID()), zap.String("reason", reason))
	// WriteControl may run concurrently with the writer goroutine.
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseProtocolError, reason),
		time.Now().Add(writeWait))
}

// writePump drains the mailbox and keeps the connection alive with pings.
func (t *Transport) writePump(ws *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(t.pingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
		t.mgr.Disconnect(conn.ID())
	}()

	for {
		select {
		case frame := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
