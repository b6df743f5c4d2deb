package httpapi

import (
	"bufio"
	"net/http"
	"strings"
	"time"

	"iotportal/internal/realtime"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s server) handleLiveWebsocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.live.Serve(w, r, userID); err != nil {
		s.logger(r.Context()).Debug("live connection refused", zap.Error(err))
	}
}

// handleLiveStream is a receive-only live channel over server-sent events
// for clients that cannot hold a websocket. Device groups are fixed by the
// deviceId query parameters at connect time.
func (s server) handleLiveStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var devices []uuid.UUID
	for _, raw := range r.URL.Query()["deviceId"] {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid deviceId"})
			return
		}
		devices = append(devices, id)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	conn, err := s.mgr.Connect(userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer s.mgr.Disconnect(conn.ID())
	for _, id := range devices {
		if err := s.mgr.Join(conn.ID(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriterSize(w, 16*1024)
	defer bw.Flush()

	_, _ = bw.WriteString(": connected " + conn.ID() + "\n\n")
	bw.Flush()
	flusher.Flush()

	keepAlive := time.NewTicker(s.streamKeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case frame := <-conn.Outbound():
			if err := writeSSEFrame(bw, realtime.EventReceiveMeasurement, frame); err != nil {
				return
			}
			bw.Flush()
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = bw.WriteString(": keepalive\n\n")
			bw.Flush()
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w *bufio.Writer, eventName string, data []byte) error {
	if _, err := w.WriteString("event: " + eventName + "\n"); err != nil {
		return err
	}
	if _, err := w.WriteString("data: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.WriteString("\n\n")
	return err
}
