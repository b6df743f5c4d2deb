package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"iotportal/internal/auth"
	"iotportal/internal/ingest"
	"iotportal/internal/realtime"
	"iotportal/internal/telemetry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxIngestBodyBytes = 1 << 20

type server struct {
	svc  *ingest.Service
	sim  *ingest.Simulator
	auth auth.Authenticator
	live *realtime.Transport
	mgr  *realtime.Manager
	log  *zap.Logger

	streamKeepAlive time.Duration
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func readJSONLimited(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := readJSON(r, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

// writeError maps service errors onto the HTTP surface. Foreign and missing
// devices share one response.
func (s server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var se *telemetry.StorageError
	switch {
	case errors.Is(err, telemetry.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
	case errors.Is(err, telemetry.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": strings.TrimPrefix(err.Error(), telemetry.ErrInvalidInput.Error()+": ")})
	case errors.As(err, &se):
		s.logError(r.Context(), "storage failure", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "storage unavailable", "retryable": true})
	default:
		s.logError(r.Context(), "request failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func queryDeviceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("deviceId"))
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "deviceId is required"})
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid deviceId"})
		return uuid.Nil, false
	}
	return id, true
}

// queryInt reads an optional integer parameter. Range checks belong to the
// service so ownership is decided first.
func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}

func queryTime(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name + ": expected RFC 3339 timestamp"})
		return nil, false
	}
	return &t, true
}
