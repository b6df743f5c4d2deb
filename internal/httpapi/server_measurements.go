package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"iotportal/internal/telemetry"

	"github.com/google/uuid"
)

type readingRequest struct {
	MetricType string   `json:"metricType"`
	Value      *float64 `json:"value"`
	Unit       *string  `json:"unit,omitempty"`
}

type createMeasurementsRequest struct {
	DeviceID     string           `json:"deviceId"`
	Measurements []readingRequest `json:"measurements"`
}

func (s server) handleCreateMeasurements(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req createMeasurementsRequest
	if !readJSONLimited(w, r, &req, maxIngestBodyBytes) {
		return
	}
	deviceID, err := uuid.Parse(strings.TrimSpace(req.DeviceID))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid deviceId"})
		return
	}

	readings := make([]telemetry.Reading, 0, len(req.Measurements))
	for i, m := range req.Measurements {
		if m.Value == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("measurements[%d]: value is required", i)})
			return
		}
		readings = append(readings, telemetry.Reading{MetricType: m.MetricType, Value: *m.Value, Unit: m.Unit})
	}

	rows, err := s.svc.Ingest(r.Context(), userID, deviceID, readings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rows)
}

func (s server) handleListMeasurements(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	deviceID, ok := queryDeviceID(w, r)
	if !ok {
		return
	}
	from, ok := queryTime(w, r, "from")
	if !ok {
		return
	}
	to, ok := queryTime(w, r, "to")
	if !ok {
		return
	}

	rows, err := s.svc.Query(r.Context(), userID, telemetry.Query{
		DeviceID:   deviceID,
		From:       from,
		To:         to,
		MetricType: strings.TrimSpace(r.URL.Query().Get("metricType")),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	devices, err := s.svc.Devices(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}
