package httpapi

import (
	"fmt"
	"net/http"
)

type historicalResponse struct {
	Message  string `json:"message"`
	Count    int    `json:"count"`
	Readings int    `json:"readings"`
}

func (s server) handleSimulatorGenerate(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	deviceID, ok := queryDeviceID(w, r)
	if !ok {
		return
	}
	count, ok := queryInt(w, r, "count", 1)
	if !ok {
		return
	}

	rows, err := s.sim.GenerateLive(r.Context(), userID, deviceID, count)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s server) handleSimulatorGenerateHistorical(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	deviceID, ok := queryDeviceID(w, r)
	if !ok {
		return
	}
	days, ok := queryInt(w, r, "days", 7)
	if !ok {
		return
	}

	sum, err := s.sim.GenerateHistorical(r.Context(), userID, deviceID, days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historicalResponse{
		Message:  fmt.Sprintf("Generated %d historical measurements for the past %d days", sum.Rows, sum.Days),
		Count:    sum.Rows,
		Readings: sum.Readings,
	})
}
