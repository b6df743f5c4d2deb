package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"iotportal/internal/ingest"
	"iotportal/internal/logging"
	"iotportal/internal/telemetry"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type feeder struct {
	baseURL string
	token   string
	client  *http.Client
	rnd     *rand.Rand
}

type ingestRequest struct {
	DeviceID     uuid.UUID           `json:"deviceId"`
	Measurements []telemetry.Reading `json:"measurements"`
}

// push posts one random batch for deviceID and returns the stored row count.
func (f *feeder) push(ctx context.Context, deviceID uuid.UUID) (int, error) {
	body, err := json.Marshal(ingestRequest{DeviceID: deviceID, Measurements: ingest.RandomReadings(f.rnd)})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/measurements", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var rows []telemetry.Measurement
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func parseDevices(raw string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("invalid device id %q: %w", part, err)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no device ids")
	}
	return out, nil
}

func main() {
	_ = godotenv.Load()
	var (
		baseURL = flag.String("url", "http://localhost:8080", "API base URL")
		token   = flag.String("token", strings.TrimSpace(os.Getenv("IOTP_DEVICESIM_TOKEN")), "Bearer token of the device owner")
		devices = flag.String("devices", "", "Comma-separated device ids")
		every   = flag.Duration("every", 5*time.Second, "Interval between batches per device")
	)
	flag.Parse()
	logger := logging.New(os.Getenv("IOTP_LOG_LEVEL")).Named("devicesim")
	defer func() { _ = logger.Sync() }()

	ids, err := parseDevices(*devices)
	if err != nil {
		logger.Fatal("devices", zap.Error(err))
	}
	if *token == "" {
		logger.Fatal("missing -token or IOTP_DEVICESIM_TOKEN")
	}
	if *every < 100*time.Millisecond {
		logger.Fatal("-every must be at least 100ms")
	}

	f := &feeder{
		baseURL: strings.TrimRight(*baseURL, "/"),
		token:   *token,
		client:  &http.Client{Timeout: 10 * time.Second},
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*every)
	defer ticker.Stop()

	logger.Info("devicesim started", zap.Int("devices", len(ids)), zap.Duration("every", *every))

	for {
		select {
		case <-ctx.Done():
			logger.Info("devicesim stopping")
			return
		case <-ticker.C:
			for _, id := range ids {
				n, err := f.push(ctx, id)
				if err != nil {
					logger.Warn("push failed", zap.String("device_id", id.String()), zap.Error(err))
					continue
				}
				logger.Debug("pushed", zap.String("device_id", id.String()), zap.Int("rows", n))
			}
		}
	}
}
