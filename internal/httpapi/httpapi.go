package httpapi

import (
	"time"

	"iotportal/internal/auth"
	"iotportal/internal/ingest"
	"iotportal/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Deps struct {
	Service   *ingest.Service
	Simulator *ingest.Simulator
	Auth      auth.Authenticator

	Manager          *realtime.Manager
	LivePingInterval time.Duration

	// Gatherer backs /metrics; nil leaves the route unmounted.
	Gatherer prometheus.Gatherer
	Log      *zap.Logger

	RateLimitPerMinute  int
	StreamKeepAliveSecs int
}
