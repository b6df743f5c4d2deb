package httpapi

import (
	"net/http"
	"time"

	"iotportal/internal/logging"
	"iotportal/internal/realtime"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(d Deps) http.Handler {
	log := logging.OrNop(d.Log)
	keepAlive := 15 * time.Second
	if d.StreamKeepAliveSecs > 0 {
		keepAlive = time.Duration(clampInt(d.StreamKeepAliveSecs, 1, 300)) * time.Second
	}
	s := server{
		svc:  d.Service,
		sim:  d.Simulator,
		auth: d.Auth,
		live: realtime.NewTransport(d.Manager, realtime.TransportConfig{
			PingInterval: d.LivePingInterval,
			CheckOrigin:  checkWebsocketOrigin,
		}, log),
		mgr:             d.Manager,
		log:             log.Named("httpapi"),
		streamKeepAlive: keepAlive,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.serverErrorLoggerMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if d.RateLimitPerMinute > 0 {
		r.Use(newIPRateLimiter(d.RateLimitPerMinute, time.Minute).middleware)
	}
	r.Use(middleware.Heartbeat("/healthz"))

	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.userAuthMiddleware)

		r.Post("/measurements", s.handleCreateMeasurements)
		r.Get("/measurements", s.handleListMeasurements)
		r.Get("/devices", s.handleListDevices)

		r.Post("/simulator/generate", s.handleSimulatorGenerate)
		r.Post("/simulator/generate-historical", s.handleSimulatorGenerateHistorical)

		r.Get("/live", s.handleLiveWebsocket)
		r.Get("/live/stream", s.handleLiveStream)
	})

	return r
}
