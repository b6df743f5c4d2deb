package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	AuthJWT    = "jwt"
	AuthAPIKey = "apikey"
)

type Config struct {
	HTTPAddr string
	LogLevel string

	Store       string // "postgres" | "memory"
	DatabaseURL string
	// DemoOwner seeds one device for this user on the memory store.
	DemoOwner string

	AuthMode     string // "jwt" | "apikey"
	JWTSecret    string
	JWTIssuer    string
	APIKeyPepper string

	RateLimitPerMinute int

	// Live channel
	LiveSendBuffer  int
	PublishQueue    int
	LivePingSeconds int

	// Optional InfluxDB mirror; disabled when InfluxURL is empty.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

func Load() (Config, error) {
	// Optional: load local .env for development. Missing file is fine.
	_ = godotenv.Load()

	rateLimit := getenvIntDefault("IOTP_RATE_LIMIT_PER_MINUTE", 120)
	if rateLimit < 0 {
		rateLimit = 0
	}

	cfg := Config{
		HTTPAddr: getenvDefault("IOTP_HTTP_ADDR", ":8080"),
		LogLevel: getenvDefault("IOTP_LOG_LEVEL", "info"),

		Store:       strings.ToLower(getenvDefault("IOTP_STORE", StorePostgres)),
		DatabaseURL: strings.TrimSpace(os.Getenv("IOTP_DATABASE_URL")),
		DemoOwner:   strings.TrimSpace(os.Getenv("IOTP_DEMO_OWNER")),

		AuthMode:     strings.ToLower(getenvDefault("IOTP_AUTH_MODE", AuthJWT)),
		JWTSecret:    os.Getenv("IOTP_JWT_SECRET"),
		JWTIssuer:    strings.TrimSpace(os.Getenv("IOTP_JWT_ISSUER")),
		APIKeyPepper: os.Getenv("IOTP_API_KEY_PEPPER"),

		RateLimitPerMinute: rateLimit,

		LiveSendBuffer:  clampInt(getenvIntDefault("IOTP_LIVE_SEND_BUFFER", 256), 16, 4096),
		PublishQueue:    clampInt(getenvIntDefault("IOTP_PUBLISH_QUEUE", 1024), 64, 65536),
		LivePingSeconds: clampInt(getenvIntDefault("IOTP_LIVE_PING_SECONDS", 30), 5, 300),

		InfluxURL:    strings.TrimRight(strings.TrimSpace(os.Getenv("IOTP_INFLUX_URL")), "/"),
		InfluxToken:  strings.TrimSpace(os.Getenv("IOTP_INFLUX_TOKEN")),
		InfluxOrg:    strings.TrimSpace(os.Getenv("IOTP_INFLUX_ORG")),
		InfluxBucket: getenvDefault("IOTP_INFLUX_BUCKET", "measurements"),
	}

	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, errors.New("IOTP_DATABASE_URL is required")
		}
	case StoreMemory:
	default:
		return Config{}, errors.New("IOTP_STORE must be postgres or memory")
	}

	switch cfg.AuthMode {
	case AuthJWT:
		if cfg.JWTSecret == "" {
			return Config{}, errors.New("IOTP_JWT_SECRET is required")
		}
	case AuthAPIKey:
		if cfg.Store != StorePostgres {
			return Config{}, errors.New("IOTP_AUTH_MODE=apikey requires IOTP_STORE=postgres")
		}
		if cfg.APIKeyPepper == "" {
			return Config{}, errors.New("IOTP_API_KEY_PEPPER is required")
		}
	default:
		return Config{}, errors.New("IOTP_AUTH_MODE must be jwt or apikey")
	}

	if cfg.InfluxURL != "" && (cfg.InfluxToken == "" || cfg.InfluxOrg == "") {
		return Config{}, errors.New("IOTP_INFLUX_TOKEN and IOTP_INFLUX_ORG are required with IOTP_INFLUX_URL")
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvIntDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
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
