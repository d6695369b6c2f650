package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the arrival tracker service
type Config struct {
	// HTTP
	ListenAddr     string
	MetricsAddr    string
	AllowedOrigins []string

	// Database: Postgres when DATABASE_URL is set, SQLite otherwise
	DatabaseURL  string
	DatabasePath string

	// Quorum rules
	QuorumThreshold   int
	QuorumWindow      time.Duration
	ReportTTL         time.Duration
	ConfirmedTTL      time.Duration
	ProximityRadiusM  float64
	ValidatorPolicy   string // off | advisory | required
	SegmentCacheTTL   time.Duration

	// External services
	MLServiceURL  string
	MLTimeout     time.Duration
	WeatherAPIKey string
	NATSAddr      string
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	return &Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		MetricsAddr:    getEnv("METRICS_ADDR", ":9090"),
		AllowedOrigins: strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "*"), ","),

		DatabaseURL:  getEnv("DATABASE_URL", ""),
		DatabasePath: getEnv("SQLITE_DATABASE", "/data/arrivals.db"),

		QuorumThreshold:  getEnvInt("QUORUM_THRESHOLD", 3),
		QuorumWindow:     time.Duration(getEnvInt("QUORUM_WINDOW_SECONDS", 60)) * time.Second,
		ReportTTL:        time.Duration(getEnvInt("REPORT_TTL_SECONDS", 120)) * time.Second,
		ConfirmedTTL:     time.Duration(getEnvInt("CONFIRMED_TTL_SECONDS", 300)) * time.Second,
		ProximityRadiusM: getEnvFloat("PROXIMITY_RADIUS_METERS", 100),
		ValidatorPolicy:  getEnv("VALIDATOR_POLICY", "advisory"),
		SegmentCacheTTL:  time.Duration(getEnvInt("SEGMENT_CACHE_TTL_SECONDS", 600)) * time.Second,

		MLServiceURL:  getEnv("ML_SERVICE_URL", ""),
		MLTimeout:     time.Duration(getEnvInt("ML_TIMEOUT_SECONDS", 5)) * time.Second,
		WeatherAPIKey: getEnv("OPENWEATHER_API_KEY", ""),
		NATSAddr:      getEnv("NATS_URL", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
