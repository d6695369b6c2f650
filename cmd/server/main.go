package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/config"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/db"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/eta"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/metrics"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/ml"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/notify"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/progression"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/quorum"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/reporter"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/segment"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/server"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/store"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/weather"
)

// database is the union of every durable-storage capability the service
// needs; both the SQLite and Postgres repositories satisfy it.
type database interface {
	progression.RouteSource
	segment.Storage
	quorum.Reference
	ml.HistorySource
	eta.ScheduleSource
	server.VehicleReader
}

func main() {
	// Load base .env first, then .env.local (which overrides for local development)
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	cfg := config.Load()

	var storage database
	if cfg.DatabaseURL != "" {
		log.Printf("Connecting to Postgres")
		pg, err := db.ConnectPostgres(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		storage = pg
	} else {
		log.Printf("Connecting to SQLite database: %s", cfg.DatabasePath)
		sqlite, err := db.Connect(cfg.DatabasePath)
		if err != nil {
			log.Fatalf("Failed to connect to SQLite: %v", err)
		}
		defer sqlite.Close()
		if err := sqlite.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
		storage = sqlite
	}
	log.Println("Database connection established")

	fastStore := store.NewMemory(time.Minute)
	progState := progression.NewState(fastStore, storage)
	segments := segment.NewEstimator(storage, cfg.SegmentCacheTTL)
	reporters := reporter.NewTracker(fastStore)
	weatherClient := weather.NewClient(cfg.WeatherAPIKey, 5*time.Second)
	mlClient := ml.NewClient(cfg.MLServiceURL, cfg.MLTimeout)
	log.Printf("Using %s", mlClient)

	var notifier notify.Publisher = notify.Noop{}
	if cfg.NATSAddr != "" {
		n, err := notify.NewNATSPublisher(cfg.NATSAddr)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer n.Close()
		notifier = n
	}

	var (
		predictor eta.Predictor
		validator quorum.Validator
		features  *ml.FeatureBuilder
	)
	if mlClient.Enabled() {
		predictor = mlClient
		validator = mlClient
		features = ml.NewFeatureBuilder(storage, progState, segments, weatherClient, reporters)
	}

	var etaFeatures eta.FeatureSource
	var quorumFeatures quorum.FeatureSource
	if features != nil {
		etaFeatures = features
		quorumFeatures = features
	}

	coordinator := quorum.NewCoordinator(quorum.Config{
		Threshold:       cfg.QuorumThreshold,
		Window:          cfg.QuorumWindow,
		ReportTTL:       cfg.ReportTTL,
		ConfirmedTTL:    cfg.ConfirmedTTL,
		ProximityRadius: cfg.ProximityRadiusM,
		ValidatorPolicy: cfg.ValidatorPolicy,
	}, fastStore, storage, progState, segments, reporters, validator, quorumFeatures, notifier)
	if mlClient.Enabled() {
		coordinator.SetTrainer(mlClient)
	}

	engine := eta.NewEngine(storage, progState, segments, predictor, etaFeatures)

	collector := metrics.NewCollector()
	metricsSrv := collector.Serve(cfg.MetricsAddr)
	defer metricsSrv.Close()

	handler := server.NewHandler(coordinator, engine, progState, reporters, storage, collector)
	handler.SetPublisher(notifier)
	router := server.NewRouter(handler, cfg.AllowedOrigins)

	log.Printf("API server starting on %s", cfg.ListenAddr)
	log.Println("Endpoints:")
	log.Println("  POST /api/arrivals/report")
	log.Println("  GET  /api/eta/{vehicleId}/{stopId}")
	log.Println("  GET  /api/vehicles/{vehicleId}/progress")
	log.Println("  GET  /api/reporters/{reporterId}")
	log.Println("  GET  /health")

	if err := http.ListenAndServe(cfg.ListenAddr, router); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
