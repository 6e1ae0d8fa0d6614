package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cachamber/harmonia/internal/api"
	"github.com/cachamber/harmonia/internal/config"
	"github.com/cachamber/harmonia/internal/download/model"
	"github.com/cachamber/harmonia/internal/download/repository"
	"github.com/cachamber/harmonia/internal/download/service"
	"github.com/cachamber/harmonia/internal/download/state"
	"github.com/cachamber/harmonia/internal/metrics"
	"github.com/cachamber/harmonia/internal/progress"
	"github.com/cachamber/harmonia/internal/scheduler"
	"github.com/cachamber/harmonia/internal/source"
	"github.com/cachamber/harmonia/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	log.Println("Starting Harmonia...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Database credentials may be injected through the environment in
	// containerized deployments.
	dbConfig := repository.DBConfig{
		Host:            getEnv("DB_HOST", cfg.Database.Host),
		Port:            getEnvInt("DB_PORT", cfg.Database.Port),
		User:            getEnv("DB_USER", cfg.Database.User),
		Password:        getEnv("DB_PASSWORD", cfg.Database.Password),
		Database:        getEnv("DB_NAME", cfg.Database.Name),
		SSLMode:         getEnv("DB_SSLMODE", cfg.Database.SSLMode),
		MaxConnections:  cfg.Database.MaxConnections,
		MinConnections:  cfg.Database.MinConnections,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	}

	pool, err := repository.NewConnectionPool(context.Background(), dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer repository.ClosePool(pool)

	if err := repository.Migrate(context.Background(), pool); err != nil {
		log.Fatalf("Failed to migrate schema: %v", err)
	}
	log.Println("Connected to database")

	jobStore := repository.NewPostgresJobStore(pool)
	batchStore := repository.NewPostgresBatchStore(pool)
	machine := state.NewMachine()
	idGen := service.NewULIDGenerator()
	m := metrics.NewMetrics()

	hub := progress.NewHub()
	go hub.Run()
	defer hub.Stop()

	queue := make(chan *model.DownloadJob, cfg.Downloads.QueueSize)

	svc := service.NewAcquisitionService(
		jobStore,
		batchStore,
		machine,
		idGen,
		hub,
		queue,
		m,
		cfg.Downloads.MaxReplacementAttempts,
	)

	sources := buildSources(cfg.Sources)
	for _, s := range sources {
		log.Printf("Source %s enabled=%v", s.Name(), s.Enabled())
	}

	// The replacement resolver is supplied by the surrounding
	// application's recommendation collaborator. Standalone, targets
	// that exhaust their candidates go straight to the unavailable
	// list.
	resolver := worker.ResolverFunc(func(ctx context.Context, prior source.Target, attempt int) (source.Target, error) {
		return source.Target{}, worker.ErrNoReplacement
	})

	retry := service.RetryPolicy{
		MaxFetchRetries: cfg.Downloads.FetchRetries,
		BaseDelay:       cfg.Downloads.BackoffBase,
		MaxDelay:        cfg.Downloads.BackoffMax,
		MaxJitter:       cfg.Downloads.BackoffJitter,
	}

	workers := worker.NewPool(
		cfg.Downloads.Concurrency,
		queue,
		sources,
		svc,
		resolver,
		hub,
		m,
		retry,
		cfg.Downloads.JobTimeout,
	)
	workers.Start()
	defer workers.Stop()

	reclaimer := scheduler.NewReclaimer(
		svc,
		cfg.Downloads.ReclaimInterval,
		cfg.Downloads.StaleAfter,
		cfg.Downloads.JobTimeout+cfg.Downloads.StaleAfter,
		50,
	)
	reclaimer.Start()
	defer reclaimer.Stop()

	router := buildRouter(cfg, svc, hub, m)

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Shutdown complete")
}

// buildSources constructs the acquisition sources in priority order.
func buildSources(cfg config.SourcesConfig) []source.Source {
	var sources []source.Source
	for _, name := range cfg.Priority {
		switch name {
		case "slskd":
			sources = append(sources, source.NewSlskdClient(cfg.Slskd.URL, cfg.Slskd.APIKey, cfg.Slskd.Enabled))
		case "lidarr":
			sources = append(sources, source.NewLidarrClient(cfg.Lidarr.URL, cfg.Lidarr.APIKey, cfg.Lidarr.Enabled))
		}
	}
	return sources
}

func buildRouter(cfg *config.Config, svc *service.AcquisitionService, hub *progress.Hub, m *metrics.Metrics) *gin.Engine {
	if mode := os.Getenv("GIN_MODE"); mode != "" {
		gin.SetMode(mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := api.NewHandler(svc, hub)

	router := gin.Default()
	router.Use(api.Observe(m))

	corsConfig := cors.DefaultConfig()
	if len(cfg.Server.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.Server.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "X-User-ID")
	router.Use(cors.New(corsConfig))

	router.GET("/health", handler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(api.UserAuth())
	{
		v1.POST("/batches", handler.CreateBatch)
		v1.GET("/batches/:id", handler.GetBatch)
		v1.POST("/batches/:id/cancel", handler.CancelBatch)
		v1.GET("/batches/:id/unavailable", handler.GetUnavailable)

		v1.POST("/downloads", handler.CreateDownload)
		v1.GET("/downloads", handler.ListDownloads)
		v1.GET("/downloads/:id", handler.GetDownload)

		v1.GET("/ws", handler.Stream)
	}

	return router
}

// getEnv gets environment variable or returns default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as int or returns default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
