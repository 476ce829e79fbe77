package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/composer/internal/api"
	"github.com/bobarin/composer/internal/config"
	"github.com/bobarin/composer/internal/db"
	"github.com/bobarin/composer/internal/queue"
	"github.com/bobarin/composer/internal/services"
	"github.com/bobarin/composer/internal/storage"
	"github.com/bobarin/composer/internal/worker"
)

func main() {
	log.Println("Starting Composer API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = database.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize storage
	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	stor.RestrictLocal(cfg.LocalSourceRoot)
	log.Println("Initialized Supabase storage")

	// Create API handler
	handler := api.NewHandler(database, q, stor)
	handler.AddHealthCheck("database", database.PingContext)
	handler.AddHealthCheck("redis", q.Ping)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		RequestTimeout:     cfg.RequestTimeout,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	var workerCancel context.CancelFunc
	workerDone := make(chan struct{})
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		render := cfg.Render()
		runner := services.CmdRunner{}
		prober := services.NewProber(runner, cfg.FFprobePath, render, cfg.ProbeConcurrency, cfg.ProbeTimeout)
		ffmpegSvc := services.NewFFmpegService(cfg.FFmpegPath, runner)
		log.Printf("Canvas: %dx%d@%dfps, codec: %s (crf %d)", render.Width, render.Height, render.FPS, cfg.VideoCodec, cfg.VideoCRF)

		w := worker.New(database, q, stor, prober, ffmpegSvc, worker.Options{
			Render:     render,
			Codec:      cfg.Codec(),
			Bucket:     cfg.SupabaseStorageBucket,
			TempDir:    cfg.TempDir,
			JobTimeout: cfg.JobTimeout,
		})

		var workerCtx context.Context
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go func() {
			w.Start(workerCtx, cfg.MaxConcurrentJobs)
			close(workerDone)
		}()
	} else {
		close(workerDone)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Shutdown worker; in-flight ffmpeg processes are killed and their jobs failed
	if workerCancel != nil {
		workerCancel()
	}
	select {
	case <-workerDone:
	case <-ctx.Done():
		log.Println("Worker did not stop in time")
	}

	log.Println("Server exited")
}
