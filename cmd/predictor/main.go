// Package main is the entry point for the model prediction server.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"modelplane/internal/artifact"
	"modelplane/internal/config"
	"modelplane/internal/logger"
	"modelplane/internal/observability"
	"modelplane/internal/predictor"
)

func main() {
	modelURI := flag.String("model-uri", "", "URI of the model artifact to serve (file:// or s3://)")
	host := flag.String("host", "", "Interface to listen on, empty for all interfaces")
	port := flag.Int("port", 8080, "Port to listen on")
	workers := flag.Int("workers", 1, "Concurrent predictions")
	rateLimit := flag.Float64("rate-limit", -1, "Requests per second on /invocations, 0 for unlimited (default from config)")
	rateBurst := flag.Int("rate-burst", 0, "Burst size for the rate limiter (default from config)")
	configPath := flag.String("config", "", "Path to config file (default: modelplane.yaml in current directory)")
	flag.Parse()

	if *modelURI == "" {
		log.Fatal("--model-uri is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *rateLimit < 0 {
		*rateLimit = cfg.PredictorRateLimit
	}
	if *rateBurst <= 0 {
		*rateBurst = cfg.PredictorRateBurst
	}

	ctx := context.Background()

	var store artifact.Store
	if artifact.Scheme(*modelURI) == "s3" {
		store, err = artifact.New(ctx, artifact.Config{
			Backend:           "s3",
			S3Bucket:          cfg.S3Bucket,
			S3Region:          cfg.S3Region,
			S3Endpoint:        cfg.S3Endpoint,
			S3AccessKeyID:     cfg.S3AccessKeyID,
			S3SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			log.Fatalf("Failed to create artifact store: %v", err)
		}
	}

	m, err := predictor.LoadModel(ctx, store, *modelURI)
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "modelplane-predictor", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Metrics
	metrics, err := observability.InitMetrics(ctx, "modelplane-predictor")
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := metrics.Shutdown(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	slogger := logger.New(cfg.LogLevel)
	handlers := predictor.NewHandlers(m, *workers, metrics.Predictor, slogger)

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	srv := predictor.NewServer(addr, handlers, predictor.Options{
		RateLimit:      *rateLimit,
		RateBurst:      *rateBurst,
		MetricsHandler: metrics.Handler(),
		Logger:         slogger,
	})

	go func() {
		log.Printf("Predictor started on %s serving %s (%d columns, %d workers)", addr, *modelURI, len(m.Columns), *workers)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("Server stopped: %v", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down predictor...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Predictor exited properly")
}
