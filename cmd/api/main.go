package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/storyloom/server/internal/api"
	"github.com/storyloom/server/internal/catalog"
	"github.com/storyloom/server/internal/config"
	"github.com/storyloom/server/internal/encoder"
	"github.com/storyloom/server/internal/models"
	"github.com/storyloom/server/internal/queue"
	"github.com/storyloom/server/internal/runs"
	"github.com/storyloom/server/internal/scheduler"
	"github.com/storyloom/server/internal/services"
	"github.com/storyloom/server/internal/storage"
	"github.com/storyloom/server/internal/story"
	"github.com/storyloom/server/internal/worker"
)

func main() {
	log.Println("Starting Storyloom API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize object storage
	store := storage.New(cfg.StorageURL, cfg.StorageServiceKey, cfg.StorageBucket)
	log.Printf("Initialized object storage (bucket: %s)", cfg.StorageBucket)

	// In-memory state: story trees and run registries
	stories := story.NewStore()
	runReg := runs.NewRegistry()

	// Catalog — cached lists of models, voices and backends
	var catalogClient catalog.Client
	if cfg.CatalogURL != "" {
		catalogClient = catalog.NewHTTPClient(cfg.CatalogURL, cfg.CatalogAPIKey)
	} else {
		catalogClient = catalog.StaticClient(defaultCatalog(cfg))
		log.Println("No CATALOG_URL set — serving the built-in catalog")
	}
	catalogSvc := catalog.NewService(catalogClient, time.Now, cfg.CatalogTTL)

	// API handler
	handler := api.NewHandler(stories, runReg, q, store, catalogSvc, cfg)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	var workerCtx context.Context
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		// Generation backends
		geminiSvc := services.NewGeminiService(cfg.GeminiKey)
		veoSvc := services.NewVeoService(cfg.GeminiKey, cfg.VeoModel)
		log.Printf("Veo video generation enabled (model: %s)", cfg.VeoModel)

		var grokSvc *services.GrokVideoService
		if cfg.GrokAPIKey != "" {
			grokSvc = services.NewGrokVideoService(cfg.GrokAPIKey)
			log.Println("Grok video generation enabled")
		}

		speech := make(map[string]services.SpeechService)
		if cfg.ElevenLabsKey != "" {
			speech["elevenlabs"] = services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
			log.Println("Speech backend: ElevenLabs")
		}
		if cfg.CartesiaKey != "" {
			speech["cartesia"] = services.NewCartesiaService(cfg.CartesiaKey, cfg.CartesiaURL, cfg.CartesiaVoiceID)
			log.Println("Speech backend: Cartesia")
		}

		// Prompt enhancement is optional — nil disables it
		var openaiSvc *services.OpenAIService
		if cfg.OpenAIKey != "" {
			openaiSvc = services.NewOpenAIService(cfg.OpenAIKey)
			log.Println("OpenAI prompt enhancement enabled")
		}

		registry := services.NewRegistry(store, geminiSvc, veoSvc, grokSvc, speech)
		resolver := scheduler.NewResolver(registry, func(kind models.JobKind) string {
			return cfg.DefaultBackend(string(kind))
		})
		sched := scheduler.New(resolver, stories, wavePolicy(cfg))
		sched.Retries = cfg.GenerationRetries
		// Queued batches mark their targets in-progress before the worker
		// picks them up; the stale-flag sweep must not clear those claims.
		sched.Reserved = runReg.ActiveReservations

		engine, err := encoder.NewFFmpegEngine(cfg.TempDir)
		if err != nil {
			log.Fatalf("Failed to initialize encoder: %v", err)
		}

		w := worker.New(cfg, stories, runReg, q, store, sched, openaiSvc, engine)

		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx, cfg.WorkerConcurrency)
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

	if workerCancel != nil {
		workerCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// wavePolicy maps job kinds to the configured concurrency ceilings and
// inter-wave delays.
func wavePolicy(cfg *config.Config) func(models.JobKind) scheduler.WavePolicy {
	return func(kind models.JobKind) scheduler.WavePolicy {
		switch kind {
		case models.JobKindVideo:
			return scheduler.WavePolicy{Limit: cfg.VideoConcurrency, Delay: cfg.VideoWaveDelay}
		case models.JobKindAudio:
			return scheduler.WavePolicy{Limit: cfg.AudioConcurrency, Delay: cfg.AudioWaveDelay}
		default:
			return scheduler.WavePolicy{Limit: cfg.ImageConcurrency, Delay: cfg.ImageWaveDelay}
		}
	}
}

// defaultCatalog is what the catalog endpoint serves when no external
// catalog service is configured: the backends this build actually wires.
func defaultCatalog(cfg *config.Config) map[string][]models.CatalogItem {
	backends := []models.CatalogItem{
		{ID: "gemini-image", DisplayName: "Gemini Image", Kind: "image"},
		{ID: "veo", DisplayName: "Veo", Kind: "video"},
	}
	if cfg.GrokAPIKey != "" {
		backends = append(backends, models.CatalogItem{ID: "grok-video", DisplayName: "Grok Imagine", Kind: "video"})
	}
	if cfg.ElevenLabsKey != "" {
		backends = append(backends, models.CatalogItem{ID: "elevenlabs", DisplayName: "ElevenLabs", Kind: "audio"})
	}
	if cfg.CartesiaKey != "" {
		backends = append(backends, models.CatalogItem{ID: "cartesia", DisplayName: "Cartesia", Kind: "audio"})
	}
	return map[string][]models.CatalogItem{"backends": backends}
}
