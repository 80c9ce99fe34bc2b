package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"minutesai/internal/metrics"
	"minutesai/internal/ratelimit"
	"minutesai/internal/usertoken"
	"minutesai/internal/util"
	"minutesai/pkg/ai"
	"minutesai/pkg/queue"
	"minutesai/pkg/scratch"
	"minutesai/pkg/storage"
	"minutesai/pkg/store"
	"minutesai/services/meeting/internal/app"
	"minutesai/services/meeting/internal/config"
	"minutesai/services/meeting/internal/server"
)

func main() {
	path := config.ConfigPath
	if v := os.Getenv("MEETING_CONFIG"); v != "" {
		path = v
	}
	cfg, err := config.Load(path)
	if err != nil {
		util.Fatal("failed to load config", "err", err)
	}

	logger, closeLog := util.InitLogger(cfg.LogLevel, "meeting", cfg.LogsDir)
	defer closeLog()

	// Validated by config.Load.
	jwtLeeway, _ := config.ParseJWTLeeway(cfg.JWTLeeway)
	presignExpiry, _ := config.ParseDuration("presignExpiry", cfg.PresignExpiry)
	scratchTTL, _ := config.ParseDuration("scratchTTL", cfg.ScratchTTL)
	sliceDuration, _ := config.ParseDuration("sliceDuration", cfg.SliceDuration)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var meetings store.Store
	if cfg.DatabaseURL != "" {
		meetings, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to init meeting store", "err", err)
		}
	} else {
		logger.Warn("databaseURL not set, meetings are kept in memory")
		meetings = store.NewMemoryStore()
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init object store", "err", err)
		}
	} else {
		logger.Warn("minioEndpoint not set, blobs are kept in memory")
		objects = storage.NewMemoryStore()
	}

	var buffer scratch.Scratch
	if cfg.RedisAddr != "" {
		redisScratch, err := scratch.NewRedisScratch(scratch.RedisScratchConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			MaxBytes: cfg.ScratchMaxBytes,
			TTL:      scratchTTL,
		})
		if err != nil {
			util.Fatal("failed to init scratch", "err", err)
		}
		defer redisScratch.Close()
		buffer = redisScratch
	} else {
		buffer = scratch.NewMemoryScratch(cfg.ScratchMaxBytes)
	}

	transcriber, generator, err := newProviders(cfg)
	if err != nil {
		util.Fatal("failed to init ai providers", "err", err)
	}

	var jobs *queue.RedisJobQueue
	if cfg.QueueEnabled {
		jobs, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.QueueStream,
		})
		if err != nil {
			util.Fatal("failed to init job queue", "err", err)
		}
		defer jobs.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appCfg := app.Config{
		Store:         meetings,
		Objects:       objects,
		Scratch:       buffer,
		Transcriber:   transcriber,
		Generator:     generator,
		SliceDuration: sliceDuration,
		PresignExpiry: presignExpiry,
		Metrics:       metrics.NewPipeline(registry),
	}
	if jobs != nil {
		appCfg.Queue = jobs
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	defer appCore.Close()

	tokenVerifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		HMACSecret: cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	limiter, err := newLimiter(cfg)
	if err != nil {
		util.Fatal("failed to init rate limiter", "err", err)
	}
	if limiter != nil {
		defer limiter.Close()
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		Limiter:        limiter,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
		MaxChunkBytes:  cfg.MaxChunkBytes,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		// Uploads of up to 100 MB and inline processing hold one request.
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if jobs != nil {
		jobs.Start(gctx, cfg.QueueConcurrency, appCore.HandleJob)
		logger.Info("job workers started", "concurrency", cfg.QueueConcurrency)
	}
	g.Go(func() error {
		slog.Info("meeting server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	logger.Info("meeting server stopped")
}

func newProviders(cfg config.FileConfig) (ai.Transcriber, ai.TextGenerator, error) {
	var gemini *ai.GeminiClient
	if cfg.TranscriptionProvider == config.ProviderGemini || cfg.GenerationProvider == config.ProviderGemini {
		client, err := ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiBaseURL)
		if err != nil {
			return nil, nil, err
		}
		gemini = client
	}

	var transcriber ai.Transcriber
	switch cfg.TranscriptionProvider {
	case config.ProviderGemini:
		transcriber = ai.NewGeminiTranscriber(gemini, cfg.TranscriptionModel)
	default:
		transcriber = ai.NewOpenAICompatTranscriber(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.TranscriptionModel, cfg.TranscriptionLanguage)
	}

	var generator ai.TextGenerator
	switch cfg.GenerationProvider {
	case config.ProviderOllama:
		generator = ai.NewOllamaGenerator(ai.NewOllamaClient(cfg.OllamaURL), cfg.GenerationModel, true)
	case config.ProviderGemini:
		generator = ai.NewGeminiGenerator(gemini, cfg.GenerationModel, true)
	default:
		generator = ai.NewOpenAICompatGenerator(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.GenerationModel, ai.WithJSONMode())
	}
	return transcriber, generator, nil
}

// newLimiter returns nil when no limit is configured. Scopes left at zero
// are not limited.
func newLimiter(cfg config.FileConfig) (*ratelimit.FixedWindowLimiter, error) {
	scopes := map[string]int{
		"chunks":  cfg.ChunkRateLimitPerMinute,
		"upload":  cfg.UploadRateLimitPerMinute,
		"process": cfg.ProcessRateLimitPerMinute,
	}
	limit := 0
	for _, n := range scopes {
		limit = max(limit, n)
	}
	if limit == 0 {
		return nil, nil
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", limit, time.Minute)
	if err != nil {
		return nil, err
	}
	return limiter.WithScopeLimits(scopes), nil
}
