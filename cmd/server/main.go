package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"video-digest/internal/api"
	"video-digest/internal/bilibili"
	"video-digest/internal/cache"
	"video-digest/internal/pipeline"
	"video-digest/internal/platform/config"
	"video-digest/internal/platform/logger"
	"video-digest/internal/platform/metrics"
	"video-digest/internal/ratelimit"
	"video-digest/internal/relay"
	"video-digest/internal/summarize"
	"video-digest/internal/transcribe"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	cfg, err := config.LoadSettings()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DashScopeAPIKey == "" {
		log.Warn("DASHSCOPE_API_KEY is not set; transcription and summarization requests will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.New()

	signer, err := relay.NewSigner(cfg.ProxySecret)
	if err != nil {
		log.Error("relay signer", "error", err)
		os.Exit(1)
	}

	bili := bilibili.NewClient(nil, log)
	transcriber := transcribe.NewClient(transcribe.Config{
		APIKey:        cfg.DashScopeAPIKey,
		BaseURL:       cfg.DashScopeBaseURL,
		Mode:          cfg.TranscribeMode,
		PollInterval:  cfg.PollInterval,
		MaxAttempts:   cfg.PollMaxAttempts,
		PublicBaseURL: cfg.PublicBaseURL,
		TokenTTL:      cfg.RelayTokenTTL,
	}, log,
		transcribe.WithSigner(signer),
		transcribe.WithRequestDecorator(bilibili.SetOriginHeaders),
		transcribe.WithMetrics(met),
	)
	summarizer := summarize.New(summarize.Config{
		APIKey:  cfg.DashScopeAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
	}, log)

	transcripts := cache.New(ctx, cfg.RedisURL, cfg.CacheTTL, cache.DefaultMaxEntries, log)
	defer transcripts.Close()
	go transcripts.Run(ctx)
	met.RegisterCacheStats(transcripts.Stats)

	runner := pipeline.NewRunner(pipeline.Deps{
		Resolver:    bilibili.NewResolver(nil, log),
		Source:      bili,
		Locator:     bilibili.NewLocator(log, bili.AudioStrategies()...),
		Transcriber: transcriber,
		Summarizer:  summarizer,
		Cache:       transcripts,
	}, log, met)

	governor := ratelimit.NewGovernor(ratelimit.NewInMemoryStore(), cfg.RateLimitWindow, cfg.RateLimitMax)
	h := api.NewHandler(runner, governor, log, met)
	proxy := relay.NewHandler(signer, nil, bilibili.SetOriginHeaders, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetTrackedClients(governor.Len()) }).ServeHTTP(w, r)
	})
	r.Get("/healthz", h.Health)
	r.Group(func(r chi.Router) {
		r.Use(api.CORS(cfg.AllowedOrigins))
		// Preflight is answered by the CORS middleware.
		r.Options("/api/summarize", func(w http.ResponseWriter, r *http.Request) {})
		r.Post("/api/summarize", h.Summarize)
		r.Method(http.MethodGet, relay.ProxyPath, proxy)
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"transcribe_mode", cfg.TranscribeMode,
		"rate_limit", cfg.RateLimitMax,
		"rate_limit_window", cfg.RateLimitWindow,
		"log_level", cfg.LogLevel,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, draining connections")
	h.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
