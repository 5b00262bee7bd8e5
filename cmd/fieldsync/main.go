package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/civiq/fieldsync/internal/api/handlers"
	"github.com/civiq/fieldsync/internal/api/middleware"
	"github.com/civiq/fieldsync/internal/cache"
	"github.com/civiq/fieldsync/internal/config"
	"github.com/civiq/fieldsync/internal/events"
	"github.com/civiq/fieldsync/internal/health"
	"github.com/civiq/fieldsync/internal/netmon"
	"github.com/civiq/fieldsync/internal/queue"
	"github.com/civiq/fieldsync/internal/remote"
	"github.com/civiq/fieldsync/internal/store"
	"github.com/civiq/fieldsync/internal/webhook"
)

func main() {
	configPath := flag.String("config", "fieldsync.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] invalid config: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		log.Fatalf("[main] failed to create data directory: %v", err)
	}

	st, err := store.Open(store.Config{Path: cfg.Storage.Path})
	if err != nil {
		log.Fatalf("[main] failed to open store: %v", err)
	}
	defer st.Close()

	bus := events.NewBus()

	monitor := netmon.NewMonitor(
		netmon.NewDialProber(cfg.Connectivity.ProbeAddress, cfg.Connectivity.ProbeTimeout),
		netmon.Config{
			PollInterval:   cfg.Connectivity.PollInterval,
			DebounceWindow: cfg.Connectivity.DebounceWindow,
		})

	client := remote.NewClient(remote.Config{
		BaseURL:       cfg.Backend.BaseURL,
		SubmitTimeout: cfg.Backend.SubmitTimeout,
		ProbeTimeout:  cfg.Backend.ProbeTimeout,
		ProbePath:     cfg.Backend.ProbePath,
	})

	checker := health.NewChecker(client, health.Config{CacheTTL: cfg.Connectivity.HealthCacheTTL})
	checker.OnResult(monitor.SetReachable)

	readCache := cache.New(st, monitor.IsOnline, cache.Config{DefaultTTL: cfg.Cache.DefaultTTL})

	submissionQueue := queue.New(st, client, bus, monitor.IsOnline, queue.Config{
		MaxRetries:      cfg.Queue.MaxRetries,
		BatchSize:       cfg.Queue.BatchSize,
		SweepInterval:   cfg.Queue.SweepInterval,
		MaxFileBytes:    cfg.Queue.MaxFileBytes,
		MaxTotalBytes:   cfg.Queue.MaxTotalBytes,
		RetentionWindow: cfg.Queue.RetentionWindow,
	})

	ctx := context.Background()
	if err := submissionQueue.Load(ctx); err != nil {
		log.Fatalf("[main] failed to load queue: %v", err)
	}
	if err := readCache.Load(ctx); err != nil {
		log.Fatalf("[main] failed to load cache: %v", err)
	}
	if _, err := readCache.Cleanup(ctx); err != nil {
		log.Printf("[main] cache cleanup failed: %v", err)
	}
	submissionQueue.Cleanup(ctx)

	cacheSweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Cache.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cacheSweepDone:
				return
			case <-ticker.C:
				if _, err := readCache.Cleanup(context.Background()); err != nil {
					log.Printf("[main] cache cleanup failed: %v", err)
				}
			}
		}
	}()

	// Reconnecting is the moment to drain whatever piled up offline.
	monitor.Subscribe(func(status netmon.Status) {
		if status.Connected {
			submissionQueue.ProcessQueue()
		}
	})

	endpoints := make([]webhook.Endpoint, 0, len(cfg.Webhooks.Endpoints))
	for _, e := range cfg.Webhooks.Endpoints {
		endpoints = append(endpoints, webhook.Endpoint{URL: e.URL, Secret: e.Secret})
	}
	notifier := webhook.NewNotifier(webhook.Config{
		Endpoints:   endpoints,
		RetryCount:  cfg.Webhooks.RetryCount,
		RetryDelay:  cfg.Webhooks.RetryDelay,
		Timeout:     cfg.Webhooks.Timeout,
		WorkerCount: cfg.Webhooks.WorkerCount,
		QueueSize:   cfg.Webhooks.QueueSize,
	})

	monitor.Start()
	checker.StartPeriodicChecks(cfg.Connectivity.HealthInterval)
	submissionQueue.Start()
	notifier.Start(bus)

	auth, err := middleware.NewAuthMiddleware(st)
	if err != nil {
		log.Fatalf("[main] failed to init auth: %v", err)
	}

	router := buildRouter(cfg, auth, submissionQueue, readCache, client, monitor, checker)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("[main] listening on :%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("[main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] server shutdown: %v", err)
	}

	close(cacheSweepDone)
	notifier.Stop()
	submissionQueue.Stop()
	checker.StopPeriodicChecks()
	monitor.Stop()
}

func buildRouter(
	cfg *config.Config,
	auth *middleware.AuthMiddleware,
	submissionQueue *queue.Queue,
	readCache *cache.Cache,
	client *remote.Client,
	monitor *netmon.Monitor,
	checker *health.Checker,
) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.POST("/api/auth/setup", auth.SetupHandler)
	router.POST("/api/auth/login", auth.LoginHandler)
	router.POST("/api/auth/logout", auth.LogoutHandler)
	router.GET("/api/auth/status", auth.StatusHandler)

	api := router.Group("/api")
	api.Use(auth.RequireAuth())

	handlers.NewSubmissionHandler(submissionQueue).RegisterRoutes(api)
	handlers.NewReadHandler(readCache, client).RegisterRoutes(api)
	handlers.NewStatusHandler(monitor, checker).RegisterRoutes(api)

	return router
}
