package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"fleet-patch-backend/config"
	"fleet-patch-backend/internal/api"
	"fleet-patch-backend/internal/approval"
	"fleet-patch-backend/internal/db"
	"fleet-patch-backend/internal/dispatch"
	"fleet-patch-backend/internal/job"
	"fleet-patch-backend/internal/notify"
	"fleet-patch-backend/internal/orchestrator"
	"fleet-patch-backend/internal/quarter"
	"fleet-patch-backend/internal/remote"
	"fleet-patch-backend/internal/scan"
	"fleet-patch-backend/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "patchd ", log.LstdFlags)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
		logger.Fatalf("VAPID keys must be configured. Please generate them and add them to your config file.")
	}
	webpushOptions := webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}

	loc, err := time.LoadLocation(cfg.Orchestrator.DefaultTimezone)
	if err != nil {
		logger.Fatalf("invalid default timezone %q: %v", cfg.Orchestrator.DefaultTimezone, err)
	}
	cal, err := quarter.NewCalendar(cfg.Quarters, loc)
	if err != nil {
		logger.Fatalf("invalid quarter calendar: %v", err)
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	appStore := store.NewGormStore(gormDB)
	logger.Println("data store initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := notify.NewWorkerPool(cfg.WorkerPool.Size, appStore, &webpushOptions)
	notifier.Start(ctx)

	runner, err := remote.NewSSHRunner(&cfg.Remote)
	if err != nil {
		logger.Fatalf("failed to initialize remote runner: %v", err)
	}

	timeouts := make(map[string]time.Duration, len(cfg.Remote.CommandTimeoutMinutes))
	for op, minutes := range cfg.Remote.CommandTimeoutMinutes {
		timeouts[op] = time.Duration(minutes) * time.Minute
	}

	executor := job.NewExecutor(appStore, runner, notifier, timeouts)
	approvals := approval.NewManager(appStore, cal, notifier)
	scanner := scan.NewScanner(appStore, cal, approvals, cfg.HostGroups,
		time.Duration(cfg.Orchestrator.PrecheckLeadHrs)*time.Hour)
	dispatcher := dispatch.NewDispatcher(appStore, executor, cfg.HostGroups,
		cfg.Orchestrator.GlobalMaxActive, loc)

	if cfg.Orchestrator.Enabled {
		svc := orchestrator.NewService(approvals, scanner, dispatcher, cfg.Orchestrator.Interval)
		go svc.Run(ctx)
	} else {
		logger.Println("orchestrator sweep loop is disabled; serving API only")
	}

	handler := api.NewHandler(appStore, approvals, executor, scanner, cal, &webpushOptions)
	router := api.NewRouter(handler, cfg.Server, cfg.APITokens)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	cancel()
	dispatcher.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	logger.Println("Server gracefully stopped")
}
