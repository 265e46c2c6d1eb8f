package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/savegress/spendguard/internal/alerts"
	"github.com/savegress/spendguard/internal/api"
	"github.com/savegress/spendguard/internal/config"
	"github.com/savegress/spendguard/internal/detection"
	"github.com/savegress/spendguard/internal/storage"
)

func main() {
	log.Println("Starting SpendGuard...")

	cfg := loadConfig()

	// Open storage
	fingerprints, alertRepo, settingsRepo, closeStore, err := openStorage(&cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer closeStore()

	// Wire the detection engine and alert lifecycle manager
	engine := detection.NewEngine(fingerprints, alertRepo, settingsRepo,
		cfg.Detection.Settings(), cfg.Workers.BulkWorkers)
	manager := alerts.NewManager(alertRepo)

	// Create API server
	server := api.NewServer(engine, manager)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("SpendGuard API listening on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down SpendGuard...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("SpendGuard stopped")
}

func openStorage(cfg *config.StorageConfig) (storage.FingerprintRepository, storage.AlertRepository, storage.SettingsRepository, func(), error) {
	switch cfg.Driver {
	case "memory":
		store := storage.NewMemoryStore()
		return store, store, store, func() {}, nil
	default:
		store, err := storage.NewSQLiteStore(cfg.DataPath)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return store, store, store, func() { store.Close() }, nil
	}
}

func loadConfig() *config.Config {
	configPath := os.Getenv("SPENDGUARD_CONFIG")
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Printf("Failed to load config from %s: %v, using defaults", configPath, err)
			return config.LoadFromEnv()
		}
		return cfg
	}
	return config.LoadFromEnv()
}
