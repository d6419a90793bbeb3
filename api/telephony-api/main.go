// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/rapidaai/voice-gateway/api/telephony-api/config"
	internal_directory "github.com/rapidaai/voice-gateway/api/telephony-api/internal/directory"
	internal_journal "github.com/rapidaai/voice-gateway/api/telephony-api/internal/journal"
	internal_manager "github.com/rapidaai/voice-gateway/api/telephony-api/internal/manager"
	internal_pipeline "github.com/rapidaai/voice-gateway/api/telephony-api/internal/pipeline"
	internal_telephony "github.com/rapidaai/voice-gateway/api/telephony-api/internal/telephony"
	internal_plivo_telephony "github.com/rapidaai/voice-gateway/api/telephony-api/internal/telephony/plivo"
	internal_tata_telephony "github.com/rapidaai/voice-gateway/api/telephony-api/internal/telephony/tata"
	telephony_routers "github.com/rapidaai/voice-gateway/api/telephony-api/router"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("unable to initialize config: %v", err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("invalid application config: %v", err)
	}

	logger, err := commons.NewApplicationLogger()
	if err != nil {
		log.Fatalf("unable to initialize logger: %v", err)
	}
	defer logger.Sync()

	manager, err := buildManager(cfg, logger)
	if err != nil {
		logger.Fatalf("unable to build telephony manager: %v", err)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	telephony_routers.HealthCheckRoutes(cfg, engine, logger)
	telephony_routers.TelephonyRoutes(cfg, engine, logger, manager)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	go func() {
		logger.Infof("%s listening on %s", cfg.Name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down, terminating active calls")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	manager.Shutdown(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
}

// buildManager wires the configured provider adapter, the agent directory,
// the call journal and the pipeline factory into one manager.
func buildManager(cfg *config.AppConfig, logger commons.Logger) (*internal_manager.Manager, error) {
	opts := []internal_manager.ManagerOption{
		internal_manager.WithDefaultAgent(internal_pipeline.AgentConfig{
			Name:         "default",
			SystemPrompt: cfg.Telephony.SystemPrompt,
			STT:          internal_pipeline.ProviderConfig{Provider: cfg.Telephony.Defaults.STT},
			LLM:          internal_pipeline.ProviderConfig{Provider: cfg.Telephony.Defaults.LLM},
			TTS:          internal_pipeline.ProviderConfig{Provider: cfg.Telephony.Defaults.TTS},
		}),
	}
	if cfg.AgentDirectoryHost != "" {
		opts = append(opts, internal_manager.WithDirectory(
			internal_directory.NewRemoteDirectory(logger, cfg.AgentDirectoryHost)))
	}
	if cfg.JournalHost != "" {
		opts = append(opts, internal_manager.WithJournal(
			internal_journal.NewHTTPJournal(logger, cfg.JournalHost)))
	}
	if cfg.Telephony.RecordCalls {
		opts = append(opts, internal_manager.WithRecordingsDir(cfg.Telephony.RecordingsDir))
	}

	manager := internal_manager.NewManager(logger, &internal_pipeline.LoopbackFactory{Logger: logger}, opts...)

	adapter, err := buildAdapter(cfg, logger, manager)
	if err != nil {
		return nil, err
	}
	manager.RegisterAdapter(adapter)
	return manager, nil
}

func buildAdapter(cfg *config.AppConfig, logger commons.Logger, sink internal_telephony.EventSink) (internal_telephony.Adapter, error) {
	switch cfg.Telephony.Provider {
	case internal_plivo_telephony.ProviderName:
		return internal_plivo_telephony.NewPlivoTelephony(logger, sink,
			internal_plivo_telephony.WithCredentials(cfg.Telephony.Credentials.AuthID, cfg.Telephony.Credentials.AuthToken),
			internal_plivo_telephony.WithWebhookBaseURL(cfg.Telephony.WebhookBaseURL),
		)
	case internal_tata_telephony.ProviderName:
		return internal_tata_telephony.NewTataTelephony(logger, sink), nil
	default:
		return nil, fmt.Errorf("%w: unknown telephony provider %q", internal_telephony.ErrConfig, cfg.Telephony.Provider)
	}
}
