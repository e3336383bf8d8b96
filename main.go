package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meetingIntel/config"
	"meetingIntel/processors"
	"meetingIntel/prompts"
	"meetingIntel/server"
	"meetingIntel/storage"
	"meetingIntel/utils"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		config.PrintConfigInstructions()
		log.Fatalf("failed to load config: %v", err)
	}

	report := config.GetGlobalValidator().ValidateConfig(cfg)
	if !report.Valid {
		log.Print(report.GetFormattedReport())
		config.PrintConfigInstructions()
		log.Fatalf("invalid configuration")
	}
	if report.Summary.TotalWarnings > 0 {
		log.Print(report.GetFormattedReport())
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions, err := storage.NewSessionStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init session store: %v", err)
	}
	defer sessions.Close()
	log.Printf("Session store initialized: %s", cfg.SessionStore)

	var embedder storage.Embedder
	if cfg.HasValidAPI() {
		embedder = storage.NewOpenAIEmbedder(cfg.APIKey, cfg.BaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
	}
	vectors := storage.NewVectorStore(ctx, cfg, embedder)
	defer vectors.Close()

	lib, err := prompts.New(cfg.PromptDir)
	if err != nil {
		log.Fatalf("failed to load prompts: %v", err)
	}
	if cfg.PromptDir != "" {
		go func() {
			if err := lib.Watch(ctx); err != nil {
				log.Printf("Warning: prompt hot reload disabled: %v", err)
			}
		}()
	}

	gpuType := utils.ResolveGPUType(cfg.GPUAcceleration, cfg.GPUType)
	if cfg.GPUAcceleration {
		log.Printf("GPU acceleration: %s", gpuType)
	}
	extractor := processors.NewFFmpegExtractor(cfg.FFmpegPath, gpuType, cfg.AudioEnhance)
	asr := processors.NewASRProvider(cfg)
	llm := processors.NewGenerator(ctx, cfg)

	orch := processors.NewOrchestrator(cfg, sessions, extractor, asr, llm, lib)
	chat := processors.NewChatEngine(cfg, sessions, vectors, llm, lib)

	janitor := storage.NewJanitor(sessions, vectors, cfg.RetentionTTL())
	janitor.Start(ctx)
	defer janitor.Stop()

	srv := server.New(cfg, server.Deps{
		Orchestrator: orch,
		Chat:         chat,
		Sessions:     sessions,
		Vectors:      vectors,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down services...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	log.Println("All services shut down gracefully")
}
