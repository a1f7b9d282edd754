// cmd/server/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sozercan/finsight/internal/analyzer"
	"github.com/sozercan/finsight/internal/config"
	"github.com/sozercan/finsight/internal/document"
	"github.com/sozercan/finsight/internal/llm"
	"github.com/sozercan/finsight/internal/server"
	"github.com/sozercan/finsight/internal/session"
	"github.com/sozercan/finsight/internal/stages"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	setupLogging(cfg.Log)

	llmProvider, err := llm.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to create LLM provider: %v", err)
	}

	catalog, err := stages.Load(cfg.Analysis.StagesFile)
	if err != nil {
		log.Fatalf("failed to load stage catalog: %v", err)
	}

	docs, err := newDocumentStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to create document store: %v", err)
	}

	sessions := session.NewStore(cfg.Analysis.SessionTTL, docs)
	go sessions.Start(ctx, cfg.Analysis.SessionTTL/2)

	svc := analyzer.New(llmProvider, catalog, docs, sessions, analyzer.Options{
		Parallelism:       cfg.Analysis.Parallelism,
		DependencyTimeout: cfg.Analysis.DependencyTimeout,
		MaxRetries:        cfg.LLM.MaxRetries,
	})

	srv := server.New(*cfg, svc)
	slog.Info("starting server", "host", cfg.Server.Host, "port", cfg.Server.Port, "mode", cfg.Analysis.Mode)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func newDocumentStore(ctx context.Context, cfg *config.Config) (document.Store, error) {
	if cfg.Storage.Backend == config.StorageMinio {
		slog.Info("Staging uploads in MinIO", "endpoint", cfg.Minio.Endpoint, "bucket", cfg.Minio.Bucket)
		return document.NewMinioStore(ctx, &cfg.Minio)
	}
	slog.Info("Staging uploads on disk", "dir", cfg.Storage.Dir)
	return document.NewLocalStore(cfg.Storage.Dir)
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
