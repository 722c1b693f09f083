package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mitt-app/mitt-worker/config"
	"github.com/mitt-app/mitt-worker/internal/adapter/analyzer"
	"github.com/mitt-app/mitt-worker/internal/adapter/inference"
	"github.com/mitt-app/mitt-worker/internal/adapter/prober/ffmpeg"
	redisqueue "github.com/mitt-app/mitt-worker/internal/adapter/queue/redis"
	sqlitequeue "github.com/mitt-app/mitt-worker/internal/adapter/queue/sqlite"
	"github.com/mitt-app/mitt-worker/internal/domain"
	"github.com/mitt-app/mitt-worker/internal/infrastructure/logger"
	"github.com/mitt-app/mitt-worker/internal/port"
)

const (
	startupPingTimeout = 5 * time.Second
	inferenceTimeout   = 30 * time.Second
)

// openStore connects the configured backend and fails when it does not
// answer a ping.
func openStore(ctx context.Context, cfg *config.Config) (port.QueueStore, error) {
	var (
		store port.QueueStore
		err   error
	)
	switch cfg.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		store, err = sqlitequeue.NewStore(cfg.DataDir, sqlitequeue.DefaultPollInterval)
	default:
		store, err = redisqueue.NewStore(cfg.RedisURL)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func queueKeys(cfg *config.Config) domain.QueueKeys {
	return domain.NewQueueKeys(cfg.QueuePrefix, cfg.QueueName)
}

func newProcessor(ctx context.Context, cfg *config.Config) port.Processor {
	opts := []analyzer.Option{analyzer.WithSteps(cfg.AnalysisSteps)}
	if cfg.ProbeVideos {
		opts = append(opts, analyzer.WithProber(ffmpeg.NewProber("")))
	}
	if cfg.ModelURL != "" {
		client := inference.NewClient(cfg.ModelURL, inferenceTimeout)
		if err := client.Health(ctx); err != nil {
			logger.Warn.Printf("inference service at %s not healthy: %v", logger.SanitizeForLog(cfg.ModelURL), err)
		}
		opts = append(opts, analyzer.WithPredictor(client))
	}
	return analyzer.New(opts...)
}
