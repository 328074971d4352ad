package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/visit-export/internal/config"
	"github.com/yourusername/visit-export/internal/jobs"
	"github.com/yourusername/visit-export/internal/mailer"
	"github.com/yourusername/visit-export/internal/storage"
	"github.com/yourusername/visit-export/internal/visits"
)

// サンプルデータ用のスコープ。DATABASE_URL 未設定時の動作確認に使います。
var (
	sampleDocument = visits.Scope{TeamID: "team-demo", DocumentID: "doc-demo"}
	sampleGroup    = visits.Scope{TeamID: "team-demo", DataroomID: "room-demo", GroupID: "group-demo"}
)

type jobDeps struct {
	manager *jobs.Manager
	source  visits.Source
	files   *storage.Local
	redis   *redis.Client
	pool    *pgxpool.Pool
}

// Close はワーカーと接続を閉じます。
func (d *jobDeps) Close(ctx context.Context) error {
	var errs []error
	if d.manager != nil {
		errs = append(errs, d.manager.Shutdown(ctx))
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.pool != nil {
		d.pool.Close()
	}
	return errors.Join(errs...)
}

func setupJobs(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*jobDeps, error) {
	deps := &jobDeps{}

	if cfg.DatabaseURL != "" {
		source, pool, err := visits.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		deps.source, deps.pool = source, pool
	} else {
		logger.Warn("DATABASE_URL is not set, serving generated sample visits")
		mem := visits.NewMemorySource()
		start := time.Now().Add(-30 * 24 * time.Hour)
		mem.Seed(sampleDocument, 250, start)
		mem.Seed(sampleGroup, 1500, start)
		deps.source = mem
	}

	files, err := storage.NewLocal(cfg.ExportDir)
	if err != nil {
		_ = deps.Close(ctx)
		return nil, err
	}
	deps.files = files

	sender, err := mailer.NewSender(cfg, logger)
	if err != nil {
		_ = deps.Close(ctx)
		return nil, err
	}

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	deps.redis = redis.NewClient(opt)
	store := jobs.NewStore(deps.redis, cfg.JobTTL())

	worker, err := jobs.NewWorker(jobs.WorkerOptions{
		Store:            store,
		Source:           deps.source,
		Files:            files,
		Sender:           sender,
		PublicBaseURL:    cfg.PublicBaseURL,
		CancelCheckEvery: cfg.CancelCheckEvery,
		Logger:           logger,
	})
	if err != nil {
		_ = deps.Close(ctx)
		return nil, err
	}

	manager, err := jobs.NewManager(cfg, store, worker, logger)
	if err != nil {
		_ = deps.Close(ctx)
		return nil, err
	}
	deps.manager = manager
	return deps, nil
}
