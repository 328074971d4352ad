package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/visit-export/internal/config"
	"github.com/yourusername/visit-export/internal/visits"
)

const (
	queueName     = "exports"
	sweepSchedule = "@every 1h"
	taskTimeout   = 30 * time.Minute
)

// taskQueue は *asynq.Client のうち Manager が使う部分です。
type taskQueue interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// taskInspector は *asynq.Inspector のうち取り消しに使う部分です。
type taskInspector interface {
	CancelProcessing(id string) error
	DeleteTask(queue, id string) error
	Close() error
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	client    taskQueue
	inspector taskInspector
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	store     *Store
	worker    *Worker
	logger    logrus.FieldLogger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store *Store, worker *Worker, logger logrus.FieldLogger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	concurrency := cfg.QueueConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger:   newAsynqLogger(logger),
			LogLevel: asynq.WarnLevel,
		},
	)
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Logger: newAsynqLogger(logger)})
	if _, err := scheduler.Register(sweepSchedule, asynq.NewTask(TaskTypeSweep, nil), asynq.Queue(queueName)); err != nil {
		return nil, fmt.Errorf("failed to register sweep task: %w", err)
	}

	manager, err := newManager(asynq.NewClient(opt), asynq.NewInspector(opt), store, worker, logger)
	if err != nil {
		return nil, err
	}
	manager.server = server
	manager.scheduler = scheduler
	return manager, nil
}

func newManager(client taskQueue, inspector taskInspector, store *Store, worker *Worker, logger logrus.FieldLogger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if worker == nil {
		return nil, errors.New("worker is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeExport, worker.ProcessTask)
	mux.HandleFunc(TaskTypeSweep, worker.ProcessSweep)
	return &Manager{
		client:    client,
		inspector: inspector,
		mux:       mux,
		store:     store,
		worker:    worker,
		logger:    logger,
	}, nil
}

// StartWorkers は Asynq サーバーとスケジューラーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	if m.server != nil {
		go func() {
			if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
				m.logger.WithError(err).Error("asynq server stopped with error")
			}
		}()
	}
	if m.scheduler != nil {
		if err := m.scheduler.Start(); err != nil {
			m.logger.WithError(err).Error("failed to start asynq scheduler")
		}
	}
}

// Shutdown はサーバー・スケジューラー・クライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.scheduler != nil {
		m.scheduler.Shutdown()
	}
	if m.server != nil {
		m.server.Shutdown()
	}
	return errors.Join(m.client.Close(), m.inspector.Close(), ctx.Err())
}

// Submit はジョブを記録してキューに投入します。
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Record, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, err
	}
	record := &Record{
		ExportID:     uuid.NewString(),
		TeamID:       req.Scope.TeamID,
		DocumentID:   req.Scope.DocumentID,
		DataroomID:   req.Scope.DataroomID,
		GroupID:      req.Scope.GroupID,
		ResourceName: strings.TrimSpace(req.ResourceName),
		GroupName:    strings.TrimSpace(req.GroupName),
		Status:       StatusPending,
	}
	if err := m.store.Create(ctx, record); err != nil {
		return nil, err
	}

	body, err := json.Marshal(&TaskPayload{ExportID: record.ExportID})
	if err != nil {
		return nil, err
	}
	task := asynq.NewTask(TaskTypeExport, body)
	if _, err := m.client.EnqueueContext(ctx, task,
		asynq.TaskID(record.ExportID),
		asynq.Queue(queueName),
		asynq.MaxRetry(1),
		asynq.Timeout(taskTimeout),
	); err != nil {
		_, _ = m.store.MarkFailed(context.WithoutCancel(ctx), record.ExportID, &ErrorInfo{
			Code:    "ENQUEUE_FAILED",
			Message: "could not queue the export",
		})
		return nil, fmt.Errorf("enqueue export %s: %w", record.ExportID, err)
	}

	m.logger.WithFields(logrus.Fields{
		"exportId": record.ExportID,
		"scope":    req.Scope.Key(),
	}).Info("export queued")
	return record, nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, exportID string) (*Record, error) {
	return m.store.Get(ctx, exportID)
}

// List は対象範囲のジョブを新しい順に返します。
func (m *Manager) List(ctx context.Context, scope visits.Scope, limit int) ([]*Record, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	return m.store.List(ctx, scope, limit)
}

// Cancel はジョブを取り消します。終了済みなら ErrAlreadyFinished を返します。
// キュー上のタスクの取り消しは可能な範囲で行い、失敗しても記録の取り消しは有効です。
func (m *Manager) Cancel(ctx context.Context, exportID string) (*Record, error) {
	record, err := m.store.MarkCancelled(ctx, exportID)
	if err != nil {
		return nil, err
	}
	log := m.logger.WithField("exportId", exportID)

	if err := m.inspector.DeleteTask(queueName, exportID); err != nil && !isTaskGone(err) {
		log.WithError(err).Debug("could not delete queued task")
	}
	if err := m.inspector.CancelProcessing(exportID); err != nil {
		log.WithError(err).Debug("could not signal running task")
	}
	log.Info("export cancelled")
	return record, nil
}

// SendEmail は完了時のメール送付を依頼します。既に完了していればその場で送ります。
func (m *Manager) SendEmail(ctx context.Context, exportID, email string) (*Record, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("email is required")
	}
	record, err := m.store.RequestEmail(ctx, exportID, email)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusCompleted && record.IsReady {
		if err := m.worker.deliver(ctx, record); err != nil {
			return nil, err
		}
		return m.store.Get(ctx, exportID)
	}
	m.logger.WithField("exportId", exportID).Info("export will be emailed when ready")
	return record, nil
}

func isTaskGone(err error) bool {
	return errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound)
}
