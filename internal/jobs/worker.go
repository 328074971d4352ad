// Package jobs は非同期エクスポートジョブの投入・実行・状態管理を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/visit-export/internal/mailer"
	"github.com/yourusername/visit-export/internal/storage"
	"github.com/yourusername/visit-export/internal/visits"
)

const (
	// TaskTypeExport は閲覧記録CSVを生成するタスクです。
	TaskTypeExport = "export:visits"
	// TaskTypeSweep は期限切れの成果物を削除する定期タスクです。
	TaskTypeSweep = "export:sweep"

	defaultCancelCheckEvery = 500
)

// errCancelled はワーカーが取り消しを検知したことを表します。
var errCancelled = errors.New("export cancelled")

// Worker はエクスポートタスクを処理します。
type Worker struct {
	store            *Store
	source           visits.Source
	files            *storage.Local
	sender           mailer.Sender
	publicBaseURL    string
	cancelCheckEvery int
	logger           logrus.FieldLogger
}

// WorkerOptions は Worker の依存関係です。
type WorkerOptions struct {
	Store            *Store
	Source           visits.Source
	Files            *storage.Local
	Sender           mailer.Sender
	PublicBaseURL    string
	CancelCheckEvery int
	Logger           logrus.FieldLogger
}

// NewWorker は Worker を作成します。
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("store is nil")
	}
	if opts.Source == nil {
		return nil, errors.New("visit source is nil")
	}
	if opts.Files == nil {
		return nil, errors.New("file storage is nil")
	}
	if opts.Sender == nil {
		return nil, errors.New("mail sender is nil")
	}
	if opts.CancelCheckEvery <= 0 {
		opts.CancelCheckEvery = defaultCancelCheckEvery
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Worker{
		store:            opts.Store,
		source:           opts.Source,
		files:            opts.Files,
		sender:           opts.Sender,
		publicBaseURL:    strings.TrimRight(opts.PublicBaseURL, "/"),
		cancelCheckEvery: opts.CancelCheckEvery,
		logger:           opts.Logger,
	}, nil
}

// ProcessTask は export:visits タスクを処理します。
func (w *Worker) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.ExportID == "" {
		return fmt.Errorf("missing exportId in payload: %w", asynq.SkipRetry)
	}
	log := w.logger.WithField("exportId", payload.ExportID)

	record, err := w.store.MarkProcessing(ctx, payload.ExportID)
	switch {
	case errors.Is(err, ErrAlreadyFinished):
		log.Info("export finished before processing started")
		return nil
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("export %s: %w", payload.ExportID, asynq.SkipRetry)
	case err != nil:
		return err
	}

	rows, err := w.render(ctx, record)
	if err != nil {
		if errors.Is(err, errCancelled) || w.isCancelled(record.ExportID) {
			log.Info("export cancelled while processing")
			_ = w.files.Delete(ResultKey(record.ExportID))
			return nil
		}
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
			err = &Error{Code: "EXPORT_TIMEOUT", Message: "export took too long to finish", Err: err}
		case ctx.Err() != nil:
			// サーバー停止による中断。タスクは asynq が再投入するので記録は PROCESSING のまま
			log.WithError(err).Warn("export interrupted")
			return ctx.Err()
		}
		log.WithError(err).Error("export failed")
		// タスクのコンテキストが切れていても終端状態は書き込む
		return w.fail(context.WithoutCancel(ctx), record.ExportID, err)
	}

	done, err := w.store.MarkDone(context.WithoutCancel(ctx), record.ExportID, ResultKey(record.ExportID), rows)
	if errors.Is(err, ErrAlreadyFinished) {
		log.Info("export cancelled after the file was written")
		_ = w.files.Delete(ResultKey(record.ExportID))
		return nil
	}
	if err != nil {
		return err
	}
	log.WithField("rows", rows).Info("export completed")

	if done.EmailTo != "" {
		if err := w.deliver(ctx, done); err != nil {
			// メール送付に失敗してもジョブ自体は完了のまま
			log.WithError(err).Warn("failed to email export")
		}
	}
	return nil
}

// render は閲覧記録を CSV にしてストレージへ保存し、行数を返します。
func (w *Worker) render(ctx context.Context, record *Record) (int, error) {
	pr, pw := io.Pipe()
	rowsCh := make(chan int, 1)

	go func() {
		rows, err := w.writeCSV(ctx, record, pw)
		rowsCh <- rows
		pw.CloseWithError(err)
	}()

	_, saveErr := w.files.Save(ctx, ResultKey(record.ExportID), pr)
	// Save が途中で失敗した場合に書き込み側を解放する
	pr.CloseWithError(saveErr)
	rows := <-rowsCh

	if saveErr != nil {
		var jobErr *Error
		if errors.As(saveErr, &jobErr) || errors.Is(saveErr, errCancelled) || ctx.Err() != nil {
			return rows, saveErr
		}
		return rows, &Error{Code: "STORAGE_FAILED", Message: "could not store the export file", Err: saveErr}
	}
	return rows, nil
}

func (w *Worker) writeCSV(ctx context.Context, record *Record, out io.Writer) (int, error) {
	writer, err := visits.NewWriter(out)
	if err != nil {
		return 0, err
	}
	err = w.source.Each(ctx, record.Scope(), func(v visits.Visit) error {
		if err := writer.Write(v); err != nil {
			return err
		}
		if writer.Rows()%w.cancelCheckEvery == 0 {
			if _, err := w.store.UpdateProgress(ctx, record.ExportID, writer.Rows()); err != nil {
				if errors.Is(err, ErrAlreadyFinished) {
					return errCancelled
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errCancelled) || ctx.Err() != nil {
			return writer.Rows(), err
		}
		return writer.Rows(), &Error{Code: "VISITS_READ_FAILED", Message: "could not read visit records", Err: err}
	}
	return writer.Rows(), writer.Flush()
}

// isCancelled はコンテキストが切れた後でも記録を確認できるよう独立したコンテキストで問い合わせます。
func (w *Worker) isCancelled(exportID string) bool {
	record, err := w.store.Get(context.Background(), exportID)
	return err == nil && record.Status == StatusCancelled
}

func (w *Worker) fail(ctx context.Context, exportID string, err error) error {
	info := &ErrorInfo{Code: "INTERNAL_ERROR", Message: "unexpected error while exporting"}
	var jobErr *Error
	if errors.As(err, &jobErr) {
		info = &ErrorInfo{Code: jobErr.Code, Message: jobErr.Message}
	}
	if _, err := w.store.MarkFailed(ctx, exportID, info); err != nil && !errors.Is(err, ErrAlreadyFinished) {
		return err
	}
	return nil
}

// deliver は成果物のダウンロードリンクをメールで送り、送付済みにします。
func (w *Worker) deliver(ctx context.Context, record *Record) error {
	msg := mailer.ExportReady(record.EmailTo, record.ResourceName, w.DownloadURL(record))
	id, err := w.sender.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("send export email: %w", err)
	}
	w.logger.WithFields(logrus.Fields{
		"exportId":  record.ExportID,
		"messageId": id,
	}).Info("export emailed")
	_, err = w.store.MarkEmailSent(ctx, record.ExportID, w.store.clock.Now())
	return err
}

// DownloadURL はメール本文に載せるダウンロードURLを返します。
func (w *Worker) DownloadURL(record *Record) string {
	return fmt.Sprintf("%s/api/teams/%s/export-jobs/%s?download=true",
		w.publicBaseURL, url.PathEscape(record.TeamID), url.PathEscape(record.ExportID))
}

// ProcessSweep は期限切れの成果物を削除します。
func (w *Worker) ProcessSweep(ctx context.Context, _ *asynq.Task) error {
	removed, err := w.files.Sweep(ctx, w.store.clock.Now().Add(-w.store.ttl))
	if err != nil {
		return err
	}
	if removed > 0 {
		w.logger.WithField("removed", removed).Info("expired export files removed")
	}
	return nil
}
