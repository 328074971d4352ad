package jobs

import (
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// asynqLogger は asynq のログを logrus に流します。
type asynqLogger struct {
	entry *logrus.Entry
}

var _ asynq.Logger = (*asynqLogger)(nil)

func newAsynqLogger(logger logrus.FieldLogger) *asynqLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &asynqLogger{entry: logger.WithField("component", "asynq")}
}

func (l *asynqLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *asynqLogger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *asynqLogger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *asynqLogger) Error(args ...interface{}) { l.entry.Error(args...) }

// Fatal はプロセスを終了させず Error として記録します。終了はサーバー側の停止処理に任せます。
func (l *asynqLogger) Fatal(args ...interface{}) { l.entry.Error(args...) }
