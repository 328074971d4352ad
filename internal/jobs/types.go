package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/visit-export/internal/visits"
)

// Status はエクスポートジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal は以後状態が変わらないかどうかを返します。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

var (
	// ErrNotFound は記録が存在しない（期限切れを含む）場合のエラーです。
	ErrNotFound = errors.New("export job not found")
	// ErrAlreadyFinished は終了済みのジョブを更新しようとした場合のエラーです。
	ErrAlreadyFinished = errors.New("export job already finished")
)

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error はワーカー内で発生した、利用者に見せてよいメッセージ付きのエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Record はジョブの現在状態を表します。
type Record struct {
	ExportID     string     `json:"exportId"`
	TeamID       string     `json:"teamId"`
	DocumentID   string     `json:"documentId,omitempty"`
	DataroomID   string     `json:"dataroomId,omitempty"`
	GroupID      string     `json:"groupId,omitempty"`
	ResourceName string     `json:"resourceName,omitempty"`
	GroupName    string     `json:"groupName,omitempty"`
	Status       Status     `json:"status"`
	IsReady      bool       `json:"isReady"`
	Progress     int        `json:"progress"` // 書き込み済みの行数
	RowCount     int        `json:"rowCount"`
	ResultKey    string     `json:"resultKey,omitempty"`
	EmailTo      string     `json:"emailTo,omitempty"`
	EmailSentAt  *time.Time `json:"emailSentAt,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
}

// Scope は記録が対象とする範囲を返します。
func (r *Record) Scope() visits.Scope {
	return visits.Scope{
		TeamID:     r.TeamID,
		DocumentID: r.DocumentID,
		DataroomID: r.DataroomID,
		GroupID:    r.GroupID,
	}
}

// TaskPayload はエクスポートタスクのペイロードです。
type TaskPayload struct {
	ExportID string `json:"exportId"`
}

// SubmitRequest はエクスポート作成の入力です。
type SubmitRequest struct {
	Scope        visits.Scope
	ResourceName string
	GroupName    string
}

// ResultKey はジョブ成果物のストレージキーです。
func ResultKey(exportID string) string {
	return exportID + "/visits.csv"
}
