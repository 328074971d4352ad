// Package exportjob は訪問ログエクスポートジョブをクライアント側から駆動するステートマシンを提供します。
package exportjob

import (
	"errors"
	"strings"
	"time"
)

// Status はサーバーが管理するエクスポートジョブの状態です。
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Phase はコントローラー自身の状態遷移上の位置を表します。
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseCreating      Phase = "CREATING"
	PhasePolling       Phase = "POLLING"
	PhaseDownloading   Phase = "DOWNLOADING"
	PhaseFailed        Phase = "FAILED"
	PhaseCancelled     Phase = "CANCELLED"
	PhaseEmailDeferred Phase = "EMAIL_DEFERRED"
	PhaseTimedOut      Phase = "TIMED_OUT"
)

// ProgressPlaceholder はポーリング中に表示する固定の進捗テキストです。
const ProgressPlaceholder = "Preparing export..."

var (
	ErrExportInProgress = errors.New("export already in progress")
	ErrNoActiveExport   = errors.New("no active export")
	ErrEmailUnavailable = errors.New("user email is not available")
	ErrInvalidTarget    = errors.New("invalid export target")
	ErrClosed           = errors.New("controller is closed")
)

// Target はエクスポート対象のリソースです。
// DocumentID か DataroomID のどちらか一方を指定し、GroupID はデータルームと組み合わせて使います。
type Target struct {
	TeamID       string
	DocumentID   string
	DataroomID   string
	GroupID      string
	ResourceName string
	GroupName    string
}

// Validate は Target の組み合わせを検証します。
func (t Target) Validate() error {
	if strings.TrimSpace(t.TeamID) == "" {
		return errors.Join(ErrInvalidTarget, errors.New("team id is required"))
	}
	hasDoc := strings.TrimSpace(t.DocumentID) != ""
	hasRoom := strings.TrimSpace(t.DataroomID) != ""
	switch {
	case hasDoc && hasRoom:
		return errors.Join(ErrInvalidTarget, errors.New("document id and dataroom id are mutually exclusive"))
	case !hasDoc && !hasRoom:
		return errors.Join(ErrInvalidTarget, errors.New("document id or dataroom id is required"))
	case hasDoc && t.GroupID != "":
		return errors.Join(ErrInvalidTarget, errors.New("group id requires a dataroom id"))
	}
	return nil
}

// JobStatus はステータス取得APIのレスポンスです。
type JobStatus struct {
	Status       Status `json:"status"`
	IsReady      bool   `json:"isReady"`
	Error        string `json:"error,omitempty"`
	ResourceName string `json:"resourceName,omitempty"`
}

// Ready はダウンロード可能な完了状態かどうかを返します。
// status が先に COMPLETED になっても成果物が保存されるまでは isReady が false のままです。
func (s *JobStatus) Ready() bool {
	return s != nil && s.Status == StatusCompleted && s.IsReady
}

// State は画面から観測できるコントローラーの状態です。
type State struct {
	Phase          Phase
	Status         Status
	ExportID       string
	Progress       string
	ResourceName   string
	GroupName      string
	ViewCount      *int
	RecommendEmail bool
	StartTime      time.Time
	Started        bool
}

// Resolution はひとつのエクスポート試行の最終結果です。
type Resolution struct {
	Phase    Phase
	ExportID string
	Filename string
	Err      error
}
