// Package exports はエクスポートAPIの HTTP ハンドラーを提供します。
package exports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/visit-export/internal/auth"
	"github.com/yourusername/visit-export/internal/exportjob"
	"github.com/yourusername/visit-export/internal/jobs"
	"github.com/yourusername/visit-export/internal/storage"
	"github.com/yourusername/visit-export/internal/visits"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// JobService はジョブの投入と状態管理を提供します。*jobs.Manager が実装します。
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Record, error)
	GetRecord(ctx context.Context, exportID string) (*jobs.Record, error)
	List(ctx context.Context, scope visits.Scope, limit int) ([]*jobs.Record, error)
	Cancel(ctx context.Context, exportID string) (*jobs.Record, error)
	SendEmail(ctx context.Context, exportID, email string) (*jobs.Record, error)
}

// ResultStore は成果物ファイルを開きます。*storage.Local が実装します。
type ResultStore interface {
	Open(key string) (*storage.Object, *os.File, error)
}

// Handler はエクスポート関連のエンドポイントをまとめます。
type Handler struct {
	jobs   JobService
	visits visits.Source
	files  ResultStore
	logger logrus.FieldLogger
}

// NewHandler は Handler を作成します。
func NewHandler(jobs JobService, source visits.Source, files ResultStore, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{jobs: jobs, visits: source, files: files, logger: logger}
}

// Register はルートを登録します。r はセッションと CSRF の検証済みグループを想定しています。
func (h *Handler) Register(r gin.IRouter) {
	scopes := []string{
		"/teams/:teamId/documents/:documentId",
		"/teams/:teamId/datarooms/:dataroomId",
		"/teams/:teamId/datarooms/:dataroomId/groups/:groupId",
	}
	for _, scope := range scopes {
		r.GET(scope+"/views-count", h.ViewsCount)
		r.POST(scope+"/export-visits", h.CreateExport)
		r.GET(scope+"/exports", h.ListExports)
	}
	r.GET("/teams/:teamId/export-jobs/:exportId", h.GetExport)
	r.PATCH("/teams/:teamId/export-jobs/:exportId", h.CancelExport)
	r.POST("/teams/:teamId/export-jobs/:exportId/send-email", h.SendEmail)
}

type createRequest struct {
	ResourceName string `json:"resourceName"`
	GroupName    string `json:"groupName"`
}

type cancelRequest struct {
	Status string `json:"status"`
}

type sendEmailRequest struct {
	Email string `json:"email"`
}

// statusResponse はクライアントがポーリングで受け取る形式です。
type statusResponse struct {
	Status       jobs.Status `json:"status"`
	IsReady      bool        `json:"isReady"`
	Error        string      `json:"error,omitempty"`
	ResourceName string      `json:"resourceName,omitempty"`
}

type summaryResponse struct {
	ID           string      `json:"id"`
	Status       jobs.Status `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"`
	GroupID      string      `json:"groupId,omitempty"`
	Error        string      `json:"error,omitempty"`
	Result       string      `json:"result,omitempty"`
	ResourceName string      `json:"resourceName,omitempty"`
}

// ViewsCount は GET {scope}/views-count のハンドラーです。
func (h *Handler) ViewsCount(c *gin.Context) {
	count, err := h.visits.Count(c.Request.Context(), scopeFromParams(c))
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// CreateExport は POST {scope}/export-visits のハンドラーです。
func (h *Handler) CreateExport(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "request body must be JSON",
		})
		return
	}

	record, err := h.jobs.Submit(c.Request.Context(), jobs.SubmitRequest{
		Scope:        scopeFromParams(c),
		ResourceName: req.ResourceName,
		GroupName:    req.GroupName,
	})
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"exportId": record.ExportID})
}

// ListExports は GET {scope}/exports のハンドラーです。
func (h *Handler) ListExports(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := h.jobs.List(c.Request.Context(), scopeFromParams(c), limit)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	out := make([]summaryResponse, 0, len(records))
	for _, rec := range records {
		summary := summaryResponse{
			ID:           rec.ExportID,
			Status:       rec.Status,
			CreatedAt:    rec.CreatedAt,
			GroupID:      rec.GroupID,
			ResourceName: rec.ResourceName,
		}
		if rec.Error != nil {
			summary.Error = rec.Error.Message
		}
		if rec.Status == jobs.StatusCompleted && rec.IsReady {
			summary.Result = jobPath(rec) + "?download=true"
		}
		out = append(out, summary)
	}
	c.JSON(http.StatusOK, out)
}

// GetExport は GET /teams/:teamId/export-jobs/:exportId のハンドラーです。
// ?download=true のときは成果物のCSVを返します。
func (h *Handler) GetExport(c *gin.Context) {
	record, ok := h.loadRecord(c)
	if !ok {
		return
	}
	if download, _ := strconv.ParseBool(c.Query("download")); download {
		h.download(c, record)
		return
	}

	resp := statusResponse{
		Status:       record.Status,
		IsReady:      record.Status == jobs.StatusCompleted && record.IsReady,
		ResourceName: record.ResourceName,
	}
	if record.Error != nil {
		resp.Error = record.Error.Message
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

// CancelExport は PATCH /teams/:teamId/export-jobs/:exportId のハンドラーです。
func (h *Handler) CancelExport(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body must be JSON"})
		return
	}
	if req.Status != "" && req.Status != string(jobs.StatusCancelled) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only cancellation is supported"})
		return
	}
	if _, ok := h.loadRecordWith(c, errorBody); !ok {
		return
	}

	record, err := h.jobs.Cancel(c.Request.Context(), c.Param("exportId"))
	switch {
	case errors.Is(err, jobs.ErrAlreadyFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "Export already finished"})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Export not found"})
	case err != nil:
		h.logger.WithError(err).WithField("exportId", c.Param("exportId")).Error("cancel failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel export"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": record.Status})
	}
}

// SendEmail は POST /teams/:teamId/export-jobs/:exportId/send-email のハンドラーです。
// 宛先は本文の email、無ければログイン中ユーザーのメールアドレスです。
func (h *Handler) SendEmail(c *gin.Context) {
	var req sendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body must be JSON"})
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = auth.CurrentEmail(c)
	}
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No email address available"})
		return
	}
	if _, ok := h.loadRecordWith(c, errorBody); !ok {
		return
	}

	_, err := h.jobs.SendEmail(c.Request.Context(), c.Param("exportId"), email)
	switch {
	case errors.Is(err, jobs.ErrAlreadyFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "Export can no longer be emailed"})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Export not found"})
	case err != nil:
		h.logger.WithError(err).WithField("exportId", c.Param("exportId")).Error("send email failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send export email"})
	default:
		c.JSON(http.StatusOK, gin.H{})
	}
}

func (h *Handler) download(c *gin.Context, record *jobs.Record) {
	if record.Status != jobs.StatusCompleted || !record.IsReady || record.ResultKey == "" {
		c.JSON(http.StatusConflict, gin.H{
			"code":    "EXPORT_NOT_READY",
			"message": "export is not ready for download",
		})
		return
	}

	obj, file, err := h.files.Open(record.ResultKey)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "EXPORT_RESULT_NOT_FOUND",
				"message": "export file not found",
			})
			return
		}
		h.respondWithError(c, err)
		return
	}
	defer file.Close()

	filename := exportjob.BuildFilename(record.ResourceName, record.GroupName, record.UpdatedAt)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", asciiFilename(filename), url.PathEscape(filename)))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Export-Id", record.ExportID)
	c.DataFromReader(http.StatusOK, obj.Size, obj.ContentType, file, nil)
}

type errorStyle int

const (
	codeMessageBody errorStyle = iota
	errorBody
)

func (h *Handler) loadRecord(c *gin.Context) (*jobs.Record, bool) {
	return h.loadRecordWith(c, codeMessageBody)
}

// loadRecordWith はURLのジョブを取得します。別チームのジョブは存在しないものとして扱います。
func (h *Handler) loadRecordWith(c *gin.Context, style errorStyle) (*jobs.Record, bool) {
	exportID := strings.TrimSpace(c.Param("exportId"))
	record, err := h.jobs.GetRecord(c.Request.Context(), exportID)
	if err == nil && record.TeamID != c.Param("teamId") {
		err = jobs.ErrNotFound
	}
	if err == nil {
		return record, true
	}

	if style == errorBody {
		if errors.Is(err, jobs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Export not found"})
		} else {
			h.logger.WithError(err).Error("failed to load export")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load export"})
		}
		return nil, false
	}
	h.respondWithError(c, err)
	return nil, false
}

func (h *Handler) respondWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, visits.ErrInvalidScope):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": err.Error(),
		})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "EXPORT_NOT_FOUND",
			"message": "export not found",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "request was cancelled",
		})
	default:
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "internal server error",
		})
	}
}

func scopeFromParams(c *gin.Context) visits.Scope {
	return visits.Scope{
		TeamID:     c.Param("teamId"),
		DocumentID: c.Param("documentId"),
		DataroomID: c.Param("dataroomId"),
		GroupID:    c.Param("groupId"),
	}
}

func jobPath(rec *jobs.Record) string {
	return "/api/teams/" + url.PathEscape(rec.TeamID) + "/export-jobs/" + url.PathEscape(rec.ExportID)
}

// asciiFilename は filename= 用に ASCII 以外と引用符を置き換えます。
func asciiFilename(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 || r > 0x7e {
			return '_'
		}
		return r
	}, name)
}
