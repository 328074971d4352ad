package exportapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/go-querystring/query"

	"github.com/yourusername/visit-export/internal/exportjob"
)

var _ exportjob.API = (*Client)(nil)

// ExportSummary は過去のエクスポート一覧の1件です。
type ExportSummary struct {
	ID           string           `json:"id"`
	Status       exportjob.Status `json:"status"`
	CreatedAt    time.Time        `json:"createdAt"`
	GroupID      string           `json:"groupId,omitempty"`
	Error        string           `json:"error,omitempty"`
	Result       string           `json:"result,omitempty"`
	ResourceName string           `json:"resourceName,omitempty"`
}

type viewCountResponse struct {
	Count int `json:"count"`
}

type createRequest struct {
	ResourceName string `json:"resourceName,omitempty"`
	GroupName    string `json:"groupName,omitempty"`
}

type createResponse struct {
	ExportID string `json:"exportId"`
}

type cancelRequest struct {
	Status exportjob.Status `json:"status"`
}

type sendEmailRequest struct {
	Email string `json:"email"`
}

type downloadQuery struct {
	Download bool `url:"download"`
}

type listQuery struct {
	Limit int `url:"limit,omitempty"`
}

// ScopePath はリソース単位のAPIパスを返します。
func ScopePath(t exportjob.Target) string {
	base := "/api/teams/" + url.PathEscape(t.TeamID)
	if t.DocumentID != "" {
		return base + "/documents/" + url.PathEscape(t.DocumentID)
	}
	p := base + "/datarooms/" + url.PathEscape(t.DataroomID)
	if t.GroupID != "" {
		p += "/groups/" + url.PathEscape(t.GroupID)
	}
	return p
}

// JobPath はジョブ単位のAPIパスを返します。
func JobPath(teamID, exportID string) string {
	return "/api/teams/" + url.PathEscape(teamID) + "/export-jobs/" + url.PathEscape(exportID)
}

// ViewCount はエクスポート対象となる閲覧記録の件数を返します。
func (c *Client) ViewCount(ctx context.Context, target exportjob.Target) (int, error) {
	var out viewCountResponse
	if err := c.do(ctx, "GET", ScopePath(target)+"/views-count", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Create はエクスポートジョブを作成し、ジョブIDを返します。
func (c *Client) Create(ctx context.Context, target exportjob.Target) (string, error) {
	var out createResponse
	err := c.do(ctx, "POST", ScopePath(target)+"/export-visits", nil, createRequest{
		ResourceName: target.ResourceName,
		GroupName:    target.GroupName,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ExportID == "" {
		return "", errors.New("create export: response has no exportId")
	}
	return out.ExportID, nil
}

// Status はジョブの状態を取得します。
func (c *Client) Status(ctx context.Context, teamID, exportID string) (*exportjob.JobStatus, error) {
	var out exportjob.JobStatus
	if err := c.do(ctx, "GET", JobPath(teamID, exportID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel はジョブの取り消しを依頼します。
func (c *Client) Cancel(ctx context.Context, teamID, exportID string) error {
	return c.do(ctx, "PATCH", JobPath(teamID, exportID), nil, cancelRequest{Status: exportjob.StatusCancelled}, nil)
}

// SendEmail は成果物をメールで送るよう依頼します。
func (c *Client) SendEmail(ctx context.Context, teamID, exportID, email string) error {
	return c.do(ctx, "POST", JobPath(teamID, exportID)+"/send-email", nil, sendEmailRequest{Email: email}, nil)
}

// DownloadURL は成果物ダウンロード用のURLを返します。
func (c *Client) DownloadURL(teamID, exportID string) string {
	values, err := query.Values(downloadQuery{Download: true})
	if err != nil {
		values = url.Values{"download": {"true"}}
	}
	return c.resolve(JobPath(teamID, exportID), values)
}

// ListExports は対象リソースの過去のエクスポートを新しい順に返します。limit が 0 ならサーバーの既定値です。
func (c *Client) ListExports(ctx context.Context, target exportjob.Target, limit int) ([]ExportSummary, error) {
	values, err := query.Values(listQuery{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to encode list query: %w", err)
	}
	var out []ExportSummary
	if err := c.do(ctx, "GET", ScopePath(target)+"/exports", values, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Profile はログイン中のユーザー情報です。
type Profile struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Me はログイン中のユーザー情報を取得します。
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	var out Profile
	if err := c.do(ctx, "GET", "/api/auth/me", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
