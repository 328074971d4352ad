package exportapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/browser"

	"github.com/yourusername/visit-export/internal/exportjob"
)

var (
	_ exportjob.Downloader = (*FileDownloader)(nil)
	_ exportjob.Opener     = BrowserOpener{}
)

// FileDownloader は Client のセッションで成果物を取得し、Dir に保存します。
type FileDownloader struct {
	client *Client
	http   *http.Client
	dir    string
}

// NewFileDownloader は FileDownloader を作成します。
// Cookie Jar は Client と共有し、本文の転送時間は制限しません。中断は ctx で行います。
func NewFileDownloader(client *Client, dir string) *FileDownloader {
	hc := *client.http
	hc.Timeout = 0
	return &FileDownloader{client: client, http: &hc, dir: dir}
}

// Download は url を取得し、一時ファイルに書き出してから filename へリネームします。
func (d *FileDownloader) Download(ctx context.Context, url, filename string) error {
	name := sanitizeFilename(filename)
	if name == "" {
		return fmt.Errorf("invalid download filename %q", filename)
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	tmp, err := os.CreateTemp(d.dir, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	dest := filepath.Join(d.dir, name)
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	d.client.logger.WithField("path", dest).Info("export downloaded")
	return nil
}

// BrowserOpener は既定のブラウザでURLを開きます。
type BrowserOpener struct{}

// Open は url をブラウザで開きます。
func (BrowserOpener) Open(url string) error {
	return browser.OpenURL(url)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
}
