// Package storage はエクスポート成果物の保存先を提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// ErrInvalidKey はルート外を指すキーや空のキーを表します。
var ErrInvalidKey = errors.New("invalid storage key")

// Object は保存済みファイルの情報です。
type Object struct {
	Key         string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Local はローカルファイルシステム上に成果物を保存します。
// 保存先: <root>/<exportId>/visits.csv
type Local struct {
	root string
}

// NewLocal は root を作成して Local を返します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Save は r の内容を key に書き込みます。途中で失敗した場合は何も残しません。
func (l *Local) Save(ctx context.Context, key string, r io.Reader) (int64, error) {
	dest, err := l.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	written, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to store %s: %w", key, err)
	}
	return written, nil
}

// Open は key のファイルを開き、サイズと Content-Type を返します。呼び出し側で Close してください。
func (l *Local) Open(key string) (*Object, *os.File, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to detect content type: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, nil, err
	}

	return &Object{
		Key:         key,
		Size:        info.Size(),
		ContentType: mtype.String(),
		ModTime:     info.ModTime(),
	}, file, nil
}

// Delete は key のファイルを削除します。空になったディレクトリも取り除きます。
func (l *Local) Delete(key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if dir := filepath.Dir(path); dir != l.root {
		// 中身が残っている場合は失敗するので無視してよい
		_ = os.Remove(dir)
	}
	return nil
}

// Sweep は cutoff より前に更新されたジョブディレクトリを削除し、削除数を返します。
func (l *Local) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.root, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (l *Local) path(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || filepath.IsAbs(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(l.root, cleaned), nil
}
