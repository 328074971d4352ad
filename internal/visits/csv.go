package visits

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

// Header はエクスポートCSVの列見出しです。
var Header = []string{
	"Viewed At",
	"Viewer Email",
	"Viewer Name",
	"Document",
	"Dataroom",
	"Time Spent (s)",
	"Completion (%)",
	"Downloaded",
}

// Writer は閲覧記録をCSVとして書き出します。
type Writer struct {
	csv  *csv.Writer
	rows int
}

// NewWriter は見出し行を書き込んだ Writer を返します。
func NewWriter(w io.Writer) (*Writer, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return nil, err
	}
	return &Writer{csv: cw}, nil
}

// Write は1件分の行を書き込みます。
func (w *Writer) Write(v Visit) error {
	downloaded := "no"
	if v.Downloaded {
		downloaded = "yes"
	}
	err := w.csv.Write([]string{
		v.ViewedAt.UTC().Format(time.RFC3339),
		v.ViewerEmail,
		v.ViewerName,
		v.DocumentName,
		v.DataroomName,
		strconv.FormatInt(int64(v.Duration/time.Second), 10),
		strconv.FormatFloat(v.Completion, 'f', -1, 64),
		downloaded,
	})
	if err != nil {
		return err
	}
	w.rows++
	return nil
}

// Rows は書き込んだデータ行数です（見出しを除く）。
func (w *Writer) Rows() int {
	return w.rows
}

// Flush はバッファを書き出し、途中のエラーを返します。
func (w *Writer) Flush() error {
	w.csv.Flush()
	return w.csv.Error()
}
