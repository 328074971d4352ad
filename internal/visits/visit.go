// Package visits は閲覧記録の読み出しとCSVへの書き出しを提供します。
package visits

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidScope はチーム・ドキュメント・データルームの組み合わせが不正な場合のエラーです。
var ErrInvalidScope = errors.New("invalid visit scope")

// Scope はエクスポート対象の範囲です。DocumentID と DataroomID はどちらか一方を指定します。
type Scope struct {
	TeamID     string `json:"teamId"`
	DocumentID string `json:"documentId,omitempty"`
	DataroomID string `json:"dataroomId,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
}

// Validate は Scope の妥当性を検証します。
func (s Scope) Validate() error {
	switch {
	case s.TeamID == "":
		return errors.Join(ErrInvalidScope, errors.New("teamId is required"))
	case s.DocumentID == "" && s.DataroomID == "":
		return errors.Join(ErrInvalidScope, errors.New("documentId or dataroomId is required"))
	case s.DocumentID != "" && s.DataroomID != "":
		return errors.Join(ErrInvalidScope, errors.New("documentId and dataroomId are exclusive"))
	case s.GroupID != "" && s.DataroomID == "":
		return errors.Join(ErrInvalidScope, errors.New("groupId requires dataroomId"))
	}
	return nil
}

// Key は一覧インデックスなどに使う安定した文字列表現を返します。
func (s Scope) Key() string {
	if s.DocumentID != "" {
		return s.TeamID + ":doc:" + s.DocumentID
	}
	key := s.TeamID + ":dr:" + s.DataroomID
	if s.GroupID != "" {
		key += ":g:" + s.GroupID
	}
	return key
}

// Visit は1件の閲覧記録です。
type Visit struct {
	ViewedAt     time.Time
	ViewerEmail  string
	ViewerName   string
	DocumentName string
	DataroomName string
	Duration     time.Duration
	Completion   float64 // 0-100
	Downloaded   bool
}

// Source は閲覧記録の取得元です。
type Source interface {
	// Count は範囲内の閲覧記録数を返します。
	Count(ctx context.Context, scope Scope) (int, error)
	// Each は閲覧日時の昇順で fn を呼びます。fn がエラーを返した時点で中断し、そのエラーを返します。
	Each(ctx context.Context, scope Scope, fn func(Visit) error) error
}
