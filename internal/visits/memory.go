package visits

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryVisit struct {
	scope Scope
	visit Visit
}

// MemorySource は開発用・テスト用のメモリ上の Source です。
type MemorySource struct {
	mu     sync.RWMutex
	visits []memoryVisit
}

// NewMemorySource は空の MemorySource を作成します。
func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

// Add は scope に閲覧記録を追加します。
func (m *MemorySource) Add(scope Scope, v ...Visit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, visit := range v {
		m.visits = append(m.visits, memoryVisit{scope: scope, visit: visit})
	}
}

// Seed は scope にダミーの閲覧記録を n 件追加します。
func (m *MemorySource) Seed(scope Scope, n int, start time.Time) {
	batch := make([]Visit, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, Visit{
			ViewedAt:     start.Add(time.Duration(i) * time.Minute),
			ViewerEmail:  fmt.Sprintf("viewer%d@example.com", i+1),
			ViewerName:   fmt.Sprintf("Viewer %d", i+1),
			DocumentName: "Sample document",
			Duration:     time.Duration(30+i%90) * time.Second,
			Completion:   float64((i * 7) % 101),
		})
	}
	m.Add(scope, batch...)
}

// Count は scope に含まれる閲覧記録数を返します。
func (m *MemorySource) Count(ctx context.Context, scope Scope) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	return len(m.matching(scope)), ctx.Err()
}

// Each は scope に含まれる閲覧記録を閲覧日時順に渡します。
func (m *MemorySource) Each(ctx context.Context, scope Scope, fn func(Visit) error) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	for _, v := range m.matching(scope) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemorySource) matching(scope Scope) []Visit {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Visit
	for _, mv := range m.visits {
		if contains(scope, mv.scope) {
			out = append(out, mv.visit)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ViewedAt.Before(out[j].ViewedAt)
	})
	return out
}

// contains はデータルーム全体の範囲がグループ単位の記録を含むものとして判定します。
func contains(outer, inner Scope) bool {
	if outer.TeamID != inner.TeamID {
		return false
	}
	if outer.DocumentID != "" {
		return outer.DocumentID == inner.DocumentID
	}
	if outer.DataroomID != inner.DataroomID {
		return false
	}
	return outer.GroupID == "" || outer.GroupID == inner.GroupID
}
