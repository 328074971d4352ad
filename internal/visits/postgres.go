package visits

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectVisits = `
SELECT v.viewed_at,
       COALESCE(v.viewer_email, ''),
       COALESCE(v.viewer_name, ''),
       COALESCE(d.name, ''),
       COALESCE(r.name, ''),
       COALESCE(v.duration_ms, 0),
       COALESCE(v.completion, 0),
       v.downloaded
FROM views v
LEFT JOIN documents d ON d.id = v.document_id
LEFT JOIN datarooms r ON r.id = v.dataroom_id
WHERE `

// querier は *pgxpool.Pool と pgx.Tx の共通部分です。
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGSource は PostgreSQL の views テーブルから閲覧記録を読みます。
type PGSource struct {
	db querier
}

// NewPGSource は接続プールから PGSource を作成します。
func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{db: pool}
}

// Connect は databaseURL に接続して PGSource とプールを返します。プールは呼び出し側で Close してください。
func Connect(ctx context.Context, databaseURL string) (*PGSource, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPGSource(pool), pool, nil
}

// Count は範囲内の閲覧記録数を返します。
func (s *PGSource) Count(ctx context.Context, scope Scope) (int, error) {
	where, args, err := scopeFilter(scope)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM views v WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count views: %w", err)
	}
	return int(n), nil
}

// Each は閲覧記録を1行ずつ読み出して fn に渡します。全件をメモリに載せません。
func (s *PGSource) Each(ctx context.Context, scope Scope, fn func(Visit) error) error {
	where, args, err := scopeFilter(scope)
	if err != nil {
		return err
	}
	rows, err := s.db.Query(ctx, selectVisits+where+" ORDER BY v.viewed_at, v.id", args...)
	if err != nil {
		return fmt.Errorf("query views: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			v          Visit
			durationMS int64
		)
		if err := rows.Scan(
			&v.ViewedAt,
			&v.ViewerEmail,
			&v.ViewerName,
			&v.DocumentName,
			&v.DataroomName,
			&durationMS,
			&v.Completion,
			&v.Downloaded,
		); err != nil {
			return fmt.Errorf("scan view: %w", err)
		}
		v.Duration = time.Duration(durationMS) * time.Millisecond
		if err := fn(v); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate views: %w", err)
	}
	return nil
}

// scopeFilter は v を別名とする WHERE 句と引数を返します。
func scopeFilter(scope Scope) (string, []any, error) {
	if err := scope.Validate(); err != nil {
		return "", nil, err
	}
	conds := []string{"v.team_id = $1"}
	args := []any{scope.TeamID}
	add := func(column, value string) {
		args = append(args, value)
		conds = append(conds, column+" = $"+strconv.Itoa(len(args)))
	}
	if scope.DocumentID != "" {
		add("v.document_id", scope.DocumentID)
	} else {
		add("v.dataroom_id", scope.DataroomID)
		if scope.GroupID != "" {
			add("v.group_id", scope.GroupID)
		}
	}
	return strings.Join(conds, " AND "), args, nil
}
