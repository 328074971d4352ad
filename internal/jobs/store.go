package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/visit-export/internal/visits"
)

const (
	jobKeyPrefix   = "export:job:"
	scopeKeyPrefix = "export:scope:"
	maxTxRetries   = 10
)

// Store はジョブ状態を Redis に保存します。
// 記録本体は JSON 文字列、対象範囲ごとの一覧は作成日時をスコアにした ZSET です。
type Store struct {
	rdb   *redis.Client
	ttl   time.Duration
	clock clockwork.Clock
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb:   rdb,
		ttl:   ttl,
		clock: clockwork.NewRealClock(),
	}
}

// WithClock は時刻の取得元を差し替えた Store を返します。
func (s *Store) WithClock(clock clockwork.Clock) *Store {
	s.clock = clock
	return s
}

// Get はジョブ情報を取得します。
func (s *Store) Get(ctx context.Context, exportID string) (*Record, error) {
	if exportID == "" {
		return nil, fmt.Errorf("exportID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(exportID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Create は新しいジョブを保存し、対象範囲の一覧に登録します。同じIDが既にあればエラーです。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.ExportID == "" {
		return fmt.Errorf("record.ExportID is required")
	}
	now := s.clock.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && s.ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(record.ExportID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("export job already exists: %s", record.ExportID)
	}

	index := scopeKey(record.Scope())
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, index, redis.Z{
		Score:  float64(record.CreatedAt.UnixMilli()),
		Member: record.ExportID,
	})
	if s.ttl > 0 {
		// 期限切れの記録を一覧からも落とす
		pipe.ZRemRangeByScore(ctx, index, "-inf", "("+strconv.FormatInt(now.Add(-s.ttl).UnixMilli(), 10))
		pipe.Expire(ctx, index, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Update は WATCH による楽観ロックで記録を読み替えます。mutate がエラーを返すと保存しません。
func (s *Store) Update(ctx context.Context, exportID string, mutate func(*Record) error) (*Record, error) {
	key := jobKey(exportID)
	var updated Record

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		if err := mutate(&record); err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		record.UpdatedAt = now
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}

		ttl := s.ttl
		if !record.ExpiresAt.IsZero() {
			ttl = record.ExpiresAt.Sub(now)
			if ttl <= 0 {
				ttl = time.Second
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		if err == nil {
			updated = record
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("update export job %s: too much contention", exportID)
}

// MarkProcessing はワーカーが処理を開始したことを記録します。
func (s *Store) MarkProcessing(ctx context.Context, exportID string) (*Record, error) {
	return s.Update(ctx, exportID, func(record *Record) error {
		if record.Status.Terminal() {
			return ErrAlreadyFinished
		}
		record.Status = StatusProcessing
		record.Progress = 0
		return nil
	})
}

// UpdateProgress は書き込み済みの行数を保存します。終了済み（取り消し済み）なら ErrAlreadyFinished です。
func (s *Store) UpdateProgress(ctx context.Context, exportID string, rows int) (*Record, error) {
	return s.Update(ctx, exportID, func(record *Record) error {
		if record.Status.Terminal() {
			return ErrAlreadyFinished
		}
		record.Progress = rows
		return nil
	})
}

// MarkDone はジョブ完了時の情報を保存します。
func (s *Store) MarkDone(ctx context.Context, exportID, resultKey string, rows int) (*Record, error) {
	return s.Update(ctx, exportID, func(record *Record) error {
		if record.Status.Terminal() {
			return ErrAlreadyFinished
		}
		record.Status = StatusCompleted
		record.IsReady = true
		record.Progress = rows
		record.RowCount = rows
		record.ResultKey = resultKey
		record.Error = nil
		return nil
	})
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *Store) MarkFailed(ctx context.Context, exportID string, errInfo *ErrorInfo) (*Record, error) {
	return s.Update(ctx, exportID, func(record *Record) error {
		if record.Status.Terminal() {
			return ErrAlreadyFinished
		}
		record.Status = StatusFailed
		record.IsReady = false
		if errInfo != nil {
			record.Error = errInfo
		}
		return nil
	})
}

// MarkCancelled はジョブを取り消し済みにします。
func (s *Store) MarkCancelled(ctx context.Context, exportID string) (*Record, error) {
	return s.Update(ctx, exportID, func(record *Record) error {
		if record.Status.Terminal() {
			return ErrAlreadyFinished
		}
		record.Status = StatusCancelled
		record.IsReady = false
		return nil
	})
}

// RequestEmail は完了時の送付先を記録します。完了済みのジョブにも指定できます。
func (s *Store) RequestEmail(ctx context.Context, exportID, email string) (*Record, error) {
	return s.Update(ctx, exportID, func(record *Record) error {
		if record.Status == StatusFailed || record.Status == StatusCancelled {
			return ErrAlreadyFinished
		}
		record.EmailTo = email
		record.EmailSentAt = nil
		return nil
	})
}

// MarkEmailSent はメール送付済みの時刻を記録します。
func (s *Store) MarkEmailSent(ctx context.Context, exportID string, at time.Time) (*Record, error) {
	return s.Update(ctx, exportID, func(record *Record) error {
		sentAt := at.UTC()
		record.EmailSentAt = &sentAt
		return nil
	})
}

// List は対象範囲のジョブを新しい順に最大 limit 件返します。期限切れのものは一覧から取り除きます。
func (s *Store) List(ctx context.Context, scope visits.Scope, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	index := scopeKey(scope)
	ids, err := s.rdb.ZRevRange(ctx, index, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(ids))
	var stale []any
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if len(stale) > 0 {
		_ = s.rdb.ZRem(ctx, index, stale...).Err()
	}
	return records, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func scopeKey(scope visits.Scope) string {
	return scopeKeyPrefix + scope.Key()
}
