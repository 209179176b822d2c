package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"
	// liveJobTTL は実行中のまま放置されたレコードを回収するための上限です。
	liveJobTTL = 24 * time.Hour
)

// RedisStore はジョブ状態を Redis に保存します。
// 複数の API プロセスで状態を共有する場合に使用します。
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewRedisStore は RedisStore を作成します。
// 終了済みジョブは retention 経過後に期限切れになります。
func NewRedisStore(rdb *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{
		rdb:       rdb,
		retention: retention,
	}
}

// Insert はジョブを保存します。
func (s *RedisStore) Insert(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(job.ProcessID), payload, s.ttlFor(job)).Err()
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, processID string) (*Job, error) {
	if processID == "" {
		return nil, nil
	}
	data, err := s.rdb.Get(ctx, jobKey(processID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Mutate は WATCH による楽観的トランザクションでジョブを更新します。
// 競合した場合は読み直して再適用します。
func (s *RedisStore) Mutate(ctx context.Context, processID string, mutate MutateFunc) (bool, error) {
	if processID == "" {
		return false, nil
	}
	key := jobKey(processID)
	for {
		var changed bool
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				return err
			}
			changed = mutate(&job)
			if !changed {
				return nil
			}
			payload, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttlFor(&job))
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			return changed, nil
		case errors.Is(err, redis.Nil):
			return false, nil
		case errors.Is(err, redis.TxFailedErr):
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			continue
		default:
			return false, err
		}
	}
}

func (s *RedisStore) ttlFor(job *Job) time.Duration {
	if job.Status.IsTerminal() && s.retention > 0 {
		return s.retention
	}
	return liveJobTTL
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
