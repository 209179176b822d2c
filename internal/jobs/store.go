package jobs

import (
	"context"
	"sync"
	"time"
)

// MutateFunc はジョブを書き換え、変更した場合に true を返します。
type MutateFunc func(job *Job) bool

// Store はジョブ状態の保存先です。
type Store interface {
	// Insert は新しいジョブを保存します。
	Insert(ctx context.Context, job *Job) error
	// Get はジョブのコピーを返します。存在しない場合は nil, nil を返します。
	Get(ctx context.Context, processID string) (*Job, error)
	// Mutate は単一の排他区間内で mutate を適用します。存在しない場合は false, nil を返します。
	Mutate(ctx context.Context, processID string, mutate MutateFunc) (bool, error)
}

const sweepInterval = time.Minute

// MemoryStore はプロセス内のマップにジョブを保持します。
// マップとレコード更新の両方を 1 つのロックで保護します。
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	retention time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。
// retention が正の場合、終了から retention を過ぎたジョブは Sweep で削除されます。
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*Job),
		retention: retention,
		now:       time.Now,
	}
}

// Insert はジョブを保存します。
func (s *MemoryStore) Insert(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.retention > 0 && now.Sub(s.lastSweep) >= sweepInterval {
		s.sweepLocked(now)
	}
	s.jobs[job.ProcessID] = job.Clone()
	return nil
}

// Get はジョブのコピーを返します。
func (s *MemoryStore) Get(ctx context.Context, processID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[processID].Clone(), nil
}

// Mutate はロックを保持したままジョブを書き換えます。
func (s *MemoryStore) Mutate(ctx context.Context, processID string, mutate MutateFunc) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[processID]
	if !ok {
		return false, nil
	}
	return mutate(job), nil
}

// Sweep は保持期間を過ぎた終了済みジョブを削除し、削除件数を返します。
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

// Len は保持しているジョブ数を返します。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *MemoryStore) sweepLocked(now time.Time) int {
	s.lastSweep = now
	if s.retention <= 0 {
		return 0
	}
	removed := 0
	for id, job := range s.jobs {
		if !job.Status.IsTerminal() || job.FinishedAt.IsZero() {
			continue
		}
		if now.Sub(job.FinishedAt) >= s.retention {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}
